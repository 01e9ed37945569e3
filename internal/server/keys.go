package server

import (
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/itzam-ai/itzam/internal/apperr"
	"github.com/itzam-ai/itzam/internal/auth"
	"github.com/itzam-ai/itzam/internal/store"
)

// Provider keys are the caller's own credentials. Key values are write-only:
// the list route returns provider names.

type providerKeyBody struct {
	APIKey string `json:"apiKey" validate:"required,max=1024"`
}

func (s *Server) handleListProviderKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.ProviderKeys.ProviderKeys(r.Context(), auth.OwnerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)
	s.writeJSON(w, http.StatusOK, map[string]any{"providers": names})
}

func (s *Server) handlePutProviderKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	if !s.servesProvider(name) {
		s.writeError(w, r, apperr.NotFound("no models are served by provider %q", name), "")
		return
	}
	var body providerKeyBody
	raw, err := readBody(w, r)
	if err == nil {
		err = s.decode(raw, &body)
	}
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	ctx := r.Context()
	owner := auth.OwnerFrom(ctx)
	prev, err := s.deps.ProviderKeys.ProviderKeys(ctx, owner)
	if err == nil {
		err = s.deps.ProviderKeys.SetProviderKey(ctx, owner, name, body.APIKey)
	}
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if old := prev[name]; old != "" && old != body.APIKey {
		s.deps.Clients.InvalidateClient(name, old)
	}
	s.log.Info().Str("owner_id", owner).Str("provider", name).Msg("provider key saved")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteProviderKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := auth.OwnerFrom(ctx)
	name := chi.URLParam(r, "provider")

	prev, err := s.deps.ProviderKeys.ProviderKeys(ctx, owner)
	if err == nil {
		err = s.deps.ProviderKeys.DeleteProviderKey(ctx, owner, name)
	}
	if errors.Is(err, store.ErrNotFound) {
		err = apperr.NotFound("no %s key is set", name)
	}
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if old := prev[name]; old != "" {
		s.deps.Clients.InvalidateClient(name, old)
	}
	s.log.Info().Str("owner_id", owner).Str("provider", name).Msg("provider key deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) servesProvider(name string) bool {
	for _, m := range s.deps.Models.Available() {
		if m.Provider == name {
			return true
		}
	}
	return false
}
