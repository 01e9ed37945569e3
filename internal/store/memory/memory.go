// Package memory is an in-process implementation of every store interface.
// It backs the binary when no database is configured and the package tests.
package memory

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/store"
)

// Store holds all records behind one lock.
type Store struct {
	mu sync.RWMutex

	workflows    map[string]domain.Workflow
	threads      map[string]domain.Thread
	runs         map[string]domain.Run
	models       map[string]domain.Model
	apiKeys      map[string]string            // key hash → owner
	providerKeys map[string]map[string]string // owner → provider → key
	platform     map[string]bool              // owner → allowed
	snippets     map[string][]domain.Snippet  // owner/slug → snippets
}

var (
	_ store.WorkflowStore         = (*Store)(nil)
	_ store.ThreadStore           = (*Store)(nil)
	_ store.RunStore              = (*Store)(nil)
	_ store.ModelStore            = (*Store)(nil)
	_ store.APIKeyStore           = (*Store)(nil)
	_ store.ProviderKeyReadWriter = (*Store)(nil)
	_ store.PlanStore             = (*Store)(nil)
	_ store.KnowledgeStore        = (*Store)(nil)
	_ store.Uploader              = (*Store)(nil)
)

func New() *Store {
	return &Store{
		workflows:    map[string]domain.Workflow{},
		threads:      map[string]domain.Thread{},
		runs:         map[string]domain.Run{},
		models:       map[string]domain.Model{},
		apiKeys:      map[string]string{},
		providerKeys: map[string]map[string]string{},
		platform:     map[string]bool{},
		snippets:     map[string][]domain.Snippet{},
	}
}

// --- seeding ---

func (s *Store) PutWorkflow(w domain.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
}

func (s *Store) PutAPIKeyHash(hash, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[hash] = ownerID
}

func (s *Store) PutProviderKey(ownerID, provider, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.providerKeys[ownerID] == nil {
		s.providerKeys[ownerID] = map[string]string{}
	}
	s.providerKeys[ownerID][provider] = key
}

func (s *Store) SetPlatformKeys(ownerID string, allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platform[ownerID] = allowed
}

// PutSnippets replaces the snippets of one knowledge context.
func (s *Store) PutSnippets(ownerID, slug string, snippets []domain.Snippet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snippets[ownerID+"/"+slug] = append([]domain.Snippet(nil), snippets...)
}

// --- workflows ---

func (s *Store) GetWorkflow(_ context.Context, id string) (*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}

func (s *Store) GetWorkflowBySlug(_ context.Context, ownerID, slug string) (*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workflows {
		if w.OwnerID == ownerID && w.Slug == slug {
			return &w, nil
		}
	}
	return nil, store.ErrNotFound
}

// --- threads ---

func (s *Store) CreateThread(_ context.Context, t *domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return store.ErrDuplicate
	}
	s.threads[t.ID] = *t
	return nil
}

func (s *Store) GetThread(_ context.Context, id string) (*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

// --- runs ---

func (s *Store) InsertRun(_ context.Context, r *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return store.ErrDuplicate
	}
	s.runs[r.ID] = *r
	return nil
}

func (s *Store) FinishRun(_ context.Context, id string, f store.RunFinish) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.Status != domain.StatusRunning {
		return false, nil
	}

	finished := f.FinishedAt
	r.Status = f.Status
	r.InputTokens = f.InputTokens
	r.OutputTokens = f.OutputTokens
	r.Cost = f.Cost
	r.DurationMs = f.DurationMs
	r.OutputText = f.OutputText
	r.OutputObject = f.OutputObject
	r.ErrorCode = f.ErrorCode
	r.ErrorMessage = f.ErrorMessage
	r.UpdatedAt = finished
	r.FinishedAt = &finished
	s.runs[id] = r
	return true, nil
}

func (s *Store) GetRun(_ context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListThreadRuns(_ context.Context, threadID string, status domain.Status, limit int) ([]domain.Run, error) {
	s.mu.RLock()
	var out []domain.Run
	for _, r := range s.runs {
		if r.ThreadID == threadID && (status == "" || r.Status == status) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sortRuns(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) ListStaleRuns(_ context.Context, cutoff time.Time) ([]domain.Run, error) {
	s.mu.RLock()
	var out []domain.Run
	for _, r := range s.runs {
		if r.Status == domain.StatusRunning && r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sortRuns(out)
	return out, nil
}

// sortRuns orders by creation time; run ids are UUIDv7 so they break ties
// in creation order too.
func sortRuns(runs []domain.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}

// --- models ---

func (s *Store) ListModels(_ context.Context) ([]domain.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func (s *Store) UpsertModels(_ context.Context, models []domain.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range models {
		s.models[m.Tag] = m
	}
	return nil
}

// --- credentials and plans ---

func (s *Store) OwnerForKeyHash(_ context.Context, hash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.apiKeys[hash]
	if !ok {
		return "", store.ErrNotFound
	}
	return owner, nil
}

func (s *Store) ProviderKeys(_ context.Context, ownerID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.providerKeys[ownerID]))
	for k, v := range s.providerKeys[ownerID] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SetProviderKey(_ context.Context, ownerID, provider, key string) error {
	s.PutProviderKey(ownerID, provider, key)
	return nil
}

func (s *Store) DeleteProviderKey(_ context.Context, ownerID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providerKeys[ownerID][provider]; !ok {
		return store.ErrNotFound
	}
	delete(s.providerKeys[ownerID], provider)
	return nil
}

func (s *Store) AllowsPlatformKeys(_ context.Context, ownerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.platform[ownerID], nil
}

// --- knowledge ---

func (s *Store) Snippets(_ context.Context, ownerID, slug string) ([]domain.Snippet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sn, ok := s.snippets[ownerID+"/"+slug]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]domain.Snippet(nil), sn...), nil
}

// Upload keeps the bytes inline: without object storage the provider
// receives the attachment base64-encoded.
func (s *Store) Upload(_ context.Context, _, _, mimeType string, data []byte) (string, error) {
	if mimeType == "" {
		return "", fmt.Errorf("upload: mime type is required")
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
