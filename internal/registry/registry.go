// Package registry maps model tags to provider clients and pricing.
//
// The registry is an explicit value built once at startup and handed to the
// dispatcher. It caches two things: the model catalog (tag → domain.Model)
// and provider clients, keyed by provider name plus a fingerprint of the API
// key so a rotated key gets a fresh client while runs that already resolved
// keep theirs. Clients of a replaced or deleted key are dropped through
// InvalidateClient; a refresh drops clients of providers left without models.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/alphadose/haxmap"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/itzam-ai/itzam/internal/apperr"
	"github.com/itzam-ai/itzam/internal/config"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/provider"
)

// Credentials are the keys a caller may use for one resolution.
type Credentials struct {
	// UserKeys are the caller's own provider keys, by provider name.
	UserKeys map[string]string
	// AllowPlatform permits falling back to the platform key.
	AllowPlatform bool
}

// Catalog is the source of model definitions.
type Catalog interface {
	ListModels(ctx context.Context) ([]domain.Model, error)
}

// StaticCatalog serves a fixed list, typically from configuration.
type StaticCatalog []domain.Model

func (s StaticCatalog) ListModels(context.Context) ([]domain.Model, error) {
	return append([]domain.Model(nil), s...), nil
}

// Factory builds a provider client. name is the provider name used in
// tags; kind selects the factory.
type Factory func(name, apiKey, baseURL string, client *http.Client) provider.Provider

// DefaultFactories covers every provider kind the service ships with.
func DefaultFactories() map[string]Factory {
	f := map[string]Factory{
		"openai": func(_, key, baseURL string, c *http.Client) provider.Provider {
			return provider.NewOpenAIProvider(key, baseURL, c)
		},
		"anthropic": func(_, key, baseURL string, c *http.Client) provider.Provider {
			return provider.NewAnthropicProvider(key, baseURL, c)
		},
		"google": func(_, key, baseURL string, c *http.Client) provider.Provider {
			return provider.NewGoogleProvider(key, baseURL, c)
		},
	}
	for kind := range provider.CompatibleBaseURLs {
		f[kind] = func(name, key, baseURL string, c *http.Client) provider.Provider {
			return provider.NewCompatibleProvider(name, key, baseURL, c)
		}
	}
	return f
}

// Registry resolves tags to clients. Safe for concurrent use.
type Registry struct {
	catalog    Catalog
	providers  map[string]config.ProviderConfig
	factories  map[string]Factory
	httpClient *http.Client
	log        zerolog.Logger

	models  *haxmap.Map[string, domain.Model]
	clients *haxmap.Map[string, provider.Provider]
	refresh singleflight.Group
}

// Option customizes a Registry.
type Option func(*Registry)

// WithFactory registers or replaces the factory for kind.
func WithFactory(kind string, f Factory) Option {
	return func(r *Registry) { r.factories[kind] = f }
}

// WithHTTPClient sets the client handed to every provider.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.httpClient = c }
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l.With().Str("component", "registry").Logger() }
}

// New creates a Registry. Call Refresh before serving traffic.
func New(catalog Catalog, providers map[string]config.ProviderConfig, opts ...Option) *Registry {
	r := &Registry{
		catalog:    catalog,
		providers:  providers,
		factories:  DefaultFactories(),
		httpClient: http.DefaultClient,
		log:        zerolog.Nop(),
		models:     haxmap.New[string, domain.Model](),
		clients:    haxmap.New[string, provider.Provider](),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Refresh reloads the catalog. Tags no longer present are dropped.
// Concurrent callers share one reload.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.refresh.Do("catalog", func() (any, error) {
		models, err := r.catalog.ListModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading model catalog: %w", err)
		}

		keep := make(map[string]bool, len(models))
		for _, m := range models {
			keep[m.Tag] = true
			r.models.Set(m.Tag, m)
		}
		var stale []string
		r.models.ForEach(func(tag string, _ domain.Model) bool {
			if !keep[tag] {
				stale = append(stale, tag)
			}
			return true
		})
		for _, tag := range stale {
			r.models.Del(tag)
		}
		r.pruneClients(models)

		r.log.Info().Int("models", len(models)).Msg("model catalog loaded")
		return nil, nil
	})
	return err
}

// InvalidateClient drops the client built for apiKey, if any. Call it when a
// key is replaced or deleted; runs holding the client finish with it.
func (r *Registry) InvalidateClient(providerName, apiKey string) {
	r.clients.Del(clientKey(providerName, apiKey))
}

// pruneClients drops cached clients of providers no model uses anymore.
func (r *Registry) pruneClients(models []domain.Model) {
	used := make(map[string]bool)
	for _, m := range models {
		used[m.Provider] = true
	}
	var drop []string
	r.clients.ForEach(func(key string, _ provider.Provider) bool {
		name, _, _ := strings.Cut(key, ":")
		if !used[name] {
			drop = append(drop, key)
		}
		return true
	})
	for _, key := range drop {
		r.clients.Del(key)
	}
}

// Lookup returns the model for tag, reloading the catalog once on a miss.
func (r *Registry) Lookup(ctx context.Context, tag string) (domain.Model, error) {
	if m, ok := r.models.Get(tag); ok {
		return m, nil
	}
	if _, _, ok := domain.SplitTag(tag); !ok {
		return domain.Model{}, apperr.Validation("model tag %q must be provider:model-id", tag)
	}
	if err := r.Refresh(ctx); err != nil {
		return domain.Model{}, err
	}
	if m, ok := r.models.Get(tag); ok {
		return m, nil
	}
	return domain.Model{}, apperr.NotFound("model %q not found", tag)
}

// Resolve returns a client able to serve tag with the given credentials,
// plus the model snapshot. A user's own key for the provider wins over the
// platform key.
func (r *Registry) Resolve(ctx context.Context, tag string, creds Credentials) (provider.Provider, domain.Model, error) {
	model, err := r.Lookup(ctx, tag)
	if err != nil {
		return nil, domain.Model{}, err
	}

	name := model.Provider
	settings := r.providers[name]
	kind := settings.Kind
	if kind == "" {
		kind = name
	}
	factory, ok := r.factories[kind]
	if !ok {
		return nil, domain.Model{}, apperr.New(apperr.CodeNoCredentials, "provider %q is not supported", name)
	}

	key := creds.UserKeys[name]
	source := "user"
	if key == "" && creds.AllowPlatform {
		key = settings.APIKey
		source = "platform"
	}
	if key == "" {
		return nil, domain.Model{}, apperr.NoCredentials("no credentials available for provider %q", name)
	}

	client, _ := r.clients.GetOrCompute(clientKey(name, key), func() provider.Provider {
		r.log.Debug().Str("provider", name).Str("kind", kind).Str("key_source", source).Msg("building provider client")
		return factory(name, key, settings.BaseURL, r.httpClient)
	})
	return client, model, nil
}

// Available lists non-deprecated models, sorted by tag.
func (r *Registry) Available() []domain.Model {
	var out []domain.Model
	r.models.ForEach(func(_ string, m domain.Model) bool {
		if !m.Deprecated {
			out = append(out, m)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

func clientKey(name, apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return name + ":" + hex.EncodeToString(sum[:8])
}
