// Package store declares the persistence collaborators of the run pipeline.
//
// Implementations live in subpackages: memory (tests and single-process
// runs), postgres (pgx), rediscache (a read-through cache in front of a
// ProviderKeyStore) and objectstore (S3 attachment uploads).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/itzam-ai/itzam/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when inserting a record whose id is taken.
	ErrDuplicate = errors.New("duplicate id")
)

// WorkflowStore reads workflow configuration.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
	GetWorkflowBySlug(ctx context.Context, ownerID, slug string) (*domain.Workflow, error)
}

// ThreadStore reads and creates threads.
type ThreadStore interface {
	CreateThread(ctx context.Context, t *domain.Thread) error
	GetThread(ctx context.Context, id string) (*domain.Thread, error)
}

// RunFinish is the terminal state written onto a RUNNING run.
type RunFinish struct {
	Status       domain.Status
	InputTokens  int64
	OutputTokens int64
	Cost         decimal.Decimal
	DurationMs   int64
	OutputText   string
	OutputObject json.RawMessage
	ErrorCode    string
	ErrorMessage string
	FinishedAt   time.Time
}

// RunStore persists run records. Only the ledger writes through it.
type RunStore interface {
	// InsertRun stores a new run. ErrDuplicate if the id exists.
	InsertRun(ctx context.Context, r *domain.Run) error

	// FinishRun applies f only if the run is still RUNNING. It reports
	// whether a row changed; ErrNotFound if the run does not exist.
	FinishRun(ctx context.Context, id string, f RunFinish) (bool, error)

	GetRun(ctx context.Context, id string) (*domain.Run, error)

	// ListThreadRuns returns up to limit of the newest runs of the thread
	// with the given status, oldest first.
	ListThreadRuns(ctx context.Context, threadID string, status domain.Status, limit int) ([]domain.Run, error)

	// ListStaleRuns returns RUNNING runs created before cutoff.
	ListStaleRuns(ctx context.Context, cutoff time.Time) ([]domain.Run, error)
}

// ModelStore is the persistent model catalog.
type ModelStore interface {
	ListModels(ctx context.Context) ([]domain.Model, error)
	UpsertModels(ctx context.Context, models []domain.Model) error
}

// APIKeyStore maps hashed SDK keys to their owner.
type APIKeyStore interface {
	OwnerForKeyHash(ctx context.Context, hash string) (string, error)
}

// ProviderKeyStore holds users' own provider credentials, keyed by provider
// name.
type ProviderKeyStore interface {
	ProviderKeys(ctx context.Context, ownerID string) (map[string]string, error)
}

// ProviderKeyWriter changes one of a user's own provider keys.
// DeleteProviderKey returns ErrNotFound when no key was set.
type ProviderKeyWriter interface {
	SetProviderKey(ctx context.Context, ownerID, provider, key string) error
	DeleteProviderKey(ctx context.Context, ownerID, provider string) error
}

// ProviderKeyReadWriter reads and changes provider keys.
type ProviderKeyReadWriter interface {
	ProviderKeyStore
	ProviderKeyWriter
}

// PlanStore answers billing questions.
type PlanStore interface {
	AllowsPlatformKeys(ctx context.Context, ownerID string) (bool, error)
}

// KnowledgeStore returns the retrieved snippets of a knowledge context.
// ErrNotFound if the owner has no context with that slug.
type KnowledgeStore interface {
	Snippets(ctx context.Context, ownerID, slug string) ([]domain.Snippet, error)
}

// Uploader stores inline attachment bytes and returns a URL the provider
// can fetch.
type Uploader interface {
	Upload(ctx context.Context, ownerID, name, mimeType string, data []byte) (string, error)
}
