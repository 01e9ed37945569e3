// Package postgres implements the store interfaces on PostgreSQL via pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store is a PostgreSQL implementation of every store interface except
// Uploader.
type Store struct {
	db *pgxpool.Pool
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
)

// Open connects a pool to dsn.
func Open(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// New creates a Store over an existing pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---------------------------------------------------------------------------
// Workflows
// ---------------------------------------------------------------------------

const workflowColumns = `id, slug, owner_id, name, prompt, model_tag, context_slugs, is_active, created_at`

func scanWorkflow(row pgx.Row) (*domain.Workflow, error) {
	var w domain.Workflow
	if err := row.Scan(&w.ID, &w.Slug, &w.OwnerID, &w.Name, &w.Prompt, &w.ModelTag, &w.ContextSlugs, &w.IsActive, &w.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	return scanWorkflow(s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id))
}

func (s *Store) GetWorkflowBySlug(ctx context.Context, ownerID, slug string) (*domain.Workflow, error) {
	return scanWorkflow(s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE owner_id = $1 AND slug = $2", ownerID, slug))
}

// SaveWorkflow inserts or replaces a workflow.
func (s *Store) SaveWorkflow(ctx context.Context, w *domain.Workflow) error {
	created := w.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug, name = EXCLUDED.name, prompt = EXCLUDED.prompt,
			model_tag = EXCLUDED.model_tag, context_slugs = EXCLUDED.context_slugs,
			is_active = EXCLUDED.is_active`,
		w.ID, w.Slug, w.OwnerID, w.Name, w.Prompt, w.ModelTag, nonNil(w.ContextSlugs), w.IsActive, created)
	return err
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

func (s *Store) CreateThread(ctx context.Context, t *domain.Thread) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO threads (id, owner_id, workflow_id, name, lookup_keys, context_slugs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.OwnerID, t.WorkflowID, t.Name, nonNil(t.LookupKeys), nonNil(t.ContextSlugs), t.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) GetThread(ctx context.Context, id string) (*domain.Thread, error) {
	var t domain.Thread
	err := s.db.QueryRow(ctx, `
		SELECT id, owner_id, workflow_id, name, lookup_keys, context_slugs, created_at
		FROM threads WHERE id = $1`, id).
		Scan(&t.ID, &t.OwnerID, &t.WorkflowID, &t.Name, &t.LookupKeys, &t.ContextSlugs, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// Numeric columns travel as text so decimal values round-trip exactly.
const runColumns = `id, origin, owner_id, workflow_id, thread_id, input, prompt, attachments,
	context_slugs, model_tag, input_per_million::text, output_per_million::text, status,
	input_tokens, output_tokens, cost::text, duration_ms, output_text, output_object,
	error_code, error_message, created_at, updated_at, finished_at`

func (s *Store) InsertRun(ctx context.Context, r *domain.Run) error {
	attachments, err := json.Marshal(nonNilAttachments(r.Attachments))
	if err != nil {
		return fmt.Errorf("encoding attachments: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO runs (id, origin, owner_id, workflow_id, thread_id, input, prompt, attachments,
			context_slugs, model_tag, input_per_million, output_per_million, status,
			cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12::numeric, $13,
			$14::numeric, $15, $16)`,
		r.ID, string(r.Origin), r.OwnerID, r.WorkflowID, nullable(r.ThreadID), r.Input, r.Prompt, attachments,
		nonNil(r.ContextSlugs), r.ModelTag, r.InputPerMillion.String(), r.OutputPerMillion.String(), string(r.Status),
		r.Cost.String(), r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) FinishRun(ctx context.Context, id string, f store.RunFinish) (bool, error) {
	var object []byte
	if len(f.OutputObject) > 0 {
		object = f.OutputObject
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE runs SET
			status = $2, input_tokens = $3, output_tokens = $4, cost = $5::numeric,
			duration_ms = $6, output_text = $7, output_object = $8, error_code = $9,
			error_message = $10, updated_at = $11, finished_at = $11
		WHERE id = $1 AND status = 'RUNNING'`,
		id, string(f.Status), f.InputTokens, f.OutputTokens, f.Cost.String(),
		f.DurationMs, f.OutputText, object, f.ErrorCode, f.ErrorMessage, f.FinishedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists int
	if err := s.db.QueryRow(ctx, "SELECT 1 FROM runs WHERE id = $1", id).Scan(&exists); err != nil {
		return false, notFound(err)
	}
	return false, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	rows, err := s.db.Query(ctx, "SELECT "+runColumns+" FROM runs WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, store.ErrNotFound
	}
	return &runs[0], nil
}

func (s *Store) ListThreadRuns(ctx context.Context, threadID string, status domain.Status, limit int) ([]domain.Run, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.db.Query(ctx, `
		SELECT * FROM (
			SELECT `+runColumns+` FROM runs
			WHERE thread_id = $1 AND ($2::text = '' OR status = $2::text)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		) newest ORDER BY created_at, id`,
		threadID, string(status), lim)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

func (s *Store) ListStaleRuns(ctx context.Context, cutoff time.Time) ([]domain.Run, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+runColumns+" FROM runs WHERE status = 'RUNNING' AND created_at < $1 ORDER BY created_at, id",
		cutoff)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var (
			r                           domain.Run
			origin, status              string
			threadID                    *string
			attachments, object         []byte
			inPrice, outPrice, costText string
		)
		err := rows.Scan(&r.ID, &origin, &r.OwnerID, &r.WorkflowID, &threadID, &r.Input, &r.Prompt, &attachments,
			&r.ContextSlugs, &r.ModelTag, &inPrice, &outPrice, &status,
			&r.InputTokens, &r.OutputTokens, &costText, &r.DurationMs, &r.OutputText, &object,
			&r.ErrorCode, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt)
		if err != nil {
			return nil, err
		}

		r.Origin = domain.Origin(origin)
		r.Status = domain.Status(status)
		if threadID != nil {
			r.ThreadID = *threadID
		}
		if len(object) > 0 {
			r.OutputObject = json.RawMessage(object)
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &r.Attachments); err != nil {
				return nil, fmt.Errorf("decoding attachments of run %s: %w", r.ID, err)
			}
		}
		if r.InputPerMillion, err = decimal.NewFromString(inPrice); err != nil {
			return nil, err
		}
		if r.OutputPerMillion, err = decimal.NewFromString(outPrice); err != nil {
			return nil, err
		}
		if r.Cost, err = decimal.NewFromString(costText); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ---------------------------------------------------------------------------
// Models
// ---------------------------------------------------------------------------

func (s *Store) ListModels(ctx context.Context) ([]domain.Model, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tag, name, provider, context_window, has_vision, has_reasoning, has_files,
			input_per_million::text, output_per_million::text, deprecated
		FROM models ORDER BY tag`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []domain.Model
	for rows.Next() {
		var (
			m       domain.Model
			in, out string
		)
		if err := rows.Scan(&m.Tag, &m.Name, &m.Provider, &m.ContextWindow, &m.Vision, &m.Reasoning, &m.Files, &in, &out, &m.Deprecated); err != nil {
			return nil, err
		}
		if m.InputPerMillion, err = decimal.NewFromString(in); err != nil {
			return nil, err
		}
		if m.OutputPerMillion, err = decimal.NewFromString(out); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *Store) UpsertModels(ctx context.Context, models []domain.Model) error {
	batch := &pgx.Batch{}
	for _, m := range models {
		batch.Queue(`
			INSERT INTO models (tag, name, provider, context_window, has_vision, has_reasoning, has_files,
				input_per_million, output_per_million, deprecated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10)
			ON CONFLICT (tag) DO UPDATE SET
				name = EXCLUDED.name, provider = EXCLUDED.provider, context_window = EXCLUDED.context_window,
				has_vision = EXCLUDED.has_vision, has_reasoning = EXCLUDED.has_reasoning,
				has_files = EXCLUDED.has_files, input_per_million = EXCLUDED.input_per_million,
				output_per_million = EXCLUDED.output_per_million, deprecated = EXCLUDED.deprecated`,
			m.Tag, m.Name, m.Provider, m.ContextWindow, m.Vision, m.Reasoning, m.Files,
			m.InputPerMillion.String(), m.OutputPerMillion.String(), m.Deprecated)
	}
	return s.db.SendBatch(ctx, batch).Close()
}

// ---------------------------------------------------------------------------
// Credentials, plans, knowledge
// ---------------------------------------------------------------------------

func (s *Store) OwnerForKeyHash(ctx context.Context, hash string) (string, error) {
	var owner string
	if err := s.db.QueryRow(ctx, "SELECT owner_id FROM api_keys WHERE key_hash = $1", hash).Scan(&owner); err != nil {
		return "", notFound(err)
	}
	return owner, nil
}

func (s *Store) ProviderKeys(ctx context.Context, ownerID string) (map[string]string, error) {
	rows, err := s.db.Query(ctx, "SELECT provider, api_key FROM provider_keys WHERE owner_id = $1", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := map[string]string{}
	for rows.Next() {
		var prov, key string
		if err := rows.Scan(&prov, &key); err != nil {
			return nil, err
		}
		keys[prov] = key
	}
	return keys, rows.Err()
}

func (s *Store) SetProviderKey(ctx context.Context, ownerID, provider, key string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO provider_keys (owner_id, provider, api_key) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, provider) DO UPDATE SET api_key = EXCLUDED.api_key`,
		ownerID, provider, key)
	return err
}

func (s *Store) DeleteProviderKey(ctx context.Context, ownerID, provider string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM provider_keys WHERE owner_id = $1 AND provider = $2", ownerID, provider)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AllowsPlatformKeys(ctx context.Context, ownerID string) (bool, error) {
	var allowed bool
	err := s.db.QueryRow(ctx, "SELECT allow_platform_keys FROM plans WHERE owner_id = $1", ownerID).Scan(&allowed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return allowed, err
}

func (s *Store) Snippets(ctx context.Context, ownerID, slug string) ([]domain.Snippet, error) {
	var exists int
	err := s.db.QueryRow(ctx, "SELECT 1 FROM knowledge_contexts WHERE owner_id = $1 AND slug = $2", ownerID, slug).Scan(&exists)
	if err != nil {
		return nil, notFound(err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT context_slug, position, content FROM knowledge_snippets
		WHERE owner_id = $1 AND context_slug = $2 ORDER BY position`, ownerID, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Snippet
	for rows.Next() {
		var sn domain.Snippet
		if err := rows.Scan(&sn.ContextSlug, &sn.Position, &sn.Content); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilAttachments(a []domain.Attachment) []domain.Attachment {
	if a == nil {
		return []domain.Attachment{}
	}
	return a
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
