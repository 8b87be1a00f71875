package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/suburbmates/quality-cli/internal/audit"
	"github.com/suburbmates/quality-cli/internal/db"
	"github.com/suburbmates/quality-cli/internal/model"
	"github.com/suburbmates/quality-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	opts    options
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres connects a pool, retrying transient connection failures.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, opts ...Option) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("postgres", "connect")
	var pool *pgxpool.Pool
	err = resilience.Do(ctx, retry, func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, pgxCfg)
		if err != nil {
			return eris.Wrap(err, "postgres: create pool")
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return eris.Wrap(err, "postgres: ping")
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, opts: o}, nil
}

// Pool returns the underlying pool for subsystems that share it, such as
// the postgres job store.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS businesses (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	slug                TEXT NOT NULL UNIQUE,
	suburb              TEXT NOT NULL DEFAULT '',
	category            TEXT,
	bio                 TEXT NOT NULL DEFAULT '',
	phone               TEXT NOT NULL DEFAULT '',
	email               TEXT NOT NULL DEFAULT '',
	website             TEXT NOT NULL DEFAULT '',
	address             TEXT NOT NULL DEFAULT '',
	latitude            DOUBLE PRECISION,
	longitude           DOUBLE PRECISION,
	abn                 TEXT,
	abn_status          TEXT NOT NULL DEFAULT 'NOT_PROVIDED',
	show_business_hours BOOLEAN NOT NULL DEFAULT false,
	approval_status     TEXT NOT NULL DEFAULT 'PENDING',
	quality_score       INTEGER NOT NULL DEFAULT 0 CHECK (quality_score BETWEEN 0 AND 100),
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_businesses_score ON businesses(quality_score, id);
CREATE INDEX IF NOT EXISTS idx_businesses_approval ON businesses(approval_status);
CREATE INDEX IF NOT EXISTS idx_businesses_suburb ON businesses(LOWER(suburb));

CREATE TABLE IF NOT EXISTS business_customizations (
	business_id    TEXT PRIMARY KEY REFERENCES businesses(id) ON DELETE CASCADE,
	gallery_images TEXT
);

CREATE TABLE IF NOT EXISTS content_items (
	id          TEXT PRIMARY KEY,
	business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
	images      TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_content_items_business ON content_items(business_id);

CREATE TABLE IF NOT EXISTS inquiries (
	id          TEXT PRIMARY KEY,
	business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_inquiries_business_created ON inquiries(business_id, created_at);

CREATE TABLE IF NOT EXISTS leads (
	id          TEXT PRIMARY KEY,
	business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_business_created ON leads(business_id, created_at);

CREATE TABLE IF NOT EXISTS audit_logs (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	target_id  TEXT NOT NULL DEFAULT '',
	actor_id   TEXT NOT NULL DEFAULT '',
	metadata   JSONB,
	origin     TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_type_created ON audit_logs(type, created_at DESC);

CREATE TABLE IF NOT EXISTS batch_jobs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	data       JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batch_jobs_status_created ON batch_jobs(status, created_at DESC);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// FindBusinesses implements Store.
func (s *PostgresStore) FindBusinesses(ctx context.Context, f model.BusinessFilter) ([]model.Business, error) {
	query, args, err := postgresDialect.selectBusinesses(f, s.opts.since(f)).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build business query")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find businesses")
	}
	defer rows.Close()

	out := []model.Business{}
	for rows.Next() {
		var b model.Business
		if err := rows.Scan(businessDest(&b, &b.CreatedAt, &b.UpdatedAt)...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan business")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: find businesses iterate")
	}
	if len(out) == 0 {
		return out, nil
	}

	items, err := s.contentItems(ctx, businessIDs(out))
	if err != nil {
		return nil, err
	}
	attachContent(out, items)
	return out, nil
}

func (s *PostgresStore) contentItems(ctx context.Context, ids []string) (map[string][]model.ContentItem, error) {
	query, args, err := postgresDialect.selectContentItems(ids).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build content query")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load content items")
	}
	defer rows.Close()

	items := make(map[string][]model.ContentItem)
	for rows.Next() {
		var businessID string
		var ci model.ContentItem
		if err := rows.Scan(&businessID, &ci.ID, &ci.Images); err != nil {
			return nil, eris.Wrap(err, "postgres: scan content item")
		}
		items[businessID] = append(items[businessID], ci)
	}
	return items, eris.Wrap(rows.Err(), "postgres: content items iterate")
}

// FindBusiness implements Store.
func (s *PostgresStore) FindBusiness(ctx context.Context, id string) (*model.Business, error) {
	bs, err := s.FindBusinesses(ctx, model.BusinessFilter{IDs: []string{id}, Limit: 1})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find business %s", id)
	}
	if len(bs) == 0 {
		return nil, nil
	}
	return &bs[0], nil
}

// UpdateQualityScore implements Store.
func (s *PostgresStore) UpdateQualityScore(ctx context.Context, id string, score int, updatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE businesses SET quality_score = $1, updated_at = $2 WHERE id = $3`,
		score, updatedAt.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update quality score %s", id)
	}
	if tag.RowsAffected() == 0 {
		return &model.NotFoundError{Resource: "business", ID: id}
	}
	return nil
}

// InsertAuditEvent implements audit.Writer.
func (s *PostgresStore) InsertAuditEvent(ctx context.Context, e audit.Event) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit metadata")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, type, target_id, actor_id, metadata, origin, user_agent, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Type, e.TargetID, e.ActorID, metadata, e.Origin, e.UserAgent, e.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert audit event")
}

var businessUpsertColumns = []string{
	"id", "name", "slug", "suburb", "category",
	"bio", "phone", "email", "website", "address",
	"latitude", "longitude", "abn", "abn_status",
	"show_business_hours", "approval_status", "quality_score",
	"created_at", "updated_at",
}

// SeedBusinesses implements Store. Related rows are replaced wholesale.
func (s *PostgresStore) SeedBusinesses(ctx context.Context, bs []model.Business, now time.Time) error {
	if len(bs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(bs))
	custom := make([][]any, 0, len(bs))
	for _, b := range bs {
		rows = append(rows, []any{
			b.ID, b.Name, b.Slug, b.Suburb, b.Category,
			b.Bio, b.Phone, b.Email, b.Website, b.Address,
			b.Latitude, b.Longitude, b.ABN, string(b.ABNStatus),
			b.ShowBusinessHours, string(b.ApprovalStatus), b.QualityScore,
			createdOr(b.CreatedAt, now), b.UpdatedAt,
		})
		custom = append(custom, []any{b.ID, b.GalleryImages})
	}

	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "businesses",
		Columns:      businessUpsertColumns,
		ConflictKeys: []string{"id"},
	}, rows); err != nil {
		return eris.Wrap(err, "postgres: seed businesses")
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "business_customizations",
		Columns:      []string{"business_id", "gallery_images"},
		ConflictKeys: []string{"business_id"},
	}, custom); err != nil {
		return eris.Wrap(err, "postgres: seed customizations")
	}

	ids := businessIDs(bs)
	for _, table := range []string{"content_items", "inquiries", "leads"} {
		if _, err := s.pool.Exec(ctx, "DELETE FROM "+table+" WHERE business_id = ANY($1)", ids); err != nil {
			return eris.Wrapf(err, "postgres: clear %s", table)
		}
	}

	content, inquiries, leads := relatedRows(bs, postgresDialect.timeArg(now))
	if _, err := db.CopyFrom(ctx, s.pool, "content_items", []string{"id", "business_id", "images"}, content); err != nil {
		return eris.Wrap(err, "postgres: seed content items")
	}
	if _, err := db.CopyFrom(ctx, s.pool, "inquiries", []string{"id", "business_id", "created_at"}, inquiries); err != nil {
		return eris.Wrap(err, "postgres: seed inquiries")
	}
	if _, err := db.CopyFrom(ctx, s.pool, "leads", []string{"id", "business_id", "created_at"}, leads); err != nil {
		return eris.Wrap(err, "postgres: seed leads")
	}
	return nil
}

func createdOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback.UTC()
	}
	return t.UTC()
}
