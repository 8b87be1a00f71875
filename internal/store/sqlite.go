package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/suburbmates/quality-cli/internal/audit"
	"github.com/suburbmates/quality-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &SQLiteStore{db: db, opts: o}, nil
}

// Timestamps are stored as fixed-width UTC text so they compare lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// sqliteTime scans and writes timestamps in sqliteTimeLayout.
type sqliteTime struct {
	t *time.Time
}

func (s sqliteTime) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	case time.Time:
		*s.t = v.UTC()
		return nil
	}
	return eris.Errorf("sqlite: cannot scan %T into time", src)
}

func (s sqliteTime) parse(v string) error {
	t, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		return eris.Wrapf(err, "sqlite: parse time %q", v)
	}
	*s.t = t
	return nil
}

// sqliteNullTime is sqliteTime for nullable columns.
type sqliteNullTime struct {
	t **time.Time
}

func (s sqliteNullTime) Scan(src any) error {
	if src == nil {
		*s.t = nil
		return nil
	}
	var t time.Time
	if err := (sqliteTime{t: &t}).Scan(src); err != nil {
		return err
	}
	*s.t = &t
	return nil
}

func nullable[T any](p *T) driver.Value {
	if p == nil {
		return nil
	}
	return *p
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTimeArg(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

const sqliteMigration = `
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
	latitude            REAL,
	longitude           REAL,
	abn                 TEXT,
	abn_status          TEXT NOT NULL DEFAULT 'NOT_PROVIDED',
	show_business_hours INTEGER NOT NULL DEFAULT 0,
	approval_status     TEXT NOT NULL DEFAULT 'PENDING',
	quality_score       INTEGER NOT NULL DEFAULT 0 CHECK (quality_score BETWEEN 0 AND 100),
	created_at          TEXT NOT NULL,
	updated_at          TEXT
);

CREATE INDEX IF NOT EXISTS idx_businesses_score ON businesses(quality_score, id);
CREATE INDEX IF NOT EXISTS idx_businesses_approval ON businesses(approval_status);

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
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_inquiries_business_created ON inquiries(business_id, created_at);

CREATE TABLE IF NOT EXISTS leads (
	id          TEXT PRIMARY KEY,
	business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_business_created ON leads(business_id, created_at);

CREATE TABLE IF NOT EXISTS audit_logs (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	target_id  TEXT NOT NULL DEFAULT '',
	actor_id   TEXT NOT NULL DEFAULT '',
	metadata   TEXT,
	origin     TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_type_created ON audit_logs(type, created_at);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// FindBusinesses implements Store.
func (s *SQLiteStore) FindBusinesses(ctx context.Context, f model.BusinessFilter) ([]model.Business, error) {
	query, args, err := sqliteDialect.selectBusinesses(f, s.opts.since(f)).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build business query")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find businesses")
	}
	defer rows.Close()

	out := []model.Business{}
	for rows.Next() {
		var b model.Business
		dest := businessDest(&b, sqliteTime{t: &b.CreatedAt}, sqliteNullTime{t: &b.UpdatedAt})
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan business")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: find businesses iterate")
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

func (s *SQLiteStore) contentItems(ctx context.Context, ids []string) (map[string][]model.ContentItem, error) {
	query, args, err := sqliteDialect.selectContentItems(ids).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build content query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load content items")
	}
	defer rows.Close()

	items := make(map[string][]model.ContentItem)
	for rows.Next() {
		var businessID string
		var ci model.ContentItem
		if err := rows.Scan(&businessID, &ci.ID, &ci.Images); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan content item")
		}
		items[businessID] = append(items[businessID], ci)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: content items iterate")
}

// FindBusiness implements Store.
func (s *SQLiteStore) FindBusiness(ctx context.Context, id string) (*model.Business, error) {
	bs, err := s.FindBusinesses(ctx, model.BusinessFilter{IDs: []string{id}, Limit: 1})
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find business %s", id)
	}
	if len(bs) == 0 {
		return nil, nil
	}
	return &bs[0], nil
}

// UpdateQualityScore implements Store.
func (s *SQLiteStore) UpdateQualityScore(ctx context.Context, id string, score int, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE businesses SET quality_score = ?, updated_at = ? WHERE id = ?`,
		score, formatTime(updatedAt), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update quality score %s", id)
	}
	return checkRowsAffected(res, "business", id)
}

// InsertAuditEvent implements audit.Writer.
func (s *SQLiteStore) InsertAuditEvent(ctx context.Context, e audit.Event) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit metadata")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, type, target_id, actor_id, metadata, origin, user_agent, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.TargetID, e.ActorID, string(metadata), e.Origin, e.UserAgent, formatTime(e.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert audit event")
}

const sqliteUpsertBusiness = `
INSERT INTO businesses (
	id, name, slug, suburb, category, bio, phone, email, website, address,
	latitude, longitude, abn, abn_status, show_business_hours, approval_status,
	quality_score, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name, slug = excluded.slug, suburb = excluded.suburb,
	category = excluded.category, bio = excluded.bio, phone = excluded.phone,
	email = excluded.email, website = excluded.website, address = excluded.address,
	latitude = excluded.latitude, longitude = excluded.longitude, abn = excluded.abn,
	abn_status = excluded.abn_status, show_business_hours = excluded.show_business_hours,
	approval_status = excluded.approval_status, quality_score = excluded.quality_score,
	created_at = excluded.created_at, updated_at = excluded.updated_at`

// SeedBusinesses implements Store in a single transaction.
func (s *SQLiteStore) SeedBusinesses(ctx context.Context, bs []model.Business, now time.Time) error {
	if len(bs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin seed")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, b := range bs {
		if _, err := tx.ExecContext(ctx, sqliteUpsertBusiness,
			b.ID, b.Name, b.Slug, b.Suburb, nullable(b.Category),
			b.Bio, b.Phone, b.Email, b.Website, b.Address,
			nullable(b.Latitude), nullable(b.Longitude), nullable(b.ABN), string(b.ABNStatus),
			boolInt(b.ShowBusinessHours), string(b.ApprovalStatus), b.QualityScore,
			formatTime(createdOr(b.CreatedAt, now)), nullTimeArg(b.UpdatedAt),
		); err != nil {
			return eris.Wrapf(err, "sqlite: seed business %s", b.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO business_customizations (business_id, gallery_images) VALUES (?, ?)
			 ON CONFLICT (business_id) DO UPDATE SET gallery_images = excluded.gallery_images`,
			b.ID, b.GalleryImages,
		); err != nil {
			return eris.Wrapf(err, "sqlite: seed customization %s", b.ID)
		}
		for _, table := range []string{"content_items", "inquiries", "leads"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE business_id = ?", b.ID); err != nil {
				return eris.Wrapf(err, "sqlite: clear %s for %s", table, b.ID)
			}
		}
	}

	content, inquiries, leads := relatedRows(bs, sqliteDialect.timeArg(now))
	inserts := []struct {
		sql  string
		rows [][]any
	}{
		{`INSERT INTO content_items (id, business_id, images) VALUES (?, ?, ?)`, content},
		{`INSERT INTO inquiries (id, business_id, created_at) VALUES (?, ?, ?)`, inquiries},
		{`INSERT INTO leads (id, business_id, created_at) VALUES (?, ?, ?)`, leads},
	}
	for _, ins := range inserts {
		for _, row := range ins.rows {
			if _, err := tx.ExecContext(ctx, ins.sql, row...); err != nil {
				return eris.Wrap(err, "sqlite: seed related rows")
			}
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit seed")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return &model.NotFoundError{Resource: entity, ID: id}
	}
	return nil
}
