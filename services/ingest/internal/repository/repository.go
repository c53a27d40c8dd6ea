// Package repository implements SignalRepository (§4.5): the persisted
// processed-record store, its secondary indexes, and geospatial
// bounding-box queries. Persistence uses database/sql only; the
// Postgres driver is registered elsewhere via a blank import at the
// process entrypoint, mirroring the teacher's object-store idiom.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/stats"
)

var (
	ErrNotFound     = errors.New("repository: signal not found")
	ErrDuplicateKey = errors.New("repository: duplicate idempotency key")
	ErrInvalid      = errors.New("repository: invalid input")
)

// Location is a GeoJSON-convention longitude-first point (§3).
type Location struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// ProcessedSignal is the persisted record (§3).
type ProcessedSignal struct {
	ID             string      `json:"id"`
	DeviceID       string      `json:"deviceId"`
	Time           int64       `json:"time"`
	DataLength     int         `json:"dataLength"`
	DataVolume     int64       `json:"dataVolume"`
	Stats          stats.Stats `json:"stats"`
	Location       Location    `json:"location"`
	RawRef         string      `json:"rawRef"`
	IdempotencyKey string      `json:"idempotencyKey"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Filter restricts FindMany results.
type Filter struct {
	DeviceID      string
	TimeFromMs    *int64
	TimeToMs      *int64
	MinDataLength *int
	MaxDataLength *int
	MinDataVolume *int64
	MaxDataVolume *int64
	BBox          *stats.BBox
}

// SortField is one of the columns FindMany may order by.
type SortField string

const (
	SortByID       SortField = "id"
	SortByTime     SortField = "time"
	SortByMaxSpeed SortField = "max_speed"
)

// Sort controls FindMany ordering. The zero value is the default: id
// descending.
type Sort struct {
	Field SortField
	Desc  bool
}

func (s Sort) normalize() Sort {
	if s.Field == "" {
		return Sort{Field: SortByID, Desc: true}
	}
	return s
}

// Page is an offset/limit-or-cursor pagination request. Cursor, when
// set, is the id of the last record from the previous page and takes
// precedence over Skip.
type Page struct {
	Limit  int
	Skip   int
	Cursor string
}

func (p Page) normalize() Page {
	out := p
	if out.Limit <= 0 || out.Limit > 100 {
		out.Limit = 20
	}
	if out.Skip < 0 {
		out.Skip = 0
	}
	return out
}

// PageResult is the paginated response.
type PageResult struct {
	Items      []ProcessedSignal `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// Patch is a partial update applied by Update.
type Patch struct {
	RawRef *string
}

var idPattern = regexp.MustCompile(`^[0-9]+$`)

// Dialect selects the DDL variant EnsureSchema issues. The rest of the
// package's SQL ($N placeholders, RETURNING, ON CONFLICT DO NOTHING) is
// shared between both: Postgres and modern SQLite (3.35+, as bundled by
// mattn/go-sqlite3) both support it unchanged.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	// DialectSQLite backs an in-process, no-infrastructure test double
	// for SignalRepository (see repository_sqlite_test.go) — it is not
	// used in production, where Postgres is the only deployed backend.
	DialectSQLite Dialect = "sqlite"
)

// Repository is the Postgres-backed SignalRepository. It also backs an
// in-memory SQLite test double via Options.Dialect.
type Repository struct {
	db      *sql.DB
	table   string
	dialect Dialect
	clock   func() time.Time
}

type Options struct {
	TableName string
	Dialect   Dialect
	Clock     func() time.Time
}

func New(db *sql.DB, opts Options) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db is nil", ErrInvalid)
	}
	table := strings.TrimSpace(opts.TableName)
	if table == "" {
		table = "xrayiot_signals"
	}
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	dialect := opts.Dialect
	if dialect == "" {
		dialect = DialectPostgres
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Repository{db: db, table: table, dialect: dialect, clock: clock}, nil
}

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid table name %q", ErrInvalid, name)
	}
	return nil
}

// EnsureSchema creates the backing table and its indexes if absent.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	var ddl []string
	switch r.dialect {
	case DialectSQLite:
		ddl = sqliteDDL(r.table)
	default:
		ddl = postgresDDL(r.table)
	}
	for _, q := range ddl {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("repository: ensure schema: %w", err)
		}
	}
	return nil
}

func postgresDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id               BIGSERIAL PRIMARY KEY,
  device_id        TEXT NOT NULL,
  time_ms          BIGINT NOT NULL,
  data_length      INT NOT NULL,
  data_volume      BIGINT NOT NULL,
  max_speed        DOUBLE PRECISION NOT NULL,
  avg_speed        DOUBLE PRECISION NOT NULL,
  distance_meters  BIGINT NOT NULL,
  bbox_min_lat     DOUBLE PRECISION,
  bbox_max_lat     DOUBLE PRECISION,
  bbox_min_lon     DOUBLE PRECISION,
  bbox_max_lon     DOUBLE PRECISION,
  loc_lon          DOUBLE PRECISION NOT NULL,
  loc_lat          DOUBLE PRECISION NOT NULL,
  raw_ref          TEXT NOT NULL,
  idempotency_key  TEXT NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL,
  updated_at       TIMESTAMPTZ NOT NULL
);`, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ux_%s_idem ON %s (idempotency_key);`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_device_time ON %s (device_id, time_ms DESC);`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_max_speed ON %s (max_speed DESC);`, table, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ux_%s_device_time_raw ON %s (device_id, time_ms, raw_ref);`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_loc ON %s (loc_lat, loc_lon);`, table, table),
	}
}

// sqliteDDL mirrors postgresDDL's columns and indexes using SQLite's
// type-affinity vocabulary: INTEGER PRIMARY KEY aliases rowid (giving
// the same auto-assigned, monotonically increasing id as BIGSERIAL),
// and DATETIME columns round-trip through database/sql's time.Time
// scanning the same way TIMESTAMPTZ does under lib/pq.
func sqliteDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  device_id        TEXT NOT NULL,
  time_ms          INTEGER NOT NULL,
  data_length      INTEGER NOT NULL,
  data_volume      INTEGER NOT NULL,
  max_speed        REAL NOT NULL,
  avg_speed        REAL NOT NULL,
  distance_meters  INTEGER NOT NULL,
  bbox_min_lat     REAL,
  bbox_max_lat     REAL,
  bbox_min_lon     REAL,
  bbox_max_lon     REAL,
  loc_lon          REAL NOT NULL,
  loc_lat          REAL NOT NULL,
  raw_ref          TEXT NOT NULL,
  idempotency_key  TEXT NOT NULL,
  created_at       DATETIME NOT NULL,
  updated_at       DATETIME NOT NULL
);`, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ux_%s_idem ON %s (idempotency_key);`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_device_time ON %s (device_id, time_ms DESC);`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_max_speed ON %s (max_speed DESC);`, table, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ux_%s_device_time_raw ON %s (device_id, time_ms, raw_ref);`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_loc ON %s (loc_lat, loc_lon);`, table, table),
	}
}

func (r *Repository) FindByIdempotencyKey(ctx context.Context, key string) (*ProcessedSignal, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE idempotency_key = $1;`, selectColumns, r.table)
	return r.scanOne(r.db.QueryRowContext(ctx, q, key))
}

func (r *Repository) FindByID(ctx context.Context, id string) (*ProcessedSignal, error) {
	if !idPattern.MatchString(id) {
		// No record can carry a non-numeric id, so it is reported as missing.
		return nil, fmt.Errorf("%w: malformed id", ErrNotFound)
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1;`, selectColumns, r.table)
	return r.scanOne(r.db.QueryRowContext(ctx, q, id))
}

const selectColumns = `id, device_id, time_ms, data_length, data_volume, max_speed, avg_speed, distance_meters,
  bbox_min_lat, bbox_max_lat, bbox_min_lon, bbox_max_lon, loc_lon, loc_lat, raw_ref, idempotency_key, created_at, updated_at`

func (r *Repository) scanOne(row *sql.Row) (*ProcessedSignal, error) {
	var (
		s                                    ProcessedSignal
		minLat, maxLat, minLon, maxLon       sql.NullFloat64
	)
	err := row.Scan(&s.ID, &s.DeviceID, &s.Time, &s.DataLength, &s.DataVolume,
		&s.Stats.MaxSpeed, &s.Stats.AvgSpeed, &s.Stats.DistanceMeters,
		&minLat, &maxLat, &minLon, &maxLon,
		&s.Location.Lon, &s.Location.Lat, &s.RawRef, &s.IdempotencyKey, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: scan: %w", err)
	}
	if minLat.Valid {
		s.Stats.BBox = &stats.BBox{MinLat: minLat.Float64, MaxLat: maxLat.Float64, MinLon: minLon.Float64, MaxLon: maxLon.Float64}
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// Insert persists record and returns the store-assigned id. If another
// record already has the same IdempotencyKey, Insert returns
// ErrDuplicateKey — the consumer treats this as a successful duplicate
// outcome (§4.10), not a failure.
func (r *Repository) Insert(ctx context.Context, record ProcessedSignal) (string, error) {
	if record.IdempotencyKey == "" {
		return "", fmt.Errorf("%w: idempotencyKey required", ErrInvalid)
	}
	now := r.clock()

	var bbox stats.BBox
	var minLat, maxLat, minLon, maxLon any
	if record.Stats.BBox != nil {
		bbox = *record.Stats.BBox
		minLat, maxLat, minLon, maxLon = bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon
	}

	q := fmt.Sprintf(`
INSERT INTO %s (device_id, time_ms, data_length, data_volume, max_speed, avg_speed, distance_meters,
  bbox_min_lat, bbox_max_lat, bbox_min_lon, bbox_max_lon, loc_lon, loc_lat, raw_ref, idempotency_key, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING id;`, r.table)

	var id string
	err := r.db.QueryRowContext(ctx, q,
		record.DeviceID, record.Time, record.DataLength, record.DataVolume,
		record.Stats.MaxSpeed, record.Stats.AvgSpeed, record.Stats.DistanceMeters,
		minLat, maxLat, minLon, maxLon,
		record.Location.Lon, record.Location.Lat, record.RawRef, record.IdempotencyKey, now,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrDuplicateKey
		}
		return "", fmt.Errorf("repository: insert: %w", err)
	}
	return id, nil
}

func (r *Repository) Update(ctx context.Context, id string, patch Patch) (*ProcessedSignal, error) {
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: malformed id", ErrInvalid)
	}
	if patch.RawRef == nil {
		return r.FindByID(ctx, id)
	}
	q := fmt.Sprintf(`UPDATE %s SET raw_ref = $1, updated_at = $2 WHERE id = $3 RETURNING %s;`, r.table, selectColumns)
	return r.scanOne(r.db.QueryRowContext(ctx, q, *patch.RawRef, r.clock(), id))
}

func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	if !idPattern.MatchString(id) {
		return false, fmt.Errorf("%w: malformed id", ErrInvalid)
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = $1;`, r.table)
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("repository: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: delete rows affected: %w", err)
	}
	return n > 0, nil
}

// FindMany applies filter/sort/page and returns a PageResult. Filters
// support device, time range, data-length range, data-volume range, and
// a bounding box on location (§4.5).
func (r *Repository) FindMany(ctx context.Context, filter Filter, sort Sort, page Page) (PageResult, error) {
	sort = sort.normalize()
	page = page.normalize()

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.DeviceID != "" {
		where = append(where, "device_id = "+arg(filter.DeviceID))
	}
	if filter.TimeFromMs != nil {
		where = append(where, "time_ms >= "+arg(*filter.TimeFromMs))
	}
	if filter.TimeToMs != nil {
		where = append(where, "time_ms <= "+arg(*filter.TimeToMs))
	}
	if filter.MinDataLength != nil {
		where = append(where, "data_length >= "+arg(*filter.MinDataLength))
	}
	if filter.MaxDataLength != nil {
		where = append(where, "data_length <= "+arg(*filter.MaxDataLength))
	}
	if filter.MinDataVolume != nil {
		where = append(where, "data_volume >= "+arg(*filter.MinDataVolume))
	}
	if filter.MaxDataVolume != nil {
		where = append(where, "data_volume <= "+arg(*filter.MaxDataVolume))
	}
	if filter.BBox != nil {
		where = append(where,
			fmt.Sprintf("loc_lat BETWEEN %s AND %s", arg(filter.BBox.MinLat), arg(filter.BBox.MaxLat)))
		where = append(where,
			fmt.Sprintf("loc_lon BETWEEN %s AND %s", arg(filter.BBox.MinLon), arg(filter.BBox.MaxLon)))
	}

	dir := "ASC"
	if sort.Desc {
		dir = "DESC"
	}
	orderCol := map[SortField]string{SortByID: "id", SortByTime: "time_ms", SortByMaxSpeed: "max_speed"}[sort.Field]

	if page.Cursor != "" {
		if !idPattern.MatchString(page.Cursor) {
			return PageResult{}, fmt.Errorf("%w: malformed cursor", ErrInvalid)
		}
		cmp := "<"
		if !sort.Desc {
			cmp = ">"
		}
		where = append(where, fmt.Sprintf("id %s %s", cmp, arg(page.Cursor)))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	limit := page.Limit
	offset := 0
	if page.Cursor == "" {
		offset = page.Skip
	}

	q := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY %s %s LIMIT %s OFFSET %s;`,
		selectColumns, r.table, whereClause, orderCol, dir, arg(limit), arg(offset))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return PageResult{}, fmt.Errorf("repository: find many: %w", err)
	}
	defer rows.Close()

	var out PageResult
	for rows.Next() {
		var (
			s                              ProcessedSignal
			minLat, maxLat, minLon, maxLon sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &s.DeviceID, &s.Time, &s.DataLength, &s.DataVolume,
			&s.Stats.MaxSpeed, &s.Stats.AvgSpeed, &s.Stats.DistanceMeters,
			&minLat, &maxLat, &minLon, &maxLon,
			&s.Location.Lon, &s.Location.Lat, &s.RawRef, &s.IdempotencyKey, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return PageResult{}, fmt.Errorf("repository: scan row: %w", err)
		}
		if minLat.Valid {
			s.Stats.BBox = &stats.BBox{MinLat: minLat.Float64, MaxLat: maxLat.Float64, MinLon: minLon.Float64, MaxLon: maxLon.Float64}
		}
		s.CreatedAt = s.CreatedAt.UTC()
		s.UpdatedAt = s.UpdatedAt.UTC()
		out.Items = append(out.Items, s)
	}
	if err := rows.Err(); err != nil {
		return PageResult{}, fmt.Errorf("repository: rows: %w", err)
	}
	if len(out.Items) == int(limit) {
		out.NextCursor = out.Items[len(out.Items)-1].ID
	}
	return out, nil
}
