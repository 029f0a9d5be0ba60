package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-lab/ndt-e2e-clientworker/internal/config"
	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
	captureColumns   = "url, seq, captured_at_ns, status_code, headers_json, body"
)

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StorageConfig
	log logger.Logger
}

// headerField keeps header order in the JSON column.
type headerField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("Capture store opened", "path", absPath)
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS captures (
    url TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    captured_at_ns INTEGER NOT NULL,
    status_code INTEGER NOT NULL,
    headers_json TEXT,
    body BLOB
);
CREATE INDEX IF NOT EXISTS idx_captures_ts ON captures(captured_at_ns DESC, seq DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Record(e *response.Entry) error {
	if e == nil || e.Record == nil {
		return fmt.Errorf("capture entry is nil")
	}
	ts := e.CapturedAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	headersJSON, err := marshalHeaders(e.Record.Headers)
	if err != nil {
		return err
	}

	// Fan-out may deliver captures of one URL out of order. Sequence numbers
	// restart per session, so the capture time decides first.
	upsertSQL := `INSERT INTO captures (` + captureColumns + `)
    VALUES (?, ?, ?, ?, ?, ?)
    ON CONFLICT(url) DO UPDATE SET
        seq = excluded.seq,
        captured_at_ns = excluded.captured_at_ns,
        status_code = excluded.status_code,
        headers_json = excluded.headers_json,
        body = excluded.body
    WHERE excluded.captured_at_ns > captures.captured_at_ns
        OR (excluded.captured_at_ns = captures.captured_at_ns AND excluded.seq > captures.seq)`

	_, err = s.db.ExecContext(context.Background(), upsertSQL,
		e.URL,
		int64(e.Seq),
		ts.UnixNano(),
		e.Record.StatusCode,
		headersJSON,
		e.Record.Body,
	)
	if err != nil {
		return fmt.Errorf("upsert capture: %w", err)
	}
	return nil
}

func (s *sqliteStore) List(opts ListOptions) ([]*response.Entry, int, error) {
	ctx := context.Background()
	where, args := buildFilters(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM captures "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := strings.Builder{}
	query.WriteString("SELECT " + captureColumns + " FROM captures ")
	query.WriteString(where)
	query.WriteString(" ORDER BY captured_at_ns DESC, seq DESC")

	listArgs := append([]interface{}(nil), args...)
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		query.WriteString(" LIMIT ? OFFSET ?")
		listArgs = append(listArgs, opts.Limit, offset)
	}

	entries, err := s.query(ctx, query.String(), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *sqliteStore) Snapshot() ([]*response.Entry, error) {
	entries, err := s.query(context.Background(),
		"SELECT "+captureColumns+" FROM captures ORDER BY captured_at_ns ASC, seq ASC")
	if err != nil {
		return nil, err
	}
	// Sequence numbers restart with every capture session; renumber so the
	// order survives being merged into one set.
	for i, e := range entries {
		e.Seq = uint64(i + 1)
	}
	return entries, nil
}

func (s *sqliteStore) Get(url string) (*response.Entry, error) {
	row := s.db.QueryRowContext(context.Background(),
		"SELECT "+captureColumns+" FROM captures WHERE url = ?", url)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) query(ctx context.Context, query string, args ...interface{}) ([]*response.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*response.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanEntry(scanner interface {
	Scan(dest ...interface{}) error
}) (*response.Entry, error) {
	var (
		url         string
		seq         int64
		ts          int64
		status      int
		headersJSON sql.NullString
		body        []byte
	)
	if err := scanner.Scan(&url, &seq, &ts, &status, &headersJSON, &body); err != nil {
		return nil, err
	}

	headers, err := unmarshalHeaders(headersJSON.String)
	if err != nil {
		return nil, fmt.Errorf("decode headers of %s: %w", url, err)
	}
	rec, err := response.NewRecord(status, headers, append([]byte{}, body...))
	if err != nil {
		return nil, fmt.Errorf("decode capture of %s: %w", url, err)
	}
	return &response.Entry{
		URL:        url,
		Seq:        uint64(seq),
		CapturedAt: time.Unix(0, ts).UTC(),
		Record:     rec,
	}, nil
}

func marshalHeaders(h *response.Header) (string, error) {
	fields := make([]headerField, 0, h.Len())
	for _, name := range h.Keys() {
		fields = append(fields, headerField{Name: name, Value: h.Get(name)})
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}
	return string(data), nil
}

func unmarshalHeaders(data string) (*response.Header, error) {
	h := response.NewHeader()
	if data == "" {
		return h, nil
	}
	var fields []headerField
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, err
	}
	for _, f := range fields {
		h.Set(f.Name, f.Value)
	}
	return h, nil
}

func buildFilters(opts ListOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if opts.Status > 0 {
		clauses = append(clauses, "status_code = ?")
		args = append(args, opts.Status)
	}

	if search := strings.TrimSpace(strings.ToLower(opts.Search)); search != "" {
		like := fmt.Sprintf("%%%s%%", search)
		clauses = append(clauses, "(LOWER(url) LIKE ? OR LOWER(headers_json) LIKE ?)")
		args = append(args, like, like)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
