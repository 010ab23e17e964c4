package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/toolflow/pkg/models"
)

// Dialect selects the SQL flavour spoken by a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// sqliteTimeLayout is fixed width so that stored timestamps compare
// correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const callColumns = `id, chat_id, message_id, tool_name, args, status, result, error_message,
	retry_count, parent_tool_call_id, pipeline_id, step_number, created_at, updated_at, approved_at`

const pipelineColumns = `id, chat_id, name, status, current_step, total_steps, metadata, created_at, updated_at`

// SQLStore implements Store on database/sql for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an already opened database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open opens a SQL store for the given driver ("sqlite" or "postgres").
func Open(driver, dsn string, config *PoolConfig) (*SQLStore, error) {
	switch Dialect(driver) {
	case DialectSQLite:
		return OpenSQLite(dsn, config)
	case DialectPostgres:
		return OpenPostgres(dsn, config)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(path string, config *PoolConfig) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return openDB("sqlite", dsn, DialectSQLite, config)
}

// OpenPostgres opens a Postgres (or CockroachDB) database.
func OpenPostgres(dsn string, config *PoolConfig) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	return openDB("postgres", dsn, DialectPostgres, config)
}

func openDB(driverName, dsn string, dialect Dialect, config *PoolConfig) (*SQLStore, error) {
	if config == nil {
		config = DefaultPoolConfig()
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLStore{db: db, dialect: dialect}, nil
}

// DB exposes the underlying handle, mainly for migrations.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect reports which SQL flavour the store speaks.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertCall stores a new call.
func (s *SQLStore) InsertCall(ctx context.Context, call *models.ToolCall) error {
	if call == nil || call.ID == "" {
		return fmt.Errorf("call is required")
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO tool_calls (`+callColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING
	`),
		call.ID,
		call.ChatID,
		call.MessageID,
		call.ToolName,
		nullableJSON(call.Args),
		string(call.Status),
		nullableJSON(call.Result),
		nullableString(call.Error),
		call.RetryCount,
		nullableString(call.ParentToolCallID),
		nullableString(call.PipelineID),
		call.StepNumber,
		s.timeArg(call.CreatedAt),
		s.timeArg(call.UpdatedAt),
		s.nullableTime(call.ApprovedAt),
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetCall returns a call by id.
func (s *SQLStore) GetCall(ctx context.Context, id string) (*models.ToolCall, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+callColumns+` FROM tool_calls WHERE id = ?`), id)
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return call, nil
}

// UpdateCall writes the mutable fields of a call, optionally conditioned on
// the currently stored status.
func (s *SQLStore) UpdateCall(ctx context.Context, call *models.ToolCall, expected models.CallStatus) error {
	if call == nil {
		return fmt.Errorf("call is required")
	}
	query := `
		UPDATE tool_calls
		SET status = ?,
			result = ?,
			error_message = ?,
			retry_count = ?,
			updated_at = ?,
			approved_at = ?
		WHERE id = ?`
	args := []any{
		string(call.Status),
		nullableJSON(call.Result),
		nullableString(call.Error),
		call.RetryCount,
		s.timeArg(call.UpdatedAt),
		s.nullableTime(call.ApprovedAt),
		call.ID,
	}
	if expected != "" {
		query += ` AND status = ?`
		args = append(args, string(expected))
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT status FROM tool_calls WHERE id = ?`), call.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	return ErrStatusConflict
}

// DeleteCall removes a call.
func (s *SQLStore) DeleteCall(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM tool_calls WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	return nil
}

// ListCalls returns matching calls ordered by step number then creation time.
func (s *SQLStore) ListCalls(ctx context.Context, filter CallFilter) ([]*models.ToolCall, error) {
	var (
		where []string
		args  []any
	)
	if filter.ChatID != "" {
		where = append(where, "chat_id = ?")
		args = append(args, filter.ChatID)
	}
	if filter.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, s.timeArg(filter.UpdatedBefore))
	}

	query := `SELECT ` + callColumns + ` FROM tool_calls`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY step_number, created_at, id"
	query, args = s.limitOffset(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	calls := []*models.ToolCall{}
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return calls, nil
}

// DeleteStaleCalls removes calls in the given statuses last updated before cutoff.
func (s *SQLStore) DeleteStaleCalls(ctx context.Context, statuses []models.CallStatus, cutoff time.Time) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, s.timeArg(cutoff))
	query := `DELETE FROM tool_calls WHERE status IN (` + placeholders(len(statuses)) + `) AND updated_at < ? RETURNING id`
	ids, err := s.collectIDs(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("delete stale calls: %w", err)
	}
	return ids, nil
}

// InsertPipeline stores a new pipeline.
func (s *SQLStore) InsertPipeline(ctx context.Context, pipeline *models.ToolPipeline) error {
	if pipeline == nil || pipeline.ID == "" {
		return fmt.Errorf("pipeline is required")
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO tool_pipelines (`+pipelineColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING
	`),
		pipeline.ID,
		pipeline.ChatID,
		pipeline.Name,
		string(pipeline.Status),
		pipeline.CurrentStep,
		pipeline.TotalSteps,
		nullableJSON(pipeline.Metadata),
		s.timeArg(pipeline.CreatedAt),
		s.timeArg(pipeline.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetPipeline returns a pipeline by id.
func (s *SQLStore) GetPipeline(ctx context.Context, id string) (*models.ToolPipeline, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+pipelineColumns+` FROM tool_pipelines WHERE id = ?`), id)
	pipeline, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return pipeline, nil
}

// UpdatePipeline writes the mutable fields of a pipeline.
func (s *SQLStore) UpdatePipeline(ctx context.Context, pipeline *models.ToolPipeline) error {
	if pipeline == nil {
		return fmt.Errorf("pipeline is required")
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE tool_pipelines
		SET status = ?,
			current_step = ?,
			total_steps = ?,
			metadata = ?,
			updated_at = ?
		WHERE id = ?
	`),
		string(pipeline.Status),
		pipeline.CurrentStep,
		pipeline.TotalSteps,
		nullableJSON(pipeline.Metadata),
		s.timeArg(pipeline.UpdatedAt),
		pipeline.ID,
	)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePipeline removes a pipeline.
func (s *SQLStore) DeletePipeline(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM tool_pipelines WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	return nil
}

// ListPipelines returns matching pipelines, newest first.
func (s *SQLStore) ListPipelines(ctx context.Context, filter PipelineFilter) ([]*models.ToolPipeline, error) {
	var (
		where []string
		args  []any
	)
	if filter.ChatID != "" {
		where = append(where, "chat_id = ?")
		args = append(args, filter.ChatID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, s.timeArg(filter.UpdatedBefore))
	}

	query := `SELECT ` + pipelineColumns + ` FROM tool_pipelines`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	query, args = s.limitOffset(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	pipelines := []*models.ToolPipeline{}
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return pipelines, nil
}

// DeleteStalePipelines removes pipelines in the given statuses last updated before cutoff.
func (s *SQLStore) DeleteStalePipelines(ctx context.Context, statuses []models.PipelineStatus, cutoff time.Time) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, s.timeArg(cutoff))
	query := `DELETE FROM tool_pipelines WHERE status IN (` + placeholders(len(statuses)) + `) AND updated_at < ? RETURNING id`
	ids, err := s.collectIDs(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("delete stale pipelines: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) collectIDs(ctx context.Context, query string, args []any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) limitOffset(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	} else if offset > 0 && s.dialect == DialectSQLite {
		// SQLite rejects OFFSET without LIMIT.
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}

// rebind rewrites ? placeholders into $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) timeArg(t time.Time) any {
	t = t.UTC()
	if s.dialect == DialectSQLite {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

func (s *SQLStore) nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.timeArg(*t)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(scanner rowScanner) (*models.ToolCall, error) {
	var (
		call       models.ToolCall
		status     string
		args       sql.NullString
		result     sql.NullString
		errMsg     sql.NullString
		parentID   sql.NullString
		pipeID     sql.NullString
		createdAt  dbTime
		updatedAt  dbTime
		approvedAt dbTime
	)
	if err := scanner.Scan(
		&call.ID,
		&call.ChatID,
		&call.MessageID,
		&call.ToolName,
		&args,
		&status,
		&result,
		&errMsg,
		&call.RetryCount,
		&parentID,
		&pipeID,
		&call.StepNumber,
		&createdAt,
		&updatedAt,
		&approvedAt,
	); err != nil {
		return nil, err
	}
	call.Status = models.CallStatus(status)
	if args.Valid {
		call.Args = []byte(args.String)
	}
	if result.Valid {
		call.Result = []byte(result.String)
	}
	call.Error = errMsg.String
	call.ParentToolCallID = parentID.String
	call.PipelineID = pipeID.String
	call.CreatedAt = createdAt.Time
	call.UpdatedAt = updatedAt.Time
	if !approvedAt.Time.IsZero() {
		call.ApprovedAt = &approvedAt.Time
	}
	return &call, nil
}

func scanPipeline(scanner rowScanner) (*models.ToolPipeline, error) {
	var (
		p         models.ToolPipeline
		status    string
		metadata  sql.NullString
		createdAt dbTime
		updatedAt dbTime
	)
	if err := scanner.Scan(
		&p.ID,
		&p.ChatID,
		&p.Name,
		&status,
		&p.CurrentStep,
		&p.TotalSteps,
		&metadata,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = models.PipelineStatus(status)
	if metadata.Valid {
		p.Metadata = []byte(metadata.String)
	}
	p.CreatedAt = createdAt.Time
	p.UpdatedAt = updatedAt.Time
	return &p, nil
}

// dbTime scans timestamps stored natively (Postgres) or as text (SQLite).
type dbTime struct {
	Time time.Time
}

var dbTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range dbTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", s)
}

func nullableJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
