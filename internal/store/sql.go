package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/seantiz/processing/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database identified by driver and dsn and creates the
// schema if needed.
func Open(driver, dsn string) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if d.name == DriverSQLite {
		// One connection keeps :memory: databases shared and serializes
		// writers.
		db.SetMaxOpenConns(1)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLStore{db: db, dialect: d}, nil
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return Open(DriverSQLite, dbPath)
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

// CreateBatch inserts a new batch record.
func (s *SQLStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	params, err := json.Marshal(b.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	inputs, err := json.Marshal(b.InputFiles)
	if err != nil {
		return fmt.Errorf("encode input files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO batches (
			id, correlation_id, process_id, tenant, user_name, role,
			parameters, input_files, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.ID, b.CorrelationID, b.ProcessID, b.Tenant, b.User, b.Role,
		string(params), string(inputs), b.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *SQLStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b := &model.Batch{}
	var params, inputs string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, correlation_id, process_id, tenant, user_name, role,
			parameters, input_files, created_at
		FROM batches WHERE id = ?`), id,
	).Scan(
		&b.ID, &b.CorrelationID, &b.ProcessID, &b.Tenant, &b.User, &b.Role,
		&params, &inputs, &b.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &b.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(inputs), &b.InputFiles); err != nil {
		return nil, fmt.Errorf("decode input files: %w", err)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

// CreateExecution inserts a new execution and its initial steps.
func (s *SQLStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	inputs, err := json.Marshal(e.InputFiles)
	if err != nil {
		return fmt.Errorf("encode input files: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO executions (
			id, batch_id, correlation_id, batch_correlation_id, tenant, user_name,
			process_id, process_name, status, timeout_ms, input_files, attempts,
			may_create_output_files, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.BatchID, e.CorrelationID, e.BatchCorrelationID, e.Tenant, e.User,
		e.ProcessID, e.ProcessName, string(e.Status), e.Timeout.Milliseconds(), string(inputs), e.Attempts,
		e.MayCreateOutputFiles, e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	for i := range e.Steps {
		e.Steps[i].Seq = i + 1
		if err := s.insertStep(ctx, tx, e.ID, e.Steps[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit execution: %w", err)
	}
	return nil
}

const executionColumns = `id, batch_id, correlation_id, batch_correlation_id, tenant, user_name,
	process_id, process_name, status, timeout_ms, input_files, attempts,
	may_create_output_files, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*model.Execution, error) {
	e := &model.Execution{}
	var status, inputs string
	var timeoutMS int64
	if err := row.Scan(
		&e.ID, &e.BatchID, &e.CorrelationID, &e.BatchCorrelationID, &e.Tenant, &e.User,
		&e.ProcessID, &e.ProcessName, &status, &timeoutMS, &inputs, &e.Attempts,
		&e.MayCreateOutputFiles, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputs), &e.InputFiles); err != nil {
		return nil, fmt.Errorf("decode input files: %w", err)
	}
	e.Status = model.Status(status)
	e.Timeout = time.Duration(timeoutMS) * time.Millisecond
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// GetExecution retrieves an execution with its steps and output files.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	if e.Steps, err = s.listSteps(ctx, id); err != nil {
		return nil, err
	}
	if e.OutputFiles, err = s.listOutputFiles(ctx, id); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLStore) listSteps(ctx context.Context, executionID string) ([]model.Step, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT seq, status, step_time, message FROM steps
		WHERE execution_id = ? ORDER BY seq ASC`), executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var st model.Step
		var status string
		if err := rows.Scan(&st.Seq, &status, &st.Time, &st.Message); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Status = model.Status(status)
		st.Time = st.Time.UTC()
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

const outputFileColumns = `id, execution_id, name, url, checksum, checksum_method,
	size, downloaded, downloaded_at, created_at`

func scanOutputFile(row scanner, extra ...any) (model.OutputFile, error) {
	var f model.OutputFile
	var downloadedAt sql.NullTime
	dest := append([]any{
		&f.ID, &f.ExecutionID, &f.Name, &f.URL, &f.Checksum, &f.ChecksumMethod,
		&f.Size, &f.Downloaded, &downloadedAt, &f.CreatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return f, err
	}
	if downloadedAt.Valid {
		at := downloadedAt.Time.UTC()
		f.DownloadedAt = &at
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return f, nil
}

func (s *SQLStore) listOutputFiles(ctx context.Context, executionID string) ([]model.OutputFile, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+outputFileColumns+` FROM output_files
		WHERE execution_id = ? ORDER BY name ASC`), executionID)
	if err != nil {
		return nil, fmt.Errorf("list output files: %w", err)
	}
	defer rows.Close()

	var files []model.OutputFile
	for rows.Next() {
		f, err := scanOutputFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan output file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output files: %w", err)
	}
	return files, nil
}

func (s *SQLStore) insertStep(ctx context.Context, tx *sql.Tx, executionID string, st model.Step) error {
	_, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO steps (execution_id, seq, status, step_time, message)
		VALUES (?, ?, ?, ?, ?)`),
		executionID, st.Seq, string(st.Status), st.Time.UTC(), st.Message,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func finalStatusArgs() []any {
	args := make([]any, len(model.FinalStatuses))
	for i, st := range model.FinalStatuses {
		args[i] = string(st)
	}
	return args
}

// AppendStep appends a step to an execution that is not terminal yet.
func (s *SQLStore) AppendStep(ctx context.Context, executionID string, st model.Step, outputs []model.OutputFile) (model.Step, error) {
	if !st.Status.Valid() {
		return st, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, st.Status)
	}
	if st.Time.IsZero() {
		st.Time = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, s.q(`SELECT status FROM executions WHERE id = ?`), executionID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("read execution status: %w", err)
	}
	if model.Status(current).IsFinal() {
		return st, ErrExecutionTerminal
	}
	if !model.ValidTransition(model.Status(current), st.Status) {
		return st, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, st.Status)
	}

	args := append([]any{string(st.Status), st.Time.UTC(), executionID}, finalStatusArgs()...)
	res, err := tx.ExecContext(ctx, s.q(
		`UPDATE executions SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (`+placeholders(len(model.FinalStatuses))+`)`), args...)
	if err != nil {
		return st, fmt.Errorf("update execution status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return st, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return st, ErrExecutionTerminal
	}

	var last int
	if err := tx.QueryRowContext(ctx, s.q(
		`SELECT COALESCE(MAX(seq), 0) FROM steps WHERE execution_id = ?`), executionID,
	).Scan(&last); err != nil {
		return st, fmt.Errorf("read last step: %w", err)
	}
	st.Seq = last + 1
	if err := s.insertStep(ctx, tx, executionID, st); err != nil {
		return st, err
	}

	if st.Status == model.StatusSuccess {
		for _, f := range outputs {
			if f.ID == "" {
				f.ID = model.NewID()
			}
			if f.CreatedAt.IsZero() {
				f.CreatedAt = st.Time
			}
			_, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO output_files (`+outputFileColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				f.ID, executionID, f.Name, f.URL, f.Checksum, f.ChecksumMethod,
				f.Size, false, nil, f.CreatedAt.UTC(),
			)
			if err != nil {
				return st, fmt.Errorf("insert output file: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return st, fmt.Errorf("commit step: %w", err)
	}
	return st, nil
}

func activeStatusArgs() []any {
	args := make([]any, len(model.ActiveStatuses))
	for i, st := range model.ActiveStatuses {
		args[i] = string(st)
	}
	return args
}

// CountActiveExecutions counts the non-terminal executions of a tenant for a
// process.
func (s *SQLStore) CountActiveExecutions(ctx context.Context, tenant, processID string) (int, error) {
	args := append([]any{tenant, processID}, activeStatusArgs()...)
	var n int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM executions
		WHERE tenant = ? AND process_id = ? AND status IN (`+placeholders(len(model.ActiveStatuses))+`)`),
		args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active executions: %w", err)
	}
	return n, nil
}

// CachedBytes sums the sizes of the stored output files of a tenant for a
// process.
func (s *SQLStore) CachedBytes(ctx context.Context, tenant, processID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT CAST(COALESCE(SUM(o.size), 0) AS BIGINT)
		FROM output_files o JOIN executions e ON e.id = o.execution_id
		WHERE e.tenant = ? AND e.process_id = ?`),
		tenant, processID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum cached bytes: %w", err)
	}
	return total, nil
}

func (s *SQLStore) queryExecutions(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]*model.Execution, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, nil
}

// ListActiveExecutions returns the executions that are still running.
func (s *SQLStore) ListActiveExecutions(ctx context.Context) ([]*model.Execution, error) {
	return s.queryExecutions(ctx, s.db,
		`SELECT `+executionColumns+` FROM executions
		WHERE status IN (`+placeholders(len(model.ActiveStatuses))+`)
		ORDER BY created_at ASC`,
		activeStatusArgs()...,
	)
}

// SearchExecutions returns a page of executions matching f ordered by
// created_at DESC, along with the total count of matches.
func (s *SQLStore) SearchExecutions(ctx context.Context, f ExecutionFilter) ([]*model.Execution, int, error) {
	var where []string
	var args []any
	if f.Tenant != "" {
		where = append(where, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.ProcessID != "" {
		where = append(where, "process_id = ?")
		args = append(args, f.ProcessID)
	}
	if f.User != "" {
		where = append(where, "user_name = ?")
		args = append(args, f.User)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.CreatedAfter.UTC())
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.CreatedBefore.UTC())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM executions"+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	execs, err := s.queryExecutions(ctx, tx,
		`SELECT `+executionColumns+` FROM executions`+clause+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, max(f.Offset, 0))...,
	)
	if err != nil {
		return nil, 0, err
	}
	return execs, total, nil
}

// MarkOutputFilesDownloaded flags not yet downloaded files as downloaded.
func (s *SQLStore) MarkOutputFilesDownloaded(ctx context.Context, urls []string, at time.Time) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	args := append([]any{true, at.UTC(), false}, toAny(urls)...)
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE output_files SET downloaded = ?, downloaded_at = ?
		WHERE downloaded = ? AND url IN (`+placeholders(len(urls))+`)`), args...)
	if err != nil {
		return 0, fmt.Errorf("mark output files downloaded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// ListDeletionCandidates returns every downloaded output file and every file
// whose execution is terminal. Age filtering is left to the caller.
func (s *SQLStore) ListDeletionCandidates(ctx context.Context) ([]DeletionCandidate, error) {
	args := append([]any{true}, finalStatusArgs()...)
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT o.id, o.execution_id, o.name, o.url, o.checksum, o.checksum_method,
			o.size, o.downloaded, o.downloaded_at, o.created_at, e.status
		FROM output_files o JOIN executions e ON e.id = o.execution_id
		WHERE o.downloaded = ? OR e.status IN (`+placeholders(len(model.FinalStatuses))+`)
		ORDER BY o.created_at ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("list deletion candidates: %w", err)
	}
	defer rows.Close()

	var out []DeletionCandidate
	for rows.Next() {
		var status string
		f, err := scanOutputFile(rows, &status)
		if err != nil {
			return nil, fmt.Errorf("scan output file: %w", err)
		}
		out = append(out, DeletionCandidate{OutputFile: f, ExecutionStatus: model.Status(status)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output files: %w", err)
	}
	return out, nil
}

// DeleteOutputFile removes an output file record.
func (s *SQLStore) DeleteOutputFile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM output_files WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete output file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
