package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/greenroomhq/greenroom/internal/core"
)

var ErrOperationNotFound = errors.New("operation not found")

const operationColumns = `id, kind, status, room_id, room_name, workload_kind, save_artifacts,
	scheduled_at, auto_expire_at, created_at, started_at, completed_at,
	result_success, result_access_url, result_error, result_archive, result_provider_ready`

func (s *Store) InsertOperation(ctx context.Context, op *core.Operation) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Kind, op.Status, op.RoomID, op.RoomName, op.WorkloadKind, boolToInt(op.SaveArtifacts),
		nullableTime(op.ScheduledAt), nullableTime(op.AutoExpireAt), op.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(op.StartedAt), nullableTime(op.CompletedAt),
		resultSuccess(op.Result), resultAccessURL(op.Result), resultError(op.Result),
		resultArchive(op.Result), resultProviderReady(op.Result))
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

func (s *Store) GetOperation(ctx context.Context, id string) (*core.Operation, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM operations WHERE id = ?
	`, id)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	logs, err := s.ListOperationLogs(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	op.Logs = logs
	return op, nil
}

// UpdateOperation applies mutate to the stored record inside a transaction
// and persists the lifecycle fields (status, timing, result). Records that
// already reached a terminal status reject any further update; log appends
// go through AppendOperationLog and stay unaffected.
func (s *Store) UpdateOperation(ctx context.Context, id string, mutate func(*core.Operation) error) (*core.Operation, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin operation update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM operations WHERE id = ?
	`, id)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	if op.Status.IsTerminal() {
		return nil, core.ErrTerminal
	}
	if err := mutate(op); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, started_at = ?, completed_at = ?,
			result_success = ?, result_access_url = ?, result_error = ?,
			result_archive = ?, result_provider_ready = ?
		WHERE id = ?
	`, op.Status, nullableTime(op.StartedAt), nullableTime(op.CompletedAt),
		resultSuccess(op.Result), resultAccessURL(op.Result), resultError(op.Result),
		resultArchive(op.Result), resultProviderReady(op.Result), id); err != nil {
		return nil, fmt.Errorf("update operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit operation update: %w", err)
	}
	return op, nil
}

func (s *Store) ListOperations(ctx context.Context, filter core.OperationFilter) ([]*core.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations`
	var conds []string
	var args []any
	if filter.RoomID != "" {
		conds = append(conds, "room_id = ?")
		args = append(args, filter.RoomID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Kind != nil {
		conds = append(conds, "kind = ?")
		args = append(args, *filter.Kind)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()
	var ops []*core.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

// ListExpiredCreateOperations returns successful create operations whose
// auto-expire deadline is at or before cutoff. The deadline comparison runs
// in Go because stored RFC3339Nano strings have variable fraction width.
func (s *Store) ListExpiredCreateOperations(ctx context.Context, cutoff time.Time) ([]*core.Operation, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE kind = ? AND status = ? AND result_success = 1 AND auto_expire_at IS NOT NULL
	`, core.KindCreate, core.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list expired create operations: %w", err)
	}
	defer rows.Close()
	var ops []*core.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		if op.AutoExpireAt != nil && !op.AutoExpireAt.After(cutoff) {
			ops = append(ops, op)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

// HasLiveDestroyForRoom reports whether a destroy operation for the room is
// still scheduled, pending or running.
func (s *Store) HasLiveDestroyForRoom(ctx context.Context, roomID string) (bool, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM operations
		WHERE room_id = ? AND kind = ? AND status IN (?, ?, ?)
	`, roomID, core.KindDestroy, core.StatusScheduled, core.StatusPending, core.StatusRunning).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count live destroys: %w", err)
	}
	return count > 0, nil
}

func (s *Store) AppendOperationLog(ctx context.Context, id string, line core.LogLine) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO operation_logs (operation_id, logged_at, line)
		VALUES (?, ?, ?)
	`, id, line.At.UTC().Format(time.RFC3339Nano), line.Line)
	if err != nil {
		return fmt.Errorf("append operation log: %w", err)
	}
	return nil
}

// ListOperationLogs returns the operation's log lines in append order.
// tail > 0 limits the result to the most recent tail lines.
func (s *Store) ListOperationLogs(ctx context.Context, id string, tail int) ([]core.LogLine, error) {
	query := `
		SELECT logged_at, line FROM operation_logs
		WHERE operation_id = ?
		ORDER BY id ASC
	`
	args := []any{id}
	if tail > 0 {
		query = `
			SELECT logged_at, line FROM (
				SELECT id, logged_at, line FROM operation_logs
				WHERE operation_id = ?
				ORDER BY id DESC
				LIMIT ?
			) ORDER BY id ASC
		`
		args = append(args, tail)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operation logs: %w", err)
	}
	defer rows.Close()
	var lines []core.LogLine
	for rows.Next() {
		var loggedAt, text string
		if err := rows.Scan(&loggedAt, &text); err != nil {
			return nil, fmt.Errorf("scan operation log: %w", err)
		}
		lines = append(lines, core.LogLine{At: mustParseTime(loggedAt), Line: text})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// EvictOperationsBeyond deletes terminal operations that fall outside the
// newest keep records, together with their logs. Non-terminal operations
// are never evicted. Returns the number of operations removed.
func (s *Store) EvictOperationsBeyond(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin eviction: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `
		DELETE FROM operations
		WHERE status IN (?, ?, ?)
		  AND id NOT IN (SELECT id FROM operations ORDER BY created_at DESC LIMIT ?)
	`, core.StatusCompleted, core.StatusFailed, core.StatusCancelled, keep)
	if err != nil {
		return 0, fmt.Errorf("evict operations: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM operation_logs
		WHERE operation_id NOT IN (SELECT id FROM operations)
	`); err != nil {
		return 0, fmt.Errorf("evict operation logs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit eviction: %w", err)
	}
	return int(removed), nil
}

func scanOperation(scanner interface {
	Scan(dest ...any) error
}) (*core.Operation, error) {
	var (
		id            string
		kind          string
		status        string
		roomID        string
		roomName      string
		workloadKind  string
		saveArtifacts int
		scheduledAt   sql.NullString
		autoExpireAt  sql.NullString
		createdAt     string
		startedAt     sql.NullString
		completedAt   sql.NullString
		resSuccess    sql.NullInt64
		resAccessURL  string
		resError      string
		resArchive    string
		resReady      sql.NullInt64
	)
	if err := scanner.Scan(&id, &kind, &status, &roomID, &roomName, &workloadKind, &saveArtifacts,
		&scheduledAt, &autoExpireAt, &createdAt, &startedAt, &completedAt,
		&resSuccess, &resAccessURL, &resError, &resArchive, &resReady); err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	op := &core.Operation{
		ID:            id,
		Kind:          core.OperationKind(kind),
		Status:        core.OperationStatus(status),
		RoomID:        roomID,
		RoomName:      roomName,
		WorkloadKind:  workloadKind,
		SaveArtifacts: saveArtifacts != 0,
		CreatedAt:     mustParseTime(createdAt),
	}
	if scheduledAt.Valid {
		t := mustParseTime(scheduledAt.String)
		op.ScheduledAt = &t
	}
	if autoExpireAt.Valid {
		t := mustParseTime(autoExpireAt.String)
		op.AutoExpireAt = &t
	}
	if startedAt.Valid {
		t := mustParseTime(startedAt.String)
		op.StartedAt = &t
	}
	if completedAt.Valid {
		t := mustParseTime(completedAt.String)
		op.CompletedAt = &t
	}
	if resSuccess.Valid {
		res := &core.Result{
			Success:         resSuccess.Int64 != 0,
			AccessURL:       resAccessURL,
			Error:           resError,
			ArchiveLocation: resArchive,
		}
		if resReady.Valid {
			ready := resReady.Int64 != 0
			res.ProviderReady = &ready
		}
		op.Result = res
	}
	return op, nil
}

func resultSuccess(r *core.Result) any {
	if r == nil {
		return nil
	}
	return boolToInt(r.Success)
}

func resultAccessURL(r *core.Result) string {
	if r == nil {
		return ""
	}
	return r.AccessURL
}

func resultError(r *core.Result) string {
	if r == nil {
		return ""
	}
	return r.Error
}

func resultArchive(r *core.Result) string {
	if r == nil {
		return ""
	}
	return r.ArchiveLocation
}

func resultProviderReady(r *core.Result) any {
	if r == nil || r.ProviderReady == nil {
		return nil
	}
	return boolToInt(*r.ProviderReady)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func mustParseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		panic(fmt.Sprintf("invalid stored time %q: %v", value, err))
	}
	return t
}
