package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uartcl/uartcl/internal/domain"
)

var ErrRepairNotFound = errors.New("repair record not found")

// RepairRepo implements domain.RepairRepository using SQLite.
type RepairRepo struct {
	db *sql.DB
}

func NewRepairRepo(db *sql.DB) *RepairRepo {
	return &RepairRepo{db: db}
}

func (r *RepairRepo) Begin(ctx context.Context, rec domain.RepairRecord) (int64, error) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO repairs(target, profile, status, started_at)
		VALUES(?, ?, ?, ?)
	`, rec.Target, rec.Profile, string(domain.RepairStatusRunning), timeToUnixMillis(rec.StartedAt))
	if err != nil {
		return 0, fmt.Errorf("insert repair: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("repair id: %w", err)
	}

	return id, nil
}

func (r *RepairRepo) RecordWrite(ctx context.Context, repairID int64, w domain.RegionWriteRecord) error {
	if w.WrittenAt.IsZero() {
		w.WrittenAt = time.Now()
	}
	verified := 0
	if w.Verified {
		verified = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO region_writes(repair_id, region, start_offset, length, verified, written_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, repairID, w.Region, w.Start, w.Length, verified, timeToUnixMillis(w.WrittenAt))
	if err != nil {
		return fmt.Errorf("insert region write: %w", err)
	}

	return nil
}

// Finish moves a running record to a terminal status. Finishing an already
// finished record is an error.
func (r *RepairRepo) Finish(ctx context.Context, repairID int64, status domain.RepairStatus, finishedAt time.Time, errText string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish repair %d: %q is not a terminal status", repairID, status)
	}
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish repair tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM repairs WHERE id = ?`, repairID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("finish repair %d: %w", repairID, ErrRepairNotFound)
		}

		return fmt.Errorf("read repair status: %w", err)
	}
	if !domain.ShouldTransitionRepairStatus(domain.RepairStatus(current), status) {
		return fmt.Errorf("finish repair %d: cannot move from %s to %s", repairID, current, status)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE repairs SET status = ?, finished_at = ?, error_text = ?
		WHERE id = ?
	`, string(status), nullableUnixMillis(finishedAt), nullableString(errText), repairID); err != nil {
		return fmt.Errorf("update repair: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish repair tx: %w", err)
	}

	return nil
}

// MarkInterrupted finishes every record left running by a process that died
// mid-commit and returns how many were changed.
func (r *RepairRepo) MarkInterrupted(ctx context.Context, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE repairs SET status = ?, finished_at = ?, error_text = COALESCE(error_text, 'process exited during commit')
		WHERE status = ?
	`, string(domain.RepairStatusInterrupted), timeToUnixMillis(at), string(domain.RepairStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted repairs: %w", err)
	}

	return res.RowsAffected()
}

// ListRecent returns the newest records first, each with its writes in
// commit order.
func (r *RepairRepo) ListRecent(ctx context.Context, limit int) ([]domain.RepairRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, target, profile, status, started_at, finished_at, error_text
		FROM repairs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query repairs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		out   []domain.RepairRecord
		index = make(map[int64]int)
	)
	for rows.Next() {
		var (
			rec        domain.RepairRecord
			status     string
			startedMS  int64
			finishedMS sql.NullInt64
			errText    sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Target, &rec.Profile, &status, &startedMS, &finishedMS, &errText); err != nil {
			return nil, fmt.Errorf("scan repair: %w", err)
		}
		rec.Status = domain.RepairStatus(status)
		rec.StartedAt = unixMillisToTime(startedMS)
		if finishedMS.Valid {
			rec.FinishedAt = unixMillisToTime(finishedMS.Int64)
		}
		if errText.Valid {
			rec.Error = errText.String
		}
		index[rec.ID] = len(out)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repairs: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	writes, err := r.db.QueryContext(ctx, `
		SELECT w.repair_id, w.region, w.start_offset, w.length, w.verified, w.written_at
		FROM region_writes w
		JOIN (SELECT id FROM repairs ORDER BY started_at DESC, id DESC LIMIT ?) recent ON recent.id = w.repair_id
		ORDER BY w.repair_id, w.id
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query region writes: %w", err)
	}
	defer func() { _ = writes.Close() }()

	for writes.Next() {
		var (
			repairID  int64
			w         domain.RegionWriteRecord
			verified  int
			writtenMS int64
		)
		if err := writes.Scan(&repairID, &w.Region, &w.Start, &w.Length, &verified, &writtenMS); err != nil {
			return nil, fmt.Errorf("scan region write: %w", err)
		}
		w.Verified = verified != 0
		w.WrittenAt = unixMillisToTime(writtenMS)
		if i, ok := index[repairID]; ok {
			out[i].Writes = append(out[i].Writes, w)
		}
	}
	if err := writes.Err(); err != nil {
		return nil, fmt.Errorf("iterate region writes: %w", err)
	}

	return out, nil
}
