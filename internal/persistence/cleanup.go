package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uartcl/uartcl/internal/domain"
)

//goland:noinspection SqlWithoutWhere
var clearJournalStatements = []string{
	`DELETE FROM region_writes;`,
	`DELETE FROM repairs;`,
}

func ClearJournal(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database is not initialized")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear journal tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range clearJournalStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear journal tables: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear journal tx: %w", err)
	}

	return nil
}

// PruneJournal deletes finished records that started before cutoff. Running
// records are kept regardless of age.
func PruneJournal(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("database is not initialized")
	}

	res, err := db.ExecContext(ctx, `
		DELETE FROM repairs
		WHERE started_at < ? AND status <> ?
	`, timeToUnixMillis(cutoff), string(domain.RepairStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}

	return res.RowsAffected()
}
