package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/uartcl/uartcl/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestOpen_MigratesToLatestSchema(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != SchemaVersion() {
		t.Fatalf("expected schema version %d, got %d", SchemaVersion(), version)
	}

	for _, table := range []string{"repairs", "region_writes"} {
		var name string
		if err := db.QueryRowContext(ctx, `
			SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?
		`, table).Scan(&name); err != nil {
			t.Fatalf("expected %s table after migration: %v", table, err)
		}
	}
}

func TestOpen_UpgradesFromV1(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	stmts := append(append([]string{}, migrations[0]...), `PRAGMA user_version = 1;`)
	for _, stmt := range stmts {
		if _, err := raw.ExecContext(ctx, stmt); err != nil {
			_ = raw.Close()
			t.Fatalf("seed v1 schema: %v", err)
		}
	}
	_ = raw.Close()

	db, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open migrated db: %v", err)
	}
	defer func() { _ = db.Close() }()

	var idx string
	if err := db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'region_writes_repair_idx'
	`).Scan(&idx); err != nil {
		t.Fatalf("expected index after upgrade: %v", err)
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := raw.ExecContext(ctx, `PRAGMA user_version = 99;`); err != nil {
		t.Fatalf("seed version: %v", err)
	}
	_ = raw.Close()

	if db, err := Open(ctx, dbPath); err == nil {
		_ = db.Close()
		t.Fatalf("expected newer schema to be rejected")
	}
}

func TestRepairRepo_RecordsLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewRepairRepo(openTestDB(t))

	startedAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	id, err := repo.Begin(ctx, domain.RepairRecord{Target: "/dev/ttyUSB0", Profile: "ps5-2mib", StartedAt: startedAt})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	writes := []domain.RegionWriteRecord{
		{Region: "nvs", Start: 0x1C7010, Length: 0x20, Verified: true, WrittenAt: startedAt.Add(time.Second)},
		{Region: "header", Start: 0x0, Length: 0x200, Verified: true, WrittenAt: startedAt.Add(2 * time.Second)},
	}
	for _, w := range writes {
		if err := repo.RecordWrite(ctx, id, w); err != nil {
			t.Fatalf("record write: %v", err)
		}
	}

	finishedAt := startedAt.Add(3 * time.Second)
	if err := repo.Finish(ctx, id, domain.RepairStatusCompleted, finishedAt, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := repo.Finish(ctx, id, domain.RepairStatusFailed, finishedAt, "late"); err == nil {
		t.Fatalf("expected finished record to stay finished")
	}

	recs, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Status != domain.RepairStatusCompleted || rec.Target != "/dev/ttyUSB0" || rec.Profile != "ps5-2mib" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.StartedAt.Equal(startedAt) || !rec.FinishedAt.Equal(finishedAt) || rec.Error != "" {
		t.Fatalf("unexpected timestamps: %+v", rec)
	}
	if len(rec.Writes) != 2 || rec.Writes[0].Region != "nvs" || rec.Writes[1].Start != 0 || !rec.Writes[1].Verified {
		t.Fatalf("unexpected writes: %+v", rec.Writes)
	}
	if rec.BytesWritten() != 0x220 {
		t.Fatalf("unexpected byte count: %d", rec.BytesWritten())
	}
}

func TestRepairRepo_FinishErrors(t *testing.T) {
	ctx := context.Background()
	repo := NewRepairRepo(openTestDB(t))

	if err := repo.Finish(ctx, 42, domain.RepairStatusFailed, time.Now(), "x"); !errors.Is(err, ErrRepairNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	id, err := repo.Begin(ctx, domain.RepairRecord{Target: "sim://2.4.1", Profile: "sim-64k"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := repo.Finish(ctx, id, domain.RepairStatusRunning, time.Now(), ""); err == nil {
		t.Fatalf("expected non-terminal status to be rejected")
	}
}

func TestRepairRepo_ListRecentOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewRepairRepo(openTestDB(t))

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		id, err := repo.Begin(ctx, domain.RepairRecord{Target: "t", Profile: "p", StartedAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("begin %d: %v", i, err)
		}
		if err := repo.RecordWrite(ctx, id, domain.RegionWriteRecord{Region: "r", Length: i + 1}); err != nil {
			t.Fatalf("record write %d: %v", i, err)
		}
	}

	recs, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Writes[0].Length != 3 || recs[1].Writes[0].Length != 2 {
		t.Fatalf("records not newest first: %+v", recs)
	}
}

func TestRepairRepo_MarkInterrupted(t *testing.T) {
	ctx := context.Background()
	repo := NewRepairRepo(openTestDB(t))

	running, _ := repo.Begin(ctx, domain.RepairRecord{Target: "a", Profile: "p"})
	done, _ := repo.Begin(ctx, domain.RepairRecord{Target: "b", Profile: "p"})
	if err := repo.Finish(ctx, done, domain.RepairStatusCompleted, time.Now(), ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	n, err := repo.MarkInterrupted(ctx, time.Now())
	if err != nil {
		t.Fatalf("mark interrupted: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 interrupted record, got %d", n)
	}

	recs, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, rec := range recs {
		if rec.ID == running && (rec.Status != domain.RepairStatusInterrupted || rec.Error == "") {
			t.Fatalf("unexpected interrupted record: %+v", rec)
		}
		if rec.ID == done && rec.Status != domain.RepairStatusCompleted {
			t.Fatalf("finished record changed: %+v", rec)
		}
	}
}

func TestPruneAndClearJournal(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewRepairRepo(db)

	old := time.Now().Add(-48 * time.Hour)
	oldDone, _ := repo.Begin(ctx, domain.RepairRecord{Target: "a", Profile: "p", StartedAt: old})
	_ = repo.RecordWrite(ctx, oldDone, domain.RegionWriteRecord{Region: "r", Length: 1})
	_ = repo.Finish(ctx, oldDone, domain.RepairStatusFailed, old, "boom")
	if _, err := repo.Begin(ctx, domain.RepairRecord{Target: "b", Profile: "p", StartedAt: old}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := repo.Begin(ctx, domain.RepairRecord{Target: "c", Profile: "p"}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	n, err := PruneJournal(ctx, db, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned record, got %d", n)
	}
	var writes int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM region_writes;`).Scan(&writes); err != nil {
		t.Fatalf("count writes: %v", err)
	}
	if writes != 0 {
		t.Fatalf("expected writes of pruned record to cascade, got %d", writes)
	}

	if err := ClearJournal(ctx, db); err != nil {
		t.Fatalf("clear: %v", err)
	}
	recs, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty journal, got %d records", len(recs))
	}
}
