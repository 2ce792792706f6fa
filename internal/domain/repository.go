package domain

import (
	"context"
	"time"
)

type RepairRepository interface {
	Begin(ctx context.Context, rec RepairRecord) (int64, error)
	RecordWrite(ctx context.Context, repairID int64, w RegionWriteRecord) error
	Finish(ctx context.Context, repairID int64, status RepairStatus, finishedAt time.Time, errText string) error
	ListRecent(ctx context.Context, limit int) ([]RepairRecord, error)
}
