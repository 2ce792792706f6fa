// Package domain holds the repair journal records shared by the repair
// service and its storage.
package domain

import "time"

type RepairStatus string

const (
	RepairStatusRunning     RepairStatus = "running"
	RepairStatusCompleted   RepairStatus = "completed"
	RepairStatusFailed      RepairStatus = "failed"
	RepairStatusCancelled   RepairStatus = "cancelled"
	RepairStatusInterrupted RepairStatus = "interrupted"
)

func (s RepairStatus) Terminal() bool {
	return s != RepairStatusRunning && s != ""
}

// ShouldTransitionRepairStatus reports whether a journal record may move from
// current to next. Finished records never change again.
func ShouldTransitionRepairStatus(current, next RepairStatus) bool {
	if current == next {
		return false
	}
	if current == "" {
		return next == RepairStatusRunning
	}

	return current == RepairStatusRunning && next.Terminal()
}

// RepairRecord is one commit of an image to a device.
type RepairRecord struct {
	ID         int64
	Target     string
	Profile    string
	Status     RepairStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	Writes     []RegionWriteRecord
}

func (r RepairRecord) BytesWritten() int {
	total := 0
	for _, w := range r.Writes {
		total += w.Length
	}

	return total
}

// RegionWriteRecord is a region range that was written and read back.
type RegionWriteRecord struct {
	Region    string
	Start     int
	Length    int
	Verified  bool
	WrittenAt time.Time
}
