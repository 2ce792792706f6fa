package bus

import "time"

// LinkState mirrors the command session state machine.
type LinkState string

const (
	LinkStateIdle             LinkState = "idle"
	LinkStateAwaitingResponse LinkState = "awaiting_response"
	LinkStateClosed           LinkState = "closed"
)

type LinkStatus struct {
	State     LinkState
	Err       string
	Channel   string
	Target    string
	Timestamp time.Time
}

// RawFrame carries frame diagnostics for verbose output.
type RawFrame struct {
	Hex     string
	Len     int
	Seq     uint16
	Opcode  byte
	Attempt int
}

type ReadProgress struct {
	Offset int
	Done   int
	Total  int
}

type CommitProgress struct {
	Region   string
	Start    int
	Length   int
	Index    int
	Total    int
	Verified bool
}

// DeviceStatus is published for every non-success status after translation.
type DeviceStatus struct {
	Command     string
	Code        uint32
	Description string
	Severity    string
}
