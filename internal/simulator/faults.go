package simulator

import (
	"github.com/uartcl/uartcl/internal/transport"
)

type FaultKind int

const (
	// FaultDrop loses the response on the line.
	FaultDrop FaultKind = iota + 1
	// FaultCorrupt flips a byte of the response.
	FaultCorrupt
	// FaultStale sends a response with the previous sequence number ahead of the real one.
	FaultStale
	// FaultStatus answers with a non-success status instead of executing the command.
	FaultStatus
)

// Forever makes a fault fire on every matching exchange.
const Forever = -1

type fault struct {
	kind      FaultKind
	cmd       transport.Command
	code      uint32
	remaining int
}

// InjectFault arms kind for the next times exchanges of cmd. A zero cmd
// matches every command.
func (d *Device) InjectFault(kind FaultKind, cmd transport.Command, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if times == 0 {
		times = 1
	}
	d.faults = append(d.faults, &fault{kind: kind, cmd: cmd, remaining: times})
}

// InjectStatus makes the next times executions of cmd report code.
func (d *Device) InjectStatus(cmd transport.Command, code uint32, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if times == 0 {
		times = 1
	}
	d.faults = append(d.faults, &fault{kind: FaultStatus, cmd: cmd, code: code, remaining: times})
}

func (d *Device) takeFaultLocked(cmd transport.Command, kind FaultKind) *fault {
	for i, f := range d.faults {
		if f.kind != kind || (f.cmd != 0 && f.cmd != cmd) {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				d.faults = append(d.faults[:i], d.faults[i+1:]...)
			}
		}

		return f
	}

	return nil
}

func (d *Device) transmitLocked(cmd transport.Command, req transport.Frame, resp []byte) {
	if d.takeFaultLocked(cmd, FaultDrop) != nil {
		return
	}
	if d.takeFaultLocked(cmd, FaultStale) != nil {
		if stale, err := d.codec.Encode(req.Opcode.Response(), req.Seq-1, []byte{0, 0, 0, 0}); err == nil {
			d.emitLocked(stale)
		}
	}
	if d.takeFaultLocked(cmd, FaultCorrupt) != nil {
		bad := append([]byte(nil), resp...)
		bad[len(bad)-3] ^= 0xFF
		d.emitLocked(bad)

		return
	}
	d.emitLocked(resp)
}
