package app

import (
	"bytes"
	"context"
	"fmt"

	"github.com/uartcl/uartcl/internal/config"
	"github.com/uartcl/uartcl/internal/nor"
	"github.com/uartcl/uartcl/internal/profile"
	"github.com/uartcl/uartcl/internal/simulator"
	"github.com/uartcl/uartcl/internal/transport"
)

const (
	simMoboSerial    = "SIMMB00000000001"
	simConsoleSerial = "SIM00000000000001"
)

// OpenChannel opens the byte channel selected by cfg. The simulated
// connector returns a *simulator.Device seeded from prof.
func OpenChannel(ctx context.Context, cfg config.ConnectionConfig, codec *transport.Codec, prof *profile.Profile) (transport.Channel, error) {
	switch cfg.Connector {
	case config.ConnectorSerial:
		return transport.OpenSerial(cfg.SerialPort, cfg.SerialBaud)
	case config.ConnectorTCP:
		return transport.DialTCP(ctx, cfg.Host, cfg.Port)
	case config.ConnectorSim:
		flash, err := SimulatedFlash(prof)
		if err != nil {
			return nil, err
		}
		return simulator.New(codec, flash), nil
	default:
		return nil, fmt.Errorf("unknown connector: %q", cfg.Connector)
	}
}

// SimulatedFlash builds a blank image for prof that still looks like a
// console: the lowest-priority edition flag at every edition offset,
// placeholder serials and valid region checksums.
func SimulatedFlash(prof *profile.Profile) ([]byte, error) {
	layout, err := prof.Layout()
	if err != nil {
		return nil, err
	}
	fields, err := prof.DeviceFields()
	if err != nil {
		return nil, err
	}

	data := bytes.Repeat([]byte{0xFF}, layout.Size)
	if n := len(fields.Editions); n > 0 {
		flag := fields.Editions[n-1].Flag
		for _, off := range fields.EditionOffsets {
			copy(data[off:], flag)
		}
	}
	putField(data, fields.MoboSerial, simMoboSerial)
	putField(data, fields.ConsoleSerial, simConsoleSerial)

	img, err := nor.NewImage(layout, data)
	if err != nil {
		return nil, err
	}
	img, err = img.RefreshChecksums()
	if err != nil {
		return nil, fmt.Errorf("seed simulated flash: %w", err)
	}

	return img.Bytes(), nil
}

func putField(data []byte, f nor.Field, value string) {
	if f.Length == 0 || f.Offset+f.Length > len(data) {
		return
	}
	copy(data[f.Offset:f.Offset+f.Length], value)
}
