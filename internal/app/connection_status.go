package app

import (
	"fmt"
	"strings"

	"github.com/uartcl/uartcl/internal/bus"
	"github.com/uartcl/uartcl/internal/config"
)

func ChannelNameFromConnector(connector config.ConnectorType) string {
	switch connector {
	case config.ConnectorTCP:
		return "tcp"
	case config.ConnectorSerial:
		return "serial"
	case config.ConnectorSim:
		return "sim"
	default:
		if value := strings.TrimSpace(string(connector)); value != "" {
			return value
		}
		return "unknown"
	}
}

func ConnectionTarget(cfg config.ConnectionConfig) string {
	switch cfg.Connector {
	case config.ConnectorTCP:
		host := strings.TrimSpace(cfg.Host)
		if host == "" {
			return ""
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	case config.ConnectorSerial:
		return strings.TrimSpace(cfg.SerialPort)
	case config.ConnectorSim:
		return SimTarget
	default:
		return ""
	}
}

// LinkStatusFromConfig describes the link before the first session event.
func LinkStatusFromConfig(cfg config.ConnectionConfig) bus.LinkStatus {
	return bus.LinkStatus{
		State:   bus.LinkStateClosed,
		Channel: ChannelNameFromConnector(cfg.Connector),
		Target:  ConnectionTarget(cfg),
	}
}
