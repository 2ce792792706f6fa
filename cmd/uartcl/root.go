package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/uartcl/uartcl/internal/app"
	"github.com/uartcl/uartcl/internal/bus"
	"github.com/uartcl/uartcl/internal/config"
	"github.com/uartcl/uartcl/internal/repair"
)

const maxHexPreviewLen = 96

type globalFlags struct {
	configPath string
	port       string
	baud       int
	host       string
	tcpPort    int
	profile    string
	attempts   int
	offline    bool
	logLevel   string
	logFormat  string
	verbose    bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:           app.Name,
	Short:         "Talk to a console's UART bootloader: identify, read, patch and write NOR flash",
	Version:       app.BuildVersionWithDate(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	bindGlobalFlags(rootCmd.PersistentFlags(), &flags)
}

func bindGlobalFlags(pf *pflag.FlagSet, g *globalFlags) {
	pf.StringVar(&g.configPath, "config", "", "path to config.json (default: user config dir)")
	pf.StringVarP(&g.port, "port", "p", "", "serial port, or "+app.SimTarget+" for the built-in simulator")
	pf.IntVarP(&g.baud, "baud", "b", config.DefaultSerialBaud, "serial baud rate")
	pf.StringVar(&g.host, "host", "", "UART bridge host (selects the tcp connector)")
	pf.IntVar(&g.tcpPort, "tcp-port", config.DefaultTCPPort, "UART bridge port")
	pf.StringVar(&g.profile, "profile", "", "built-in profile name or path to a YAML profile")
	pf.IntVar(&g.attempts, "attempts", 0, "transmissions per command")
	pf.BoolVar(&g.offline, "offline", false, "never query the online error code service")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&g.logFormat, "log-format", "", "text or json")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "trace raw frames on stderr")
}

// applyFlags copies explicitly set flags over the loaded config.
func applyFlags(fs *pflag.FlagSet, g globalFlags, cfg *config.AppConfig) {
	if fs.Changed("port") {
		port := strings.TrimSpace(g.port)
		if strings.HasPrefix(port, app.SimTarget) {
			cfg.Connection.Connector = config.ConnectorSim
		} else {
			cfg.Connection.Connector = config.ConnectorSerial
			cfg.Connection.SerialPort = port
		}
	}
	if fs.Changed("baud") {
		cfg.Connection.SerialBaud = g.baud
	}
	if fs.Changed("host") {
		cfg.Connection.Connector = config.ConnectorTCP
		cfg.Connection.Host = strings.TrimSpace(g.host)
	}
	if fs.Changed("tcp-port") {
		cfg.Connection.Port = g.tcpPort
	}
	if fs.Changed("profile") {
		cfg.Device.Profile = g.profile
	}
	if fs.Changed("attempts") {
		cfg.Session.MaxAttempts = g.attempts
	}
	if g.offline {
		cfg.Translator.Offline = true
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = g.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Logging.Format = g.logFormat
	}
	if g.verbose && !fs.Changed("log-level") {
		cfg.Logging.Level = "debug"
	}
}

func newRuntime(cmd *cobra.Command) (*app.Runtime, error) {
	fs := cmd.Flags()

	return app.Initialize(cmd.Context(), app.Options{
		ConfigPath: flags.configPath,
		Override: func(cfg *config.AppConfig) {
			applyFlags(fs, flags, cfg)
		},
	})
}

// connect opens the device and checks the bootloader. The returned release
// func closes the device and stops the frame trace.
func connect(cmd *cobra.Command, rt *app.Runtime, opts ...repair.Option) (*app.Device, func(), error) {
	stopTrace := func() {}
	if flags.verbose {
		stopTrace = traceFrames(rt.Bus, cmd.ErrOrStderr())
	}
	dev, err := rt.Connect(cmd.Context(), opts...)
	if err != nil {
		stopTrace()
		return nil, nil, err
	}
	release := func() {
		_ = dev.Close()
		stopTrace()
	}

	version, err := dev.Repair.Connect(cmd.Context())
	if err != nil {
		release()
		return nil, nil, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "connected: bootloader %s on %s\n", version, targetOf(rt, dev))

	return dev, release, nil
}

func targetOf(rt *app.Runtime, dev *app.Device) string {
	if dev.Sim != nil {
		return dev.Sim.StatusTarget()
	}

	return app.ConnectionTarget(rt.Config.Connection)
}

func traceFrames(b *bus.PubSubBus, w io.Writer) func() {
	sub := b.Subscribe(bus.TopicRawFrameIn, bus.TopicRawFrameOut)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for raw := range sub {
			frame, ok := raw.(bus.RawFrame)
			if !ok {
				continue
			}
			fmt.Fprintln(w, formatFrame(frame))
		}
	}()

	return func() {
		b.Unsubscribe(sub)
		<-done
	}
}

func formatFrame(f bus.RawFrame) string {
	dir := "<-"
	if f.Attempt > 0 {
		dir = "->"
	}
	line := fmt.Sprintf("%s op=0x%02X seq=%d len=%d %s", dir, f.Opcode, f.Seq, f.Len, previewHex(f.Hex))
	if f.Attempt > 1 {
		line += fmt.Sprintf(" (attempt %d)", f.Attempt)
	}

	return line
}

func previewHex(hex string) string {
	hex = strings.TrimSpace(hex)
	if len(hex) <= maxHexPreviewLen {
		return hex
	}
	return hex[:maxHexPreviewLen] + "..."
}

func closeRuntime(rt *app.Runtime) {
	if err := rt.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
}
