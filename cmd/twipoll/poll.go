package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/twipoll"
	"github.com/mklimuk/twipoll/adapter"
	"github.com/mklimuk/twipoll/busctx"
	"github.com/mklimuk/twipoll/cmd/twipoll/console"
	"github.com/mklimuk/twipoll/engine"
	"github.com/mklimuk/twipoll/i2c"
	"github.com/mklimuk/twipoll/pkg/config"
	"github.com/mklimuk/twipoll/poller"
	"github.com/mklimuk/twipoll/telemetry"
)

// pollerFlags are shared by every command that drives the poller.
var pollerFlags = []cli.Flag{
	&cli.UintFlag{Name: "address", Usage: "7-bit slave address"},
	&cli.UintFlag{Name: "offset", Usage: "register offset written before every read"},
	&cli.DurationFlag{Name: "interval", Usage: "delay between polls, 0 spins"},
	&cli.DurationFlag{Name: "reset-timeout", Usage: "how long a retry waits for the bus, 0 waits forever"},
	&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "stop after n transactions"},
	&cli.StringFlag{Name: "listen", Usage: "serve snapshots over websocket on this address"},
	&cli.StringFlag{Name: "serial", Usage: "stream telemetry frames to this serial port"},
	&cli.IntFlag{Name: "baud", Usage: "serial telemetry baud rate"},
}

var pollCmd = cli.Command{
	Name:  "poll",
	Usage: "poll the sensor over a real bus",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "adapter", Aliases: []string{"a"}, Usage: "bus adapter: mcp2221, generic or nanopi"},
		&cli.StringFlag{Name: "bus", Aliases: []string{"b"}, Usage: "i2c bus name (generic) or number (nanopi)"},
		&cli.IntFlag{Name: "device", Usage: "mcp2221 enumeration index"},
		&cli.IntFlag{Name: "speed", Usage: "bus clock in Hz"},
	}, pollerFlags...),
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		bus, closeBus, err := openBus(busctx.SetVerbose(c.Context, c.Bool("verbose")), cfg.Transport)
		if err != nil {
			return console.Exit(1, "could not open bus: %s", console.Red(err))
		}
		defer closeBus()
		return runPoller(c, cfg, bus, cfg.Transport.Adapter)
	},
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if err := applyFlags(c, &cfg); err != nil {
		return cfg, err
	}
	return cfg, config.Validate(cfg)
}

// applyFlags overrides configuration values with the flags given explicitly.
func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("address") {
		addr := c.Uint("address")
		if addr > 0x7F {
			return fmt.Errorf("%w: address %#x is not a 7-bit address", config.ErrInvalid, addr)
		}
		cfg.Device.Address = uint8(addr)
	}
	if c.IsSet("offset") {
		offset := c.Uint("offset")
		if offset > 0xFF {
			return fmt.Errorf("%w: offset %#x does not fit in a byte", config.ErrInvalid, offset)
		}
		cfg.Device.Offset = uint8(offset)
	}
	if c.IsSet("interval") {
		cfg.Poll.Interval = c.Duration("interval")
	}
	if c.IsSet("reset-timeout") {
		cfg.Poll.ResetTimeout = c.Duration("reset-timeout")
	}
	if c.IsSet("count") {
		cfg.Poll.Count = c.Int("count")
	}
	if c.IsSet("adapter") {
		cfg.Transport.Adapter = c.String("adapter")
	}
	if c.IsSet("bus") {
		cfg.Transport.Bus = c.String("bus")
	}
	if c.IsSet("device") {
		cfg.Transport.Device = c.Int("device")
	}
	if c.IsSet("speed") {
		cfg.Transport.SpeedHz = c.Int("speed")
	}
	if c.IsSet("listen") {
		cfg.Telemetry.Listen = c.String("listen")
	}
	if c.IsSet("serial") {
		cfg.Telemetry.Serial = c.String("serial")
	}
	if c.IsSet("baud") {
		cfg.Telemetry.Baud = c.Int("baud")
	}
	return nil
}

func openBus(ctx context.Context, cfg config.TransportConfig) (twipoll.I2CBus, func(), error) {
	switch cfg.Adapter {
	case config.AdapterMCP2221:
		ad := adapter.NewMCP2221(adapter.WithSpeed(cfg.SpeedHz), adapter.WithDevice(cfg.Device))
		if err := ad.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("adapter init error: %w", err)
		}
		return ad, func() {}, nil
	case config.AdapterGeneric:
		bus, err := i2c.NewGenericBus(cfg.Bus)
		if err != nil {
			return nil, nil, err
		}
		if err := bus.SetSpeed(physic.Frequency(cfg.SpeedHz) * physic.Hertz); err != nil {
			_ = bus.Close()
			return nil, nil, err
		}
		return bus, func() { _ = bus.Close() }, nil
	case config.AdapterNanoPi:
		busNr := -1
		if cfg.Bus != "" {
			if _, err := fmt.Sscanf(cfg.Bus, "%d", &busNr); err != nil {
				return nil, nil, fmt.Errorf("invalid nanopi bus number %q: %w", cfg.Bus, err)
			}
		}
		npi := nanopi.NewNeoAdaptor()
		if err := npi.I2cBusAdaptor.Connect(); err != nil {
			return nil, nil, fmt.Errorf("adaptor connect error: %w", err)
		}
		bus := i2c.NewGobotBus(npi, busNr)
		return bus, func() {
			_ = bus.Close()
			_ = npi.I2cBusAdaptor.Finalize()
		}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown adapter %q", config.ErrInvalid, cfg.Adapter)
	}
}

// runPoller drives the poller over bus until the transaction count is reached
// or the process is interrupted, then prints the diagnostics.
func runPoller(c *cli.Context, cfg config.Config, bus twipoll.I2CBus, name string) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = busctx.SetVerbose(ctx, c.Bool("verbose"))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mon := &monitor{limit: cfg.Poll.Count, cancel: cancel}
	closeOutputs, err := mon.attach(ctx, cfg.Telemetry)
	if err != nil {
		return console.Exit(1, "telemetry error: %s", console.Red(err))
	}
	defer closeOutputs()

	eng := engine.New(ctx, bus,
		engine.WithFrameLength(cfg.Transport.Frame),
		engine.WithTxTimeout(cfg.Transport.Timeout),
	)
	p := poller.New(eng,
		poller.WithAddress(cfg.Device.Address),
		poller.WithOffset(cfg.Device.Offset),
		poller.WithResetTimeout(cfg.Poll.ResetTimeout),
		poller.WithObserver(mon.observe),
	)
	console.PInfof(console.PictoPlug, "polling %s at %s offset %s", name,
		console.White(fmt.Sprintf("%#02x", cfg.Device.Address)), console.White(fmt.Sprintf("%#02x", cfg.Device.Offset)))

	err = poller.Run(ctx, p, cfg.Poll.Interval)
	if err != nil && !errors.Is(err, context.Canceled) {
		return console.Exit(1, "poller error: %s", console.Red(err))
	}
	console.PInfof(console.PictoFinish, "%d transactions, %d faults", mon.completed, mon.faults)
	if err := yaml.NewEncoder(console.Writer()).Encode(p.Diagnostics()); err != nil {
		return console.Exit(1, "encoding error: %s", console.Red(err))
	}
	return nil
}

type publisher interface {
	Publish(poller.Snapshot) error
}

// monitor receives poller snapshots, prints them and forwards them to the
// telemetry outputs.
type monitor struct {
	limit     int
	cancel    context.CancelFunc
	completed int
	faults    int
	hub       *telemetry.Hub
	serial    publisher
}

func (m *monitor) attach(ctx context.Context, cfg config.TelemetryConfig) (func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	if cfg.Serial != "" {
		port, err := telemetry.OpenSerial(cfg.Serial, cfg.Baud)
		if err != nil {
			return nil, err
		}
		m.serial = telemetry.NewSerialWriter(port)
		closers = append(closers, func() { _ = port.Close() })
	}
	if cfg.Listen != "" {
		m.hub = telemetry.NewHub(16)
		go m.hub.Run(ctx)
		mux := http.NewServeMux()
		mux.Handle("/ws", m.hub.Handler())
		srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("telemetry server stopped", "error", err)
			}
		}()
		closers = append(closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
		console.PInfof(console.PictoPin, "serving snapshots on ws://%s/ws", cfg.Listen)
	}
	return closeAll, nil
}

func (m *monitor) observe(s poller.Snapshot) {
	switch s.Event {
	case poller.EventComplete:
		m.completed++
		console.Printf("%s %s % x\n", console.Green("frame"), console.White(fmt.Sprintf("%3d", s.Diagnostics.Completed)), s.Payload[:])
	case poller.EventFault:
		m.faults++
		console.Warnf("fault %s at step %s (%s)", s.Diagnostics.FaultStatus, s.Diagnostics.Step, s.Diagnostics.FaultKind)
	}
	if m.hub != nil && !m.hub.Publish(s) {
		slog.Debug("telemetry queue full, snapshot dropped")
	}
	if m.serial != nil {
		if err := m.serial.Publish(s); err != nil {
			slog.Error("could not publish telemetry frame", "error", err)
		}
	}
	if m.limit > 0 && m.completed >= m.limit {
		m.cancel()
	}
}
