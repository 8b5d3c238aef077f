package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/twipoll/cmd/twipoll/console"
	"github.com/mklimuk/twipoll/poller"
	"github.com/mklimuk/twipoll/sim"
	"github.com/mklimuk/twipoll/twi"
)

var simCmd = cli.Command{
	Name:  "sim",
	Usage: "run the poller against simulated hardware",
	Subcommands: cli.Commands{
		&simRunCmd,
		&simStepCmd,
	},
}

var simRunCmd = cli.Command{
	Name:  "run",
	Usage: "poll an in-memory sensor through the software bus engine",
	Flags: append([]cli.Flag{
		&cli.IntFlag{Name: "write-nacks", Usage: "number of address checks the sensor refuses"},
		&cli.IntFlag{Name: "read-nacks", Usage: "number of reads the sensor refuses"},
	}, pollerFlags...),
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		if !c.IsSet("count") && cfg.Poll.Count == 0 {
			cfg.Poll.Count = 10
		}
		slave := sim.NewSlave(cfg.Device.Address,
			sim.WithWriteNACKs(c.Int("write-nacks")),
			sim.WithReadNACKs(c.Int("read-nacks")),
			sim.WithUpdate(measurement(cfg.Device.Offset)),
		)
		return runPoller(c, cfg, slave, "simulated sensor")
	},
}

// measurement fills the payload registers with a running sample counter
// followed by its bitwise complement, so torn frames are easy to spot.
func measurement(offset byte) sim.UpdateFunc {
	var sample uint16
	return func(registers []byte) {
		sample++
		frame := []byte{
			byte(sample >> 8), byte(sample),
			^byte(sample >> 8), ^byte(sample),
			0x00, 0x5A, 0xA5,
		}
		for i, b := range frame {
			registers[(int(offset)+i)%len(registers)] = b
		}
	}
}

var simStepCmd = cli.Command{
	Name:  "step",
	Usage: "feed bus status codes to the poller by hand",
	Description: `Every line is a list of events, one per bus status. An event is a hex
status code or status name, optionally followed by the data register value:

  08 18 28 10 40 50:01 50:02 50:03 50:04 50:05 50:06 58:07

"diag" prints the diagnostics, "quit" leaves.`,
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "address", Usage: "7-bit slave address"},
		&cli.UintFlag{Name: "offset", Usage: "register offset written before every read"},
		&cli.DurationFlag{Name: "reset-timeout", Usage: "how long a retry waits for the next event"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		if cfg.Poll.ResetTimeout == 0 {
			// there is nobody to unblock a retry wait in an interactive session
			cfg.Poll.ResetTimeout = poller.DefaultResetTimeout
		}
		script := sim.NewScript()
		p := poller.New(script,
			poller.WithAddress(cfg.Device.Address),
			poller.WithOffset(cfg.Device.Offset),
			poller.WithResetTimeout(cfg.Poll.ResetTimeout),
			poller.WithObserver(func(s poller.Snapshot) {
				if s.Event == poller.EventComplete {
					console.PInfof(console.PictoFinish, "frame % x", s.Payload[:])
				} else {
					console.PInfof(console.PictoStop, "fault %s (%s)", s.Diagnostics.FaultStatus, s.Diagnostics.FaultKind)
				}
			}),
		)
		p.Start()
		printWrites(script)

		session, err := console.NewSession("twi> ")
		if err != nil {
			return console.Exit(1, "terminal error: %s", console.Red(err))
		}
		defer session.Close()
		for {
			line, err := session.Next()
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				return nil
			}
			if err != nil {
				return console.Exit(1, "terminal error: %s", console.Red(err))
			}
			switch line {
			case "quit", "exit", "q":
				return nil
			case "diag":
				if err := yaml.NewEncoder(console.Writer()).Encode(p.Diagnostics()); err != nil {
					console.Errorf("encoding error: %s", err)
				}
				continue
			}
			events, err := parseEvents(line)
			if err != nil {
				console.Errorf("%s", err)
				continue
			}
			script.Append(events...)
			step(c.Context, p, script, len(events))
		}
	},
}

// step polls until the queued events are consumed. Every handled event loads
// the next one, so limit bounds the loop even when an event hangs.
func step(ctx context.Context, p *poller.Poller, script *sim.Script, limit int) {
	for i := 0; i < limit && script.Pending(); i++ {
		status := script.Status()
		p.Poll(ctx)
		console.Printf("%-13s -> %s %s received=%d\n", status, console.Cyan(p.Diagnostics().Step), p.Phase(), p.Received())
		printWrites(script)
	}
}

func printWrites(script *sim.Script) {
	for _, w := range script.Log() {
		console.Printf("   %s\n", console.Yellow(w))
	}
	script.ResetLog()
}

var knownStatuses = []twi.Status{
	twi.BusError, twi.Start, twi.RepeatedStart, twi.NoInfo,
	twi.MTAddrAck, twi.MTAddrNack, twi.MTDataAck, twi.MTDataNack, twi.ArbitLost,
	twi.MRAddrAck, twi.MRAddrNack, twi.MRDataAck, twi.MRDataNack,
}

// parseEvents reads a line of "status[:data]" tokens. "hang" queues an event
// that never raises the event flag.
func parseEvents(line string) ([]sim.Event, error) {
	var events []sim.Event
	for _, tok := range strings.Fields(line) {
		if strings.EqualFold(tok, "hang") {
			events = append(events, sim.Event{Hang: true})
			continue
		}
		statusTok, dataTok, hasData := strings.Cut(tok, ":")
		status, err := parseStatus(statusTok)
		if err != nil {
			return nil, err
		}
		ev := sim.Event{Status: status}
		if hasData {
			b, err := parseHex(dataTok)
			if err != nil {
				return nil, fmt.Errorf("invalid data in %q: %w", tok, err)
			}
			ev.Data = b
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseStatus(tok string) (twi.Status, error) {
	for _, s := range knownStatuses {
		if strings.EqualFold(tok, s.String()) {
			return s, nil
		}
	}
	b, err := parseHex(tok)
	if err != nil {
		return 0, fmt.Errorf("invalid status %q: %w", tok, err)
	}
	return twi.Status(b), nil
}

func parseHex(tok string) (byte, error) {
	tok = strings.TrimPrefix(strings.ToLower(tok), "0x")
	v, err := strconv.ParseUint(tok, 16, 8)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}
