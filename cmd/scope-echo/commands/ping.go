package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/NetPo4ki/go-coscope/internal/config"
	"github.com/NetPo4ki/go-coscope/internal/echo"
	"github.com/NetPo4ki/go-coscope/scope"
)

type PingCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	count       int
	countSet    bool
	interval    time.Duration
	intervalSet bool
	message     string
	messageSet  bool
	clients     int
}

// NewPingCommand returns the ping command.
func NewPingCommand(rootCmd *RootCommand, app *kingpin.Application) *PingCommand {
	c := &PingCommand{rootCmd: rootCmd}
	d := config.Defaults()

	c.Cmd = app.Command("ping", "Ping an echo server.")
	c.Cmd.Flag("count", "Number of rounds, 0 means forever.").Short('n').Default(fmt.Sprint(d.Count)).IsSetByUser(&c.countSet).IntVar(&c.count)
	c.Cmd.Flag("interval", "Pause between rounds.").Default(d.Interval.String()).IsSetByUser(&c.intervalSet).DurationVar(&c.interval)
	c.Cmd.Flag("message", "Message to send.").Short('m').Default(d.Message).IsSetByUser(&c.messageSet).StringVar(&c.message)
	c.Cmd.Flag("clients", "Concurrent clients per round.").Default("1").IntVar(&c.clients)

	return c
}

func (c PingCommand) Name() string { return c.Cmd.FullCommand() }

func (c PingCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cfg, err := c.rootCmd.LoadConfig(ctx)
	if err != nil {
		return err
	}
	if c.countSet {
		cfg.Count = c.count
	}
	if c.intervalSet {
		cfg.Interval = c.interval
	}
	if c.messageSet {
		cfg.Message = c.message
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.clients <= 0 {
		return fmt.Errorf("clients must be positive, got: %d", c.clients)
	}

	err = scope.Run(ctx, func(ctx context.Context) error {
		_, err := scope.WithTimeout(ctx, cfg.Timeout, func(ctx context.Context) error {
			for round := 0; cfg.Count == 0 || round < cfg.Count; round++ {
				if round > 0 {
					if err := scope.Sleep(ctx, cfg.Interval); err != nil {
						return err
					}
				}
				if err := c.round(ctx, cfg, round); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, scope.ErrTimeout) {
			logger.Infof("Timeout close")
			return nil
		}
		return err
	}, c.rootCmd.ScopeOptions(cfg)...)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	return nil
}

func (c PingCommand) round(ctx context.Context, cfg config.Config, round int) error {
	replies := make([]string, c.clients)
	durations := make([]time.Duration, c.clients)
	err := scope.WithGroup(ctx, func(ctx context.Context, g *scope.Group) error {
		for i := range c.clients {
			msg := cfg.Message
			if c.clients > 1 {
				msg = fmt.Sprintf("%s %d", cfg.Message, i)
			}
			_, err := g.Spawn(func(ctx context.Context) (any, error) {
				start := time.Now()
				reply, err := echo.Ping(ctx, cfg.Addr(), msg)
				if err != nil {
					return nil, err
				}
				replies[i], durations[i] = reply, time.Since(start)
				return nil, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, reply := range replies {
		fmt.Fprintf(c.rootCmd.Stdout, "%d/%d: %q from %s in %s\n", round+1, i+1, reply, cfg.Addr(), durations[i].Round(time.Microsecond))
	}
	return nil
}
