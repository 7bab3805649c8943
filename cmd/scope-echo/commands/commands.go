package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/NetPo4ki/go-coscope/internal/config"
	"github.com/NetPo4ki/go-coscope/internal/log"
	"github.com/NetPo4ki/go-coscope/observe/logobs"
	"github.com/NetPo4ki/go-coscope/scope"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	ConfigFile string

	// Settings that override the config file only when set by the user.
	host       string
	hostSet    bool
	port       int
	portSet    bool
	timeout    time.Duration
	timeoutSet bool
	workers    int
	workersSet bool

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}
	d := config.Defaults()

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)
	app.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&c.ConfigFile)

	app.Flag("host", "Host to serve on or connect to.").Default(d.Host).IsSetByUser(&c.hostSet).StringVar(&c.host)
	app.Flag("port", "Port to serve on or connect to.").Default(fmt.Sprint(d.Port)).IsSetByUser(&c.portSet).IntVar(&c.port)
	app.Flag("timeout", "Bound for the whole command, 0 means none.").Default(d.Timeout.String()).IsSetByUser(&c.timeoutSet).DurationVar(&c.timeout)
	app.Flag("workers", "Maximum blocking calls running at the same time.").Default(fmt.Sprint(d.Workers)).IsSetByUser(&c.workersSet).IntVar(&c.workers)

	return c
}

// LoadConfig returns the defaults, overridden by the config file, overridden
// by the flags the user set.
func (c RootCommand) LoadConfig(ctx context.Context) (config.Config, error) {
	cfg := config.Defaults()
	if c.ConfigFile != "" {
		path, err := filepath.Abs(c.ConfigFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("could not resolve config path: %w", err)
		}
		dir, file := filepath.Split(path)
		cfg, err = config.NewYAMLRepository(os.DirFS(dir)).GetConfig(ctx, file)
		if err != nil {
			return config.Config{}, fmt.Errorf("could not load config: %w", err)
		}
	}

	if c.hostSet {
		cfg.Host = c.host
	}
	if c.portSet {
		cfg.Port = c.port
	}
	if c.timeoutSet {
		cfg.Timeout = c.timeout
	}
	if c.workersSet {
		cfg.Workers = c.workers
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ScopeOptions returns the engine options shared by every command.
func (c RootCommand) ScopeOptions(cfg config.Config, extra ...scope.Option) []scope.Option {
	opts := []scope.Option{
		scope.WithLogger(c.Logger),
		scope.WithMaxWorkers(cfg.Workers),
	}
	if c.Debug {
		opts = append(opts, scope.WithObserver(logobs.New(c.Logger)))
	}
	return append(opts, extra...)
}
