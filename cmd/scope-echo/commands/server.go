package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NetPo4ki/go-coscope/internal/echo"
	"github.com/NetPo4ki/go-coscope/observe/prom"
	"github.com/NetPo4ki/go-coscope/scope"
)

type ServerCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	metricsAddr string
}

// NewServerCommand returns the server command.
func NewServerCommand(rootCmd *RootCommand, app *kingpin.Application) *ServerCommand {
	c := &ServerCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("server", "Run the echo server.")
	c.Cmd.Flag("metrics-addr", "Address to expose Prometheus metrics on, empty disables them.").StringVar(&c.metricsAddr)

	return c
}

func (c ServerCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServerCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cfg, err := c.rootCmd.LoadConfig(ctx)
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", cfg.Addr(), err)
	}

	srv, err := echo.NewServer(echo.ServerConfig{
		Timeout: cfg.Timeout,
		Logger:  logger,
	})
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("could not create server: %w", err)
	}

	var extra []scope.Option
	if c.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		extra = append(extra, scope.WithObserver(prom.New(reg)))

		httpSrv := &http.Server{
			Addr:              c.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Infof("Serving metrics at %s", c.metricsAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Metrics server failed: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(sctx)
		}()
	}

	err = scope.Run(ctx, func(ctx context.Context) error {
		return srv.Serve(ctx, ln)
	}, c.rootCmd.ScopeOptions(cfg, extra...)...)
	if errors.Is(err, context.Canceled) {
		logger.Infof("Server stopped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}
