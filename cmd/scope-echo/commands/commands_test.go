package commands_test

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NetPo4ki/go-coscope/cmd/scope-echo/commands"
	"github.com/NetPo4ki/go-coscope/internal/config"
	"github.com/NetPo4ki/go-coscope/internal/echo"
	"github.com/NetPo4ki/go-coscope/internal/log"
	"github.com/NetPo4ki/go-coscope/scope"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "echo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestRootCommandLoadConfig(t *testing.T) {
	tests := map[string]struct {
		config string
		args   func(cfgPath string) []string
		expCfg func() config.Config
		expErr bool
	}{
		"Without config file or flags the defaults should be used.": {
			args:   func(string) []string { return []string{"ping"} },
			expCfg: config.Defaults,
		},
		"The config file should override the defaults.": {
			config: "port: 9000\nworkers: 2\n",
			args:   func(p string) []string { return []string{"--config", p, "ping"} },
			expCfg: func() config.Config {
				c := config.Defaults()
				c.Port = 9000
				c.Workers = 2
				return c
			},
		},
		"Flags set by the user should override the config file.": {
			config: "port: 9000\ntimeout: 2s\n",
			args:   func(p string) []string { return []string{"--config", p, "--port", "9100", "ping"} },
			expCfg: func() config.Config {
				c := config.Defaults()
				c.Port = 9100
				c.Timeout = 2 * time.Second
				return c
			},
		},
		"Invalid flag values should fail.": {
			args:   func(string) []string { return []string{"--workers", "0", "ping"} },
			expErr: true,
		},
		"A missing config file should fail.": {
			args:   func(string) []string { return []string{"--config", "/does/not/exist.yaml", "ping"} },
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			cfgPath := ""
			if test.config != "" {
				cfgPath = writeConfig(t, test.config)
			}

			app := kingpin.New("test", "")
			root := commands.NewRootCommand(app)
			commands.NewPingCommand(root, app)
			_, err := app.Parse(test.args(cfgPath))
			require.NoError(err)

			cfg, err := root.LoadConfig(context.Background())
			if test.expErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(test.expCfg(), cfg)
		})
	}
}

func TestPingCommandRun(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	port := ln.Addr().(*net.TCPAddr).Port

	srv, err := echo.NewServer(echo.ServerConfig{})
	require.NoError(err)

	serverCtx, stopServer := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- scope.Run(serverCtx, func(ctx context.Context) error {
			return srv.Serve(ctx, ln)
		}, scope.WithMaxWorkers(8))
	}()

	app := kingpin.New("test", "")
	root := commands.NewRootCommand(app)
	ping := commands.NewPingCommand(root, app)
	_, err = app.Parse([]string{
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"ping", "-n", "2", "--interval", "10ms", "--clients", "2", "-m", "hi",
	})
	require.NoError(err)

	var out bytes.Buffer
	root.Stdout = &out
	root.Logger = log.Noop

	err = ping.Run(context.Background())
	require.NoError(err)

	stopServer()
	assert.ErrorIs(t, <-served, context.Canceled)

	assert.Contains(t, out.String(), `1/1: "hi 0"`)
	assert.Contains(t, out.String(), `1/2: "hi 1"`)
	assert.Contains(t, out.String(), `2/1: "hi 0"`)
	assert.Contains(t, out.String(), `2/2: "hi 1"`)
}
