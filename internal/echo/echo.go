// Package echo is a TCP echo server and client built on the cooperative
// engine: every network call is a bridged call and every connection a task.
package echo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/NetPo4ki/go-coscope/internal/log"
	"github.com/NetPo4ki/go-coscope/scope"
)

// MaxMessageSize is the largest message read in one exchange.
const MaxMessageSize = 100

// ServerConfig is the server configuration.
type ServerConfig struct {
	// Timeout bounds the whole serving loop; zero serves until cancelled.
	Timeout time.Duration
	Logger  log.Logger
}

func (c *ServerConfig) defaults() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "echo.Server"})
	return nil
}

// Server echoes back the first message of every connection and closes it.
type Server struct {
	timeout time.Duration
	logger  log.Logger
}

// NewServer returns a new Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Server{timeout: cfg.Timeout, logger: cfg.Logger}, nil
}

// Serve accepts connections on ln until the calling task is cancelled or
// the timeout expires, and closes ln before returning. It must be called
// from a task. Reaching the timeout is a normal shutdown. Accepting and
// reading run outside the worker limit; only writes take a worker.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.logger.Infof("Serving at %s", ln.Addr())

	_, err := scope.WithTimeout(ctx, s.timeout, func(ctx context.Context) error {
		return scope.WithGroup(ctx, func(ctx context.Context, g *scope.Group) error {
			for {
				v, err := scope.Blocking(ctx, func(ctx context.Context) (any, error) {
					stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
					defer stop()
					return ln.Accept()
				}, scope.Unbounded())
				if err != nil {
					return err
				}
				conn := v.(net.Conn)
				task, err := g.Spawn(func(ctx context.Context) (any, error) {
					return nil, s.handle(ctx, conn)
				}, scope.WithName("conn "+conn.RemoteAddr().String()))
				if err != nil {
					_ = conn.Close()
					return err
				}
				// Also covers handlers cancelled before they ever ran.
				task.OnDone(func(*scope.Task) { _ = conn.Close() })
			}
		}, scope.WithPolicy(scope.Supervisor), scope.WithGroupName("echo connections"))
	})
	if errors.Is(err, scope.ErrTimeout) {
		s.logger.Infof("Timeout close")
		return nil
	}
	return err
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	logger := s.logger.WithValues(log.Kv{"peer": conn.RemoteAddr().String()})

	data, err := read(ctx, conn)
	if err != nil {
		if errors.Is(err, scope.ErrCancelled) {
			return err
		}
		logger.Warningf("Could not read message: %v", err)
		return nil
	}
	logger.Infof("Received %q", data)

	if err := write(ctx, conn, data); err != nil {
		if errors.Is(err, scope.ErrCancelled) {
			return err
		}
		logger.Warningf("Could not send message: %v", err)
		return nil
	}
	logger.Debugf("Sent %q", data)

	return nil
}

// Ping dials addr, sends msg and returns the reply. It must be called from a task.
func Ping(ctx context.Context, addr, msg string) (string, error) {
	if len(msg) > MaxMessageSize {
		return "", fmt.Errorf("message longer than %d bytes", MaxMessageSize)
	}
	v, err := scope.Blocking(ctx, func(ctx context.Context) (any, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	})
	if err != nil {
		return "", fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	conn := v.(net.Conn)
	defer conn.Close()

	if err := write(ctx, conn, []byte(msg)); err != nil {
		return "", fmt.Errorf("could not send message: %w", err)
	}
	reply, err := read(ctx, conn)
	if err != nil {
		return "", fmt.Errorf("could not read reply: %w", err)
	}
	return string(reply), nil
}

// read waits on the peer outside the worker limit, so idle peers cannot
// take every worker.
func read(ctx context.Context, conn net.Conn) ([]byte, error) {
	v, err := scope.Blocking(ctx, func(ctx context.Context) (any, error) {
		stop := interruptOnDone(ctx, conn)
		defer stop()
		buf := make([]byte, MaxMessageSize)
		n, err := conn.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		return nil, err
	}, scope.Unbounded())
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func write(ctx context.Context, conn net.Conn, data []byte) error {
	_, err := scope.Blocking(ctx, func(ctx context.Context) (any, error) {
		stop := interruptOnDone(ctx, conn)
		defer stop()
		_, err := conn.Write(data)
		return nil, err
	})
	return err
}

// interruptOnDone unblocks pending I/O on conn once ctx is done.
func interruptOnDone(ctx context.Context, conn net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
}
