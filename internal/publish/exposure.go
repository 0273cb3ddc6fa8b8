package publish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Provider makes a local directory publicly fetchable for the duration a
// remote service needs to pull files from it. Each Expose call returns an
// independent lease so overlapping publish workflows do not share state.
type Provider interface {
	Expose(ctx context.Context, dir string) (*Lease, error)
}

// Lease is an active exposure. Teardown is idempotent and must be called on
// every exit path of the workflow that acquired it.
type Lease struct {
	BaseURL string

	once     sync.Once
	teardown func() error
}

// Teardown releases the exposure's server and tunnel
func (l *Lease) Teardown() error {
	var err error
	l.once.Do(func() {
		if l.teardown != nil {
			err = l.teardown()
		}
	})
	return err
}

// Tunnel maps a local listener address to a public base URL
type Tunnel interface {
	Connect(localAddr string) (string, error)
	Disconnect() error
}

// StaticTunnel assumes the local port is already reachable at a configured
// public URL (port forwarding, reverse proxy, or an externally managed
// tunnel process).
type StaticTunnel struct {
	PublicURL string
}

// Connect returns the configured public URL
func (t *StaticTunnel) Connect(localAddr string) (string, error) {
	if strings.TrimSpace(t.PublicURL) == "" {
		return "", errors.New("no public base URL configured")
	}
	return strings.TrimRight(t.PublicURL, "/"), nil
}

// Disconnect is a no-op for a static mapping
func (t *StaticTunnel) Disconnect() error {
	return nil
}

// LocalProvider serves a directory over a temporary local HTTP file server
// and publishes it through a Tunnel.
type LocalProvider struct {
	logger *zap.Logger
	port   int
	tunnel Tunnel
}

// NewLocalProvider creates a provider listening on the given port. Port 0
// picks an ephemeral port.
func NewLocalProvider(port int, tunnel Tunnel, logger *zap.Logger) *LocalProvider {
	return &LocalProvider{logger: logger, port: port, tunnel: tunnel}
}

// Expose starts a file server for dir and connects the tunnel
func (p *LocalProvider) Expose(ctx context.Context, dir string) (*Lease, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p.port))
	if err != nil {
		return nil, fmt.Errorf("failed to start file server listener: %w", err)
	}

	srv := &http.Server{Handler: http.FileServer(http.Dir(dir))}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("File server stopped unexpectedly", zap.Error(err))
		}
	}()

	publicURL, err := p.tunnel.Connect(ln.Addr().String())
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("failed to connect tunnel: %w", err)
	}

	p.logger.Info("Exposed directory",
		zap.String("dir", dir),
		zap.String("local_addr", ln.Addr().String()),
		zap.String("public_url", publicURL))

	return &Lease{
		BaseURL: publicURL,
		teardown: func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var errs []error
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("file server shutdown: %w", err))
			}
			if err := p.tunnel.Disconnect(); err != nil {
				errs = append(errs, fmt.Errorf("tunnel disconnect: %w", err))
			}
			p.logger.Info("Exposure torn down", zap.String("dir", dir))
			return errors.Join(errs...)
		},
	}, nil
}
