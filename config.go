// Package faktory is a client library for the Faktory background-job
// server: it multiplexes request/reply command exchanges over a single
// duplex TCP (or TLS) stream, performs the salted-hash HI/HELLO handshake,
// and transparently reconnects with linear backoff on socket failure.
package faktory

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/faktory-go/client/internal/envcfg"
	"github.com/faktory-go/client/internal/proto"
)

// ErrInvalidConfig wraps every construction-time validation failure.
var ErrInvalidConfig = errors.New("faktory: invalid config")

// Config holds everything needed to dial, authenticate, and maintain a
// Faktory session. It is immutable once passed to NewClient: validate once,
// at construction, not on every use.
type Config struct {
	Host     string
	Port     int
	Password string
	Labels   []string
	WorkerID string

	// ReconnectLimit caps how many consecutive reconnect attempts the engine
	// makes after an unexpected disconnect before giving up.
	ReconnectLimit int
	// ReconnectBaseDelay is the unit of the linear backoff: attempt N waits
	// ReconnectBaseDelay * N before redialing.
	ReconnectBaseDelay time.Duration
	// IdleTimeout bounds how long the read loop waits for a frame before
	// logging a soft warning and retrying; it is not a fatal timeout.
	IdleTimeout time.Duration

	TLSConfig *tls.Config
}

// DefaultConfig returns a Config with every documented default applied and
// Host/Port pointed at a local Faktory instance.
func DefaultConfig() Config {
	return Config{
		Host:               "localhost",
		Port:               proto.DefaultPort,
		ReconnectLimit:     2,
		ReconnectBaseDelay: 2000 * time.Millisecond,
		IdleTimeout:        20000 * time.Millisecond,
	}
}

// FromEnv resolves Host/Port/Password from FAKTORY_PROVIDER/FAKTORY_URL (see
// internal/envcfg) and merges them onto DefaultConfig. lookup is typically
// os.LookupEnv; it is threaded through explicitly so callers (and tests)
// never depend on hidden global state.
func FromEnv(lookup func(key string) (string, bool)) (Config, error) {
	resolved, err := envcfg.FromEnv(lookup)
	if err != nil {
		return Config{}, fmt.Errorf("faktory: resolve env config: %w", err)
	}
	cfg := DefaultConfig()
	cfg.Host = resolved.Host
	cfg.Port = resolved.Port
	cfg.Password = resolved.Password
	return cfg, nil
}

// validate checks for contradictory or missing required fields. It never
// touches the network.
func (c Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: Host is required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: Port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.ReconnectLimit < 0 {
		return fmt.Errorf("%w: ReconnectLimit must be >= 0", ErrInvalidConfig)
	}
	if c.ReconnectBaseDelay < 0 {
		return fmt.Errorf("%w: ReconnectBaseDelay must be >= 0", ErrInvalidConfig)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("%w: IdleTimeout must be >= 0", ErrInvalidConfig)
	}
	return nil
}
