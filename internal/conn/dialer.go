package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"zoneclient/internal/protocol"
	"zoneclient/internal/transport"
)

// Dialer opens Connections. The zero value dials the default transport with
// the default timeouts and retry budget.
type Dialer struct {
	// Transport names a registered transport. Ignored when Dial is set.
	Transport string
	// Dial overrides the transport registry.
	Dial transport.DialFunc
	Path string

	DialTimeout  time.Duration
	CallTimeout  time.Duration
	CloseTimeout time.Duration

	// ManifestAttempts bounds handle resolution while the server reports its
	// manifest as not ready. Attempt n waits n*ManifestRetryStep before retrying.
	ManifestAttempts  int
	ManifestRetryStep time.Duration

	Logger *log.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

const (
	defaultDialTimeout       = 5 * time.Second
	defaultCallTimeout       = 2 * time.Second
	defaultCloseTimeout      = time.Second
	defaultManifestAttempts  = 10
	defaultManifestRetryStep = 300 * time.Millisecond
)

func (d *Dialer) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.New(io.Discard, "", 0)
}

func (d *Dialer) dialFunc() (transport.DialFunc, error) {
	if d.Dial != nil {
		return d.Dial, nil
	}
	name := d.Transport
	if name == "" {
		name = transport.Default
	}
	dial, ok := transport.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", name)
	}
	return dial, nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Connect establishes a connection to server and resolves its handle. The
// returned Connection is in the Connected state. On failure the transport is
// closed and the error is a *Error of kind KindConnection, KindTimeout or
// KindManifestNotReady.
func (d *Dialer) Connect(ctx context.Context, server protocol.ServerDescriptor) (*Connection, error) {
	c := newConnection(server, orDefault(d.CallTimeout, defaultCallTimeout), orDefault(d.CloseTimeout, defaultCloseTimeout))
	c.setState(Connecting, nil)

	dial, err := d.dialFunc()
	if err != nil {
		c.setState(Failed, nil)
		return nil, c.fail("connect", KindConnection, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, orDefault(d.DialTimeout, defaultDialTimeout))
	caller, err := dial(dialCtx, server.Addr(), transport.Options{
		DialTimeout: orDefault(d.DialTimeout, defaultDialTimeout),
		CallTimeout: c.callTimeout,
		Path:        d.Path,
	})
	cancel()
	if err != nil {
		c.setState(Failed, nil)
		kind := KindConnection
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, c.fail("connect", kind, err)
	}

	c.mu.Lock()
	c.caller = caller
	c.state = Connected
	c.mu.Unlock()

	if err := d.resolve(ctx, c); err != nil {
		c.setState(Failed, err)
		if cerr := c.Close(); cerr != nil {
			d.logger().Printf("close %s after failed resolve: %v", server.ServerID, cerr)
		}
		c.setState(Failed, nil)
		return nil, err
	}
	return c, nil
}

// resolve waits for the server to publish its manifest. Only a not-ready
// answer is retried; anything else fails immediately.
func (d *Dialer) resolve(ctx context.Context, c *Connection) error {
	attempts := d.ManifestAttempts
	if attempts <= 0 {
		attempts = defaultManifestAttempts
	}
	step := orDefault(d.ManifestRetryStep, defaultManifestRetryStep)
	sleep := d.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := c.AvailableZones(ctx)
		if err == nil {
			return nil
		}
		if !IsKind(err, KindManifestNotReady) {
			return err
		}
		last = err
		if attempt == attempts {
			break
		}
		d.logger().Printf("server %s manifest not ready (attempt %d/%d)", c.server.ServerID, attempt, attempts)
		if err := sleep(ctx, time.Duration(attempt)*step); err != nil {
			return c.fail("resolve", KindConnection, err)
		}
	}
	return c.fail("resolve", KindManifestNotReady, fmt.Errorf("gave up after %d attempts: %w", attempts, last))
}
