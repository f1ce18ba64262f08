// Package collector implements the Collector Listener: a small TCP server
// that accepts the local collectd-style line protocol and feeds each line
// into a per-connection Derivation Engine.
package collector

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vitaliisemenov/hostagent/internal/derivation"
	"github.com/vitaliisemenov/hostagent/internal/metric"
)

const (
	acceptTimeout  = time.Second
	readBufferSize = 4096
)

// Getter is the Sample Cache read side the Derivation Engine needs to
// resolve queued aggregate dependencies.
type Getter interface {
	Get(key metric.Key) (metric.Sample, bool)
}

// Sink receives the samples produced from one collector line (or one
// end-of-batch queue resolution) for onward processing by the Threshold
// Engine and Sample Cache.
type Sink func(samples []metric.Sample)

// Listener accepts connections on addr and feeds their lines through a
// fresh Derivation Engine per connection, since the engine's queue/tick
// state is inherently sequential and connections don't share ordering.
type Listener struct {
	addr      string
	newEngine func() *derivation.Engine
	cache     Getter
	sink      Sink
	logger    *slog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	boundAddr net.Addr
}

// New creates a Listener. newEngine must return a fresh *derivation.Engine
// configured identically each time (it carries no shared state across
// connections).
func New(addr string, newEngine func() *derivation.Engine, cache Getter, sink Sink, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		addr:      addr,
		newEngine: newEngine,
		cache:     cache,
		sink:      sink,
		logger:    logger.With("component", "collector_listener"),
	}
}

// Run binds addr and serves until ctx is cancelled. The accept loop polls
// ctx every acceptTimeout so shutdown is responsive without needing to
// close the listener from another goroutine.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	l.mu.Lock()
	l.boundAddr = ln.Addr()
	l.mu.Unlock()

	l.logger.Info("collector listener bound", "addr", ln.Addr().String())

	tcpLn, _ := ln.(*net.TCPListener)

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return nil
		default:
		}

		if tcpLn != nil {
			_ = tcpLn.SetDeadline(time.Now().Add(acceptTimeout))
		}

		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				l.wg.Wait()
				return nil
			}
			l.logger.Warn("accept failed", "error", err)
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads 4KiB chunks from conn, splits on newlines, buffers any
// trailing partial line across reads, and feeds each complete line to a
// connection-scoped Derivation Engine.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	engine := l.newEngine()
	reader := bufio.NewReaderSize(conn, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(acceptTimeout))
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			trimmed := trimNewline(line)
			if trimmed != "" {
				emitted, feedErr := engine.Feed(trimmed, l.cache)
				if feedErr != nil {
					l.logger.Debug("derivation feed error", "error", feedErr)
				}
				if len(emitted) > 0 && l.sink != nil {
					l.sink(emitted)
				}
			}
		}

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			final := engine.EndOfBatch(l.cache, time.Now())
			if len(final) > 0 && l.sink != nil {
				l.sink(final)
			}
			return
		}
	}
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}

// Shutdown waits for in-flight connection handlers to return. Run's ctx
// cancellation is what actually tells them to stop; this just joins.
func (l *Listener) Shutdown() {
	l.wg.Wait()
}

// Addr returns the bound listener address, or nil if Run hasn't bound yet.
// Exists mainly so tests can dial a listener bound on an ephemeral port.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boundAddr
}
