package collector

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/hostagent/internal/derivation"
	"github.com/vitaliisemenov/hostagent/internal/metric"
)

type noopCache struct{}

func (noopCache) Get(metric.Key) (metric.Sample, bool) { return metric.Sample{}, false }

func waitForAddr(t *testing.T, l *Listener) net.Addr {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := l.Addr(); a != nil {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("listener never bound")
	return nil
}

func TestListener_FeedsCompleteLines(t *testing.T) {
	var mu sync.Mutex
	var received []metric.Sample

	sink := func(samples []metric.Sample) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, samples...)
	}

	l := New("127.0.0.1:0", func() *derivation.Engine {
		return derivation.New(nil, "", nil, false, nil)
	}, noopCache{}, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runErr error
	done := make(chan struct{})
	go func() {
		runErr = l.Run(ctx)
		close(done)
	}()

	addr := waitForAddr(t, l)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	_, err = conn.Write([]byte("host.users.users 3 1000\n"))
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "users_logged", received[0].Measurement)
	assert.Equal(t, 3.0, received[0].Value)
	mu.Unlock()

	cancel()
	<-done
	require.NoError(t, runErr)
}

func TestListener_BuffersPartialLineAcrossWrites(t *testing.T) {
	var mu sync.Mutex
	var received []metric.Sample

	sink := func(samples []metric.Sample) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, samples...)
	}

	l := New("127.0.0.1:0", func() *derivation.Engine {
		return derivation.New(nil, "", nil, false, nil)
	}, noopCache{}, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	addr := waitForAddr(t, l)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	_, err = conn.Write([]byte("host.users.use"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte("rs 7 2000\n"))
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "users_logged", received[0].Measurement)
	assert.Equal(t, 7.0, received[0].Value)
	mu.Unlock()

	cancel()
	<-done
}

func TestListener_ShutsDownOnContextCancel(t *testing.T) {
	l := New("127.0.0.1:0", func() *derivation.Engine {
		return derivation.New(nil, "", nil, false, nil)
	}, noopCache{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	waitForAddr(t, l)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not shut down after context cancel")
	}
}
