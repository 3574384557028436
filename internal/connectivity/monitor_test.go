package connectivity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedChecker struct {
	mu     sync.Mutex
	online bool
	err    error
}

func (c *scriptedChecker) Check(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online, c.err
}

func (c *scriptedChecker) set(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
}

func TestNewMonitor_InitialState(t *testing.T) {
	ctx := context.Background()

	assert.True(t, NewMonitor(ctx, nil, nil, nil, Options{}).Online(), "no checker assumes online")
	assert.False(t, NewMonitor(ctx, StaticChecker(false), nil, nil, Options{}).Online())
	assert.True(t, NewMonitor(ctx, &scriptedChecker{err: errors.New("no signal")}, nil, nil, Options{}).Online())
}

func TestMonitor_SetEmitsOncePerTransition(t *testing.T) {
	bus := events.NewEventBus()
	m := NewMonitor(context.Background(), StaticChecker(true), bus, nil, Options{})

	var got []bool
	unsubscribe := m.Subscribe(func(online bool) { got = append(got, online) })

	assert.False(t, m.Set(true))
	assert.True(t, m.Set(false))
	assert.False(t, m.Set(false))
	assert.True(t, m.Set(true))

	unsubscribe()
	m.Set(false)

	assert.Equal(t, []bool{false, true}, got)
	assert.False(t, m.Online())
}

func TestMonitor_ConcurrentSetKeepsEventOrder(t *testing.T) {
	m := NewMonitor(context.Background(), nil, nil, nil, Options{})

	var (
		mu   sync.Mutex
		seen []bool
	)
	m.Subscribe(func(online bool) {
		if !online {
			time.Sleep(50 * time.Microsecond)
		}
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.Set((i+g)%2 == 0)
			}
		}(g)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	prev := true
	for i, online := range seen {
		require.NotEqual(t, prev, online, "event %d repeats the previous state", i)
		prev = online
	}
	assert.Equal(t, m.Online(), prev)
}

func TestMonitor_StartPolls(t *testing.T) {
	checker := &scriptedChecker{online: true}
	m := NewMonitor(context.Background(), checker, nil, nil, Options{ProbeInterval: 5 * time.Millisecond})

	changed := make(chan bool, 4)
	m.Subscribe(func(online bool) { changed <- online })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	checker.set(false)
	select {
	case online := <-changed:
		assert.False(t, online)
	case <-time.After(time.Second):
		t.Fatal("expected offline transition")
	}

	cancel()
	<-done
}

func TestMonitor_StartWithoutChecker(t *testing.T) {
	m := NewMonitor(context.Background(), nil, nil, nil, Options{})
	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return without a checker")
	}
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	c := NewHTTPChecker(srv.URL, time.Second)
	online, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, online, "any HTTP response means reachable")

	srv.Close()
	online, err = c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, online)

	_, err = (&HTTPChecker{URL: "://bad"}).Check(context.Background())
	assert.Error(t, err)
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	c := &TCPChecker{Address: addr, Timeout: time.Second}
	online, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, online)

	ln.Close()
	online, err = c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, online)
}
