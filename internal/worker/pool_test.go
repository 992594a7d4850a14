package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gatewaybot/botd/internal/dispatch"
	"gatewaybot/botd/internal/envelope"
	"gatewaybot/botd/internal/logging"
	"gatewaybot/botd/internal/queue"
)

func parse(t *testing.T, raw string) *envelope.Event {
	t.Helper()
	ev, err := envelope.Parse([]byte(raw), time.Now())
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return ev
}

func TestPoolSizeFloorsAtOne(t *testing.T) {
	if got := PoolSize(0); got < 1 {
		t.Fatalf("pool size must be at least one, got %d", got)
	}
	if got := PoolSize(1 << 16); got != 1 {
		t.Fatalf("oversubscribed instances must still get one worker, got %d", got)
	}
}

func TestPoolExecutesHandlersAtMostOnce(t *testing.T) {
	var pings, messages atomic.Int64

	reg := dispatch.NewRegistry()
	if err := reg.RegisterProtocol(envelope.EventMessageCreate, envelope.OpDispatch, func(*envelope.Event) error {
		messages.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register protocol: %v", err)
	}
	if err := reg.RegisterUser("$ping", func(ev *envelope.Event) error {
		if !ev.HandledUser {
			return errors.New("handler must receive the marked copy")
		}
		pings.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register user: %v", err)
	}
	reg.Seal()

	q := queue.New()
	pool := New(q, reg, 4, logging.NewTestLogger())
	pool.Start()

	const events = 16
	for i := 0; i < events; i++ {
		raw := fmt.Sprintf(`{"op":0,"s":%d,"t":"MESSAGE_CREATE","d":{"content":"$ping run %d","channel_id":"c"}}`, i+1, i)
		if !q.Enqueue(parse(t, raw)) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for q.CompletedLen() < events && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	q.Close()
	pool.Wait()

	if got := pings.Load(); got != events {
		t.Fatalf("expected %d ping executions, got %d", events, got)
	}
	if got := messages.Load(); got != events {
		t.Fatalf("expected %d protocol executions, got %d", events, got)
	}
	if q.CompletedLen() != events {
		t.Fatalf("expected %d completed events, got %d", events, q.CompletedLen())
	}
}

func TestPoolSurvivesHandlerErrors(t *testing.T) {
	var calls atomic.Int64
	reg := dispatch.NewRegistry()
	if err := reg.RegisterProtocol(envelope.EventReady, envelope.OpDispatch, func(*envelope.Event) error {
		calls.Add(1)
		return errors.New("downstream unavailable")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()

	q := queue.New()
	pool := New(q, reg, 2, logging.NewTestLogger())
	pool.Start()

	q.Enqueue(parse(t, `{"op":0,"t":"READY","d":{"session_id":"a"}}`))
	q.Enqueue(parse(t, `{"op":0,"t":"READY","d":{"session_id":"b"}}`))

	deadline := time.Now().Add(2 * time.Second)
	for q.CompletedLen() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	q.Close()
	pool.Wait()

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected both events handled despite errors, got %d", got)
	}
}

func TestPoolWorkersExitOnClose(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Seal()

	q := queue.New()
	pool := New(q, reg, 3, logging.NewTestLogger())
	pool.Start()

	var done sync.WaitGroup
	done.Add(1)
	go func() {
		defer done.Done()
		pool.Wait()
	}()

	q.Close()

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("workers did not exit after close")
	}
}
