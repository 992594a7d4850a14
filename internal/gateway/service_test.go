package gateway

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gatewaybot/botd/internal/envelope"
	"gatewaybot/botd/internal/logging"
	"gatewaybot/botd/internal/queue"
)

// stubSocket records every written frame and never delivers reads.
type stubSocket struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (s *stubSocket) ReadMessage() ([]byte, error) {
	select {}
}

func (s *stubSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

func (s *stubSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSocket) frames(t *testing.T) []*envelope.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*envelope.Event, 0, len(s.writes))
	for _, raw := range s.writes {
		ev, err := envelope.Parse(raw, time.Now())
		if err != nil {
			t.Fatalf("service wrote malformed frame %s: %v", raw, err)
		}
		out = append(out, ev)
	}
	return out
}

func newTestService(t *testing.T, sock *stubSocket) (*Service, *queue.Queue) {
	t.Helper()
	q := queue.New()
	svc := NewService(Config{
		Name:   "tester",
		Token:  "tok-123",
		URL:    "wss://gateway.invalid/?v=7&encoding=json",
		Queue:  q,
		Logger: logging.NewTestLogger(),
		Clock:  time.Now,
	})
	svc.mu.Lock()
	svc.sock = sock
	svc.mu.Unlock()
	t.Cleanup(svc.teardown)
	return svc, q
}

func TestHelloTriggersIdentify(t *testing.T) {
	sock := &stubSocket{}
	svc, q := newTestService(t, sock)

	svc.handleFrame([]byte(`{"op":10,"d":{"heartbeat_interval":45000}}`))

	frames := sock.frames(t)
	if len(frames) != 1 || frames[0].Op != envelope.OpIdentify {
		t.Fatalf("expected a single identify frame, got %d frames", len(frames))
	}
	var identify struct {
		D struct {
			Token      string            `json:"token"`
			Properties map[string]string `json:"properties"`
		} `json:"d"`
	}
	if err := json.Unmarshal(frames[0].Raw, &identify); err != nil {
		t.Fatalf("decode identify: %v", err)
	}
	if identify.D.Token != "tok-123" {
		t.Fatalf("identify must carry the credential, got %q", identify.D.Token)
	}
	if identify.D.Properties["$os"] == "" {
		t.Fatalf("identify must carry connection properties")
	}

	if !svc.State().Resumable() {
		t.Fatalf("identify must arm session resumption")
	}
	if svc.State().HeartbeatInterval() != 45*time.Second {
		t.Fatalf("unexpected heartbeat interval %v", svc.State().HeartbeatInterval())
	}
	if q.Len() != 1 {
		t.Fatalf("hello frame must still be enqueued, pending %d", q.Len())
	}
}

func TestHelloAfterReadyTriggersResume(t *testing.T) {
	sock := &stubSocket{}
	svc, _ := newTestService(t, sock)

	svc.handleFrame([]byte(`{"op":10,"d":{"heartbeat_interval":45000}}`))
	svc.handleFrame([]byte(`{"op":0,"s":1,"t":"READY","d":{"session_id":"sess-9"}}`))
	svc.handleFrame([]byte(`{"op":0,"s":8,"t":"MESSAGE_CREATE","d":{"content":"hi"}}`))

	// Simulate a reconnect delivering a fresh Hello.
	svc.stopHeartbeat()
	svc.handleFrame([]byte(`{"op":10,"d":{"heartbeat_interval":45000}}`))

	frames := sock.frames(t)
	last := frames[len(frames)-1]
	if last.Op != envelope.OpResume {
		t.Fatalf("expected resume after prior identify, got op %d", last.Op)
	}
	var resume struct {
		D struct {
			Token     string `json:"token"`
			SessionID string `json:"session_id"`
			Seq       uint64 `json:"seq"`
		} `json:"d"`
	}
	if err := json.Unmarshal(last.Raw, &resume); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if resume.D.SessionID != "sess-9" || resume.D.Seq != 8 {
		t.Fatalf("resume must replay session identity and sequence, got %+v", resume.D)
	}
}

func TestHeartbeatTimerEmitsFrames(t *testing.T) {
	sock := &stubSocket{}
	svc, _ := newTestService(t, sock)

	// 1100ms interval beats every 100ms after the one second lead.
	svc.handleFrame([]byte(`{"op":10,"d":{"heartbeat_interval":1100}}`))
	svc.handleFrame([]byte(`{"op":0,"s":21,"t":"MESSAGE_CREATE","d":{"content":"x"}}`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range sock.frames(t) {
			if ev.Op != envelope.OpHeartbeat {
				continue
			}
			var beat struct {
				D uint64 `json:"d"`
			}
			if err := json.Unmarshal(ev.Raw, &beat); err != nil {
				t.Fatalf("decode heartbeat: %v", err)
			}
			if beat.D != 21 {
				t.Fatalf("heartbeat must carry the sequence mark, got %d", beat.D)
			}
			// The sent flag lands just after the write; poll briefly.
			flagDeadline := time.Now().Add(time.Second)
			for svc.State().HeartbeatAcked() && time.Now().Before(flagDeadline) {
				time.Sleep(time.Millisecond)
			}
			if svc.State().HeartbeatAcked() {
				t.Fatalf("pending heartbeat must clear the ack flag")
			}
			// Stop the timer and let any in-flight tick drain so a late beat
			// cannot clear the flag again under the assertion.
			svc.stopHeartbeat()
			time.Sleep(150 * time.Millisecond)
			svc.handleFrame([]byte(`{"op":11}`))
			if !svc.State().HeartbeatAcked() {
				t.Fatalf("ack frame must restore the flag")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no heartbeat observed before deadline")
}

func TestServerHeartbeatRequestAnsweredImmediately(t *testing.T) {
	sock := &stubSocket{}
	svc, _ := newTestService(t, sock)

	svc.handleFrame([]byte(`{"op":0,"s":3,"t":"MESSAGE_CREATE","d":{"content":"x"}}`))
	svc.handleFrame([]byte(`{"op":1,"d":null}`))

	frames := sock.frames(t)
	if len(frames) != 1 || frames[0].Op != envelope.OpHeartbeat {
		t.Fatalf("expected an immediate heartbeat reply, got %d frames", len(frames))
	}
}

func TestInvalidSessionEscalatesToHalt(t *testing.T) {
	sock := &stubSocket{}
	svc, _ := newTestService(t, sock)

	svc.handleFrame([]byte(`{"op":9,"d":false}`))
	if svc.Halted() {
		t.Fatalf("single invalidation must not halt the instance")
	}

	svc.mu.Lock()
	svc.sock = sock
	svc.mu.Unlock()
	svc.handleFrame([]byte(`{"op":9,"d":false}`))
	if !svc.Halted() {
		t.Fatalf("repeated invalidation with no identity must halt the instance")
	}
	if !sock.closed {
		t.Fatalf("halt must drop the socket")
	}
}

func TestEveryFrameIsEnqueued(t *testing.T) {
	sock := &stubSocket{}
	svc, q := newTestService(t, sock)

	inputs := []string{
		`{"op":10,"d":{"heartbeat_interval":45000}}`,
		`{"op":0,"s":1,"t":"READY","d":{"session_id":"s"}}`,
		`{"op":11}`,
		`{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{"content":"$ping"}}`,
	}
	for _, raw := range inputs {
		svc.handleFrame([]byte(raw))
	}
	if q.Len() != len(inputs) {
		t.Fatalf("expected %d enqueued frames, got %d", len(inputs), q.Len())
	}

	// The identical frame again is a duplicate and must be dropped.
	svc.handleFrame([]byte(`{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{"content":"$ping"}}`))
	if q.Len() != len(inputs) {
		t.Fatalf("duplicate frame must not grow the queue, got %d", q.Len())
	}
}

func TestSuspendDropsSocketAndKeepsState(t *testing.T) {
	sock := &stubSocket{}
	svc, _ := newTestService(t, sock)

	svc.handleFrame([]byte(`{"op":0,"s":4,"t":"READY","d":{"session_id":"sess-2"}}`))
	svc.Suspend()

	if !sock.closed {
		t.Fatalf("suspend must close the socket")
	}
	if svc.connected() {
		t.Fatalf("suspend must clear the connection")
	}
	if svc.State().SessionID() != "sess-2" {
		t.Fatalf("suspend must preserve session identity")
	}

	svc.Resume()
	if svc.suspended.Load() {
		t.Fatalf("resume must re-enable dialing")
	}
}
