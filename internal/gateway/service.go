// Package gateway drives the websocket state machine for one bot instance:
// dialing with backoff, the Hello handshake, heartbeats, session resumption
// and feeding every received frame into the inbound queue.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gatewaybot/botd/internal/envelope"
	"gatewaybot/botd/internal/logging"
	"gatewaybot/botd/internal/queue"
	"gatewaybot/botd/internal/session"
)

// Config wires one gateway service.
type Config struct {
	Name            string
	Token           string
	URL             string
	ConnectInterval time.Duration
	Queue           *queue.Queue
	Logger          *logging.Logger
	Dialer          Dialer
	Clock           func() time.Time
	BackoffSeed     int64
}

// Service owns the connection lifecycle for a single credential. All frames
// it receives are enqueued for the worker pool; the protocol reactions the
// state machine itself needs (handshake, heartbeat, resume, invalidation)
// happen inline on the read loop.
type Service struct {
	name    string
	token   string
	url     string
	tick    time.Duration
	queue   *queue.Queue
	logger  *logging.Logger
	dialer  Dialer
	clock   func() time.Time
	state   *session.State
	backoff *session.Reconnect

	mu   sync.Mutex
	sock Socket

	heartbeatMu   sync.Mutex
	heartbeatStop chan struct{}

	suspended atomic.Bool
	halted    atomic.Bool
	haltOnce  sync.Once
}

// NewService builds a service from its configuration, filling in production
// defaults for the dialer and clock.
func NewService(cfg Config) *Service {
	if cfg.Dialer == nil {
		cfg.Dialer = NewDialer()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.L()
	}
	if cfg.ConnectInterval <= 0 {
		cfg.ConnectInterval = 3 * time.Second
	}
	return &Service{
		name:    cfg.Name,
		token:   cfg.Token,
		url:     cfg.URL,
		tick:    cfg.ConnectInterval,
		queue:   cfg.Queue,
		logger:  cfg.Logger.With(logging.String("bot", cfg.Name)),
		dialer:  cfg.Dialer,
		clock:   cfg.Clock,
		state:   session.NewState(),
		backoff: session.NewReconnect(cfg.BackoffSeed),
	}
}

// State exposes the session bookkeeping, mainly for diagnostics and tests.
func (s *Service) State() *session.State { return s.state }

// Halted reports whether the instance shut itself down over a bad credential.
func (s *Service) Halted() bool { return s.halted.Load() }

// Suspend drops the current connection and stops future dials until Resume.
// Session state survives, so a later Resume can replay the session.
func (s *Service) Suspend() {
	s.suspended.Store(true)
	s.dropSocket()
}

// Resume re-enables dialing after a Suspend.
func (s *Service) Resume() {
	s.suspended.Store(false)
}

// Run drives the connect ticker until the context is cancelled or the
// instance halts.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.halted.Load() {
				return
			}
			s.connectTick(ctx)
		}
	}
}

func (s *Service) connectTick(ctx context.Context) {
	if s.url == "" || s.suspended.Load() || s.connected() {
		return
	}
	if !s.backoff.ShouldDial(s.clock()) {
		return
	}

	sock, err := s.dialer.Dial(ctx, s.url)
	if err != nil {
		s.logger.Warn("gateway dial failed", logging.Error(err))
		return
	}

	s.mu.Lock()
	s.sock = sock
	s.mu.Unlock()
	s.backoff.OnSocketOpen()
	s.logger.Info("gateway socket open")

	go s.readLoop(sock)
}

func (s *Service) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock != nil
}

func (s *Service) dropSocket() {
	s.mu.Lock()
	sock := s.sock
	s.sock = nil
	s.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
	s.stopHeartbeat()
}

func (s *Service) readLoop(sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			s.logger.Warn("gateway read ended", logging.Error(err))
			s.mu.Lock()
			if s.sock == sock {
				s.sock = nil
			}
			s.mu.Unlock()
			s.stopHeartbeat()
			return
		}
		s.handleFrame(data)
	}
}

func (s *Service) handleFrame(raw []byte) {
	ev, err := envelope.Parse(raw, s.clock())
	if err != nil {
		s.logger.Warn("malformed gateway frame", logging.Error(err))
	}

	//1.- Any frame carrying a sequence number moves the mark, before the
	// opcode-specific handling runs.
	if ev.HasSeq {
		s.state.ObserveSequence(ev.Seq)
	}

	switch ev.Op {
	case envelope.OpHello:
		s.onHello(ev)
	case envelope.OpDispatch:
		s.onDispatch(ev)
	case envelope.OpHeartbeat:
		//2.- The gateway may demand an immediate heartbeat outside the timer.
		s.sendHeartbeat()
	case envelope.OpHeartbeatAck:
		s.state.MarkHeartbeatAcked()
	case envelope.OpInvalidSession:
		s.onInvalidSession(ev)
	}

	if !s.queue.Enqueue(ev) {
		s.logger.Debug("duplicate frame dropped", logging.Int("op", ev.Op), logging.String("event", ev.Name))
	}
}

func (s *Service) onHello(ev *envelope.Event) {
	interval, ok := ev.HeartbeatInterval()
	if !ok {
		s.logger.Warn("hello frame without heartbeat interval")
		return
	}
	s.state.SetHeartbeatInterval(interval)

	if s.state.Resumable() && s.state.SessionID() != "" {
		seq, _ := s.state.Sequence()
		s.logger.Info("resuming session",
			logging.String("session", s.state.SessionID()),
			logging.Uint64("seq", seq))
		s.send(envelope.ResumeFrame(s.token, s.state.SessionID(), seq))
	} else {
		s.logger.Info("identifying")
		s.send(envelope.IdentifyFrame(s.token))
		//1.- Identify sent: from here on a dropped socket is worth a resume try.
		s.state.SetResumable(true)
	}

	s.startHeartbeat(interval)
}

func (s *Service) onDispatch(ev *envelope.Event) {
	switch ev.Name {
	case envelope.EventReady:
		s.state.SetSessionID(ev.SessionID())
		s.backoff.OnAuthenticated()
		s.logger.Info("session ready", logging.String("session", ev.SessionID()))
	case envelope.EventResumed:
		s.backoff.OnAuthenticated()
		s.logger.Info("session resumed")
	}
}

func (s *Service) onInvalidSession(ev *envelope.Event) {
	resumable := ev.ResumableFlag()
	suspect := s.state.RecordInvalidSession(resumable)
	if suspect {
		//1.- Exactly one fatal diagnostic for the instance, then stop dialing.
		s.haltOnce.Do(func() {
			s.halted.Store(true)
			s.logger.Error("credential repeatedly rejected, halting instance",
				logging.Int("invalidations", s.state.InvalidSessionCount()))
		})
		s.dropSocket()
		return
	}
	s.logger.Warn("session invalidated", logging.Bool("resumable", resumable))
	//2.- Recycle the socket; the next Hello drives identify or resume.
	s.dropSocket()
}

func (s *Service) startHeartbeat(interval time.Duration) {
	//1.- Beat one second ahead of the advertised interval so the gateway never
	// sees us late.
	period := interval - time.Second
	if period <= 0 {
		period = interval
	}

	s.heartbeatMu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop
	s.heartbeatMu.Unlock()

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !s.state.HeartbeatAcked() {
					s.logger.Warn("heartbeat not acknowledged")
				}
				s.sendHeartbeat()
			}
		}
	}()
}

func (s *Service) stopHeartbeat() {
	s.heartbeatMu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.heartbeatMu.Unlock()
}

func (s *Service) sendHeartbeat() {
	seq, _ := s.state.Sequence()
	if s.send(envelope.HeartbeatFrame(seq)) {
		s.state.MarkHeartbeatSent()
	}
}

func (s *Service) send(frame []byte) bool {
	s.mu.Lock()
	sock := s.sock
	s.mu.Unlock()
	if sock == nil {
		return false
	}
	if err := sock.WriteMessage(frame); err != nil {
		s.logger.Warn("gateway write failed", logging.Error(err))
		return false
	}
	return true
}

func (s *Service) teardown() {
	s.dropSocket()
}
