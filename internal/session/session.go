// Package session tracks per-connection gateway state: the sequence
// high-water mark, session identity, heartbeat liveness and the reconnect
// backoff ledger that spans socket lifetimes.
package session

import (
	"math/rand"
	"sync"
	"time"
)

// State holds the mutable per-session bookkeeping shared between the read
// loop and the heartbeat timer.
type State struct {
	mu                  sync.Mutex
	seq                 uint64
	hasSeq              bool
	sessionID           string
	heartbeatInterval   time.Duration
	heartbeatAcked      bool
	resumable           bool
	invalidSessionCount int
}

// NewState returns empty session state for a fresh instance.
func NewState() *State {
	return &State{heartbeatAcked: true}
}

// ObserveSequence records a dispatch sequence number, keeping the highest
// value seen. Replays with lower numbers never move the mark backwards.
func (s *State) ObserveSequence(seq uint64) {
	s.mu.Lock()
	if !s.hasSeq || seq > s.seq {
		s.seq = seq
		s.hasSeq = true
	}
	s.mu.Unlock()
}

// Sequence returns the high-water mark and whether one has been observed.
func (s *State) Sequence() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, s.hasSeq
}

// SetSessionID records the identifier delivered by READY.
func (s *State) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// SessionID returns the recorded session identifier.
func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetHeartbeatInterval records the interval advertised by Hello.
func (s *State) SetHeartbeatInterval(interval time.Duration) {
	s.mu.Lock()
	s.heartbeatInterval = interval
	s.mu.Unlock()
}

// HeartbeatInterval returns the advertised heartbeat interval.
func (s *State) HeartbeatInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatInterval
}

// MarkHeartbeatSent clears the ack flag until the gateway answers.
func (s *State) MarkHeartbeatSent() {
	s.mu.Lock()
	s.heartbeatAcked = false
	s.mu.Unlock()
}

// MarkHeartbeatAcked records a heartbeat acknowledgement.
func (s *State) MarkHeartbeatAcked() {
	s.mu.Lock()
	s.heartbeatAcked = true
	s.mu.Unlock()
}

// HeartbeatAcked reports whether the last heartbeat was answered.
func (s *State) HeartbeatAcked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatAcked
}

// SetResumable flips the resume eligibility flag. It turns true once an
// Identify has been sent and false when the gateway rejects the session.
func (s *State) SetResumable(resumable bool) {
	s.mu.Lock()
	s.resumable = resumable
	s.mu.Unlock()
}

// Resumable reports whether the next connection should attempt a Resume.
func (s *State) Resumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumable
}

// RecordInvalidSession notes an Invalid Session frame. When the frame is not
// resumable the stored identity is discarded. The return value reports
// whether the credential itself is now suspect: repeated invalidations with
// no session identity ever granted mean the token is almost certainly bad,
// and the instance should halt instead of hammering the gateway.
func (s *State) RecordInvalidSession(resumable bool) (suspectCredential bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidSessionCount++
	s.resumable = resumable
	if !resumable {
		s.sessionID = ""
		s.hasSeq = false
		s.seq = 0
	}
	return s.invalidSessionCount > 1 && s.sessionID == ""
}

// InvalidSessionCount returns the number of Invalid Session frames seen.
func (s *State) InvalidSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidSessionCount
}

// Reconnect tracks dial attempts and backoff windows across socket
// lifetimes. Attempts reset whenever a socket opens; failures reset only once
// a session authenticates, so flapping connections keep lengthening the
// backoff.
type Reconnect struct {
	mu           sync.Mutex
	attempts     int
	failures     int
	timeoutUntil time.Time
	rng          *rand.Rand
}

// Dial bursts longer than this many ticks without a socket open impose a
// backoff window.
const dialBurstLimit = 3

// NewReconnect returns a reconnect ledger seeded for backoff jitter.
func NewReconnect(seed int64) *Reconnect {
	return &Reconnect{rng: rand.New(rand.NewSource(seed))}
}

// ShouldDial decides whether this connect tick may dial. Inside a backoff
// window it returns false. Once a dial burst exceeds the limit a new window
// opens, sized by a random 60..240 second base scaled by the failure count.
func (r *Reconnect) ShouldDial(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Before(r.timeoutUntil) {
		return false
	}
	if r.attempts >= dialBurstLimit {
		r.failures++
		base := time.Duration(60+r.rng.Intn(181)) * time.Second
		r.timeoutUntil = now.Add(base * time.Duration(r.failures))
		r.attempts = 0
		return false
	}
	r.attempts++
	return true
}

// OnSocketOpen resets the dial burst after a successful connection.
func (r *Reconnect) OnSocketOpen() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// OnAuthenticated clears both counters once READY or RESUMED arrives.
func (r *Reconnect) OnAuthenticated() {
	r.mu.Lock()
	r.attempts = 0
	r.failures = 0
	r.mu.Unlock()
}

// Failures reports consecutive unauthenticated connection cycles.
func (r *Reconnect) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// BackoffUntil reports the end of the active backoff window, if any.
func (r *Reconnect) BackoffUntil() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeoutUntil, !r.timeoutUntil.IsZero()
}
