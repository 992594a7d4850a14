// Package envelope parses the gateway wire format: JSON frames tagged with an
// integer opcode, an optional sequence number, an optional event name and an
// opaque payload. Every decoded frame also carries the content hashes used for
// ingress deduplication and dispatch matching.
package envelope

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Gateway opcodes consumed by the state machine.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatAck   = 11
)

// Dispatch event names with built-in behaviour.
const (
	EventReady          = "READY"
	EventResumed        = "RESUMED"
	EventMessageCreate  = "MESSAGE_CREATE"
	EventPresenceUpdate = "PRESENCE_UPDATE"
	EventGuildCreate    = "GUILD_CREATE"
	EventMemberJoined   = "GUILD_MEMBER_ADD"
)

// CompletionUnhandled marks an event that matched no registration at all.
const CompletionUnhandled = 3

// Hash is the fixed-size digest used for dedup and dispatch matching.
type Hash [sha256.Size]byte

// CommandHash derives the dispatch hash for a command name and opcode. The
// same derivation guards registrations and decoded events, so a match is a
// byte comparison.
func CommandHash(name string, op int) Hash {
	return sha256.Sum256([]byte(fmt.Sprintf("%s+%d", name, op)))
}

// Event is one decoded gateway frame. The wire-derived fields are immutable
// after Parse; the handled flags and completion count mutate while the event
// moves through the inbound queue.
type Event struct {
	Raw       []byte
	Op        int
	Seq       uint64
	HasSeq    bool
	Name      string
	Payload   json.RawMessage
	Body      string
	ChannelID string
	UserToken string
	CreatedAt time.Time

	ContentHash  Hash
	ProtocolHash Hash
	UserHash     Hash
	HasUserCmd   bool

	HandledProtocol bool
	HandledUser     bool
	Completions     int
}

type frame struct {
	Op  int             `json:"op"`
	Seq *uint64         `json:"s"`
	T   *string         `json:"t"`
	D   json.RawMessage `json:"d"`
}

type dispatchBody struct {
	Content   string `json:"content"`
	ChannelID string `json:"channel_id"`
}

// Parse decodes a raw frame into an Event. A malformed frame still yields a
// usable event (zero opcode, empty name, hashes over the raw text) together
// with the decode error, so callers can log and keep the pipeline moving.
func Parse(raw []byte, now time.Time) (*Event, error) {
	ev := &Event{
		Raw:       append([]byte(nil), raw...),
		CreatedAt: now,
	}

	var f frame
	err := json.Unmarshal(raw, &f)
	if err == nil {
		ev.Op = f.Op
		if f.Seq != nil {
			ev.Seq = *f.Seq
			ev.HasSeq = true
		}
		if f.T != nil {
			ev.Name = *f.T
		}
		if len(f.D) > 0 {
			ev.Payload = append(json.RawMessage(nil), f.D...)
			// Missing keys decode to empty values rather than failing the envelope.
			var body dispatchBody
			if jerr := json.Unmarshal(f.D, &body); jerr == nil {
				ev.Body = body.Content
				ev.ChannelID = body.ChannelID
			}
		}
	}

	ev.UserToken = firstToken(ev.Body)
	ev.HasUserCmd = ev.Op == OpDispatch && ev.Name == EventMessageCreate && ev.UserToken != ""

	ev.ContentHash = sha256.Sum256(ev.Raw)
	ev.ProtocolHash = CommandHash(ev.Name, ev.Op)
	if ev.HasUserCmd {
		ev.UserHash = CommandHash(ev.UserToken, ev.Op)
	}

	if err != nil {
		return ev, fmt.Errorf("decode frame: %w", err)
	}
	return ev, nil
}

// firstToken returns the lower-cased first whitespace-delimited token.
func firstToken(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return ""
	}
	if idx := strings.IndexAny(trimmed, " \t"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.ToLower(trimmed)
}

// Clone returns an independent copy for ownership transfer out of the queue.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Raw = append([]byte(nil), e.Raw...)
	clone.Payload = append(json.RawMessage(nil), e.Payload...)
	return &clone
}

// MarkProtocolHandled satisfies the protocol obligation exactly once.
func (e *Event) MarkProtocolHandled() bool {
	if e.HandledProtocol {
		return false
	}
	e.HandledProtocol = true
	e.bumpCompletions()
	return true
}

// MarkUserHandled satisfies the user-command obligation exactly once.
func (e *Event) MarkUserHandled() bool {
	if e.HandledUser {
		return false
	}
	e.HandledUser = true
	e.bumpCompletions()
	return true
}

// MarkUnhandled retires an event that matched no registration.
func (e *Event) MarkUnhandled() {
	e.Completions = CompletionUnhandled
}

func (e *Event) bumpCompletions() {
	if e.Completions < CompletionUnhandled {
		e.Completions++
	}
}

// Discharged reports whether the event's obligations are fully satisfied: a
// user-originated event needs only its user obligation, any other event needs
// only its protocol obligation.
func (e *Event) Discharged() bool {
	if e.HasUserCmd {
		return e.HandledUser
	}
	return e.HandledProtocol
}

// Arguments returns the message body after the command token, with runs of
// whitespace collapsed.
func (e *Event) Arguments() string {
	fields := strings.Fields(e.Body)
	if len(fields) < 2 {
		return ""
	}
	return strings.Join(fields[1:], " ")
}

// HeartbeatInterval extracts the advertised interval from a Hello payload.
func (e *Event) HeartbeatInterval() (time.Duration, bool) {
	var d struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(e.Payload, &d); err != nil || d.HeartbeatInterval <= 0 {
		return 0, false
	}
	return time.Duration(d.HeartbeatInterval) * time.Millisecond, true
}

// ResumableFlag extracts the boolean payload of an Invalid Session frame.
func (e *Event) ResumableFlag() bool {
	var resumable bool
	if err := json.Unmarshal(e.Payload, &resumable); err != nil {
		return false
	}
	return resumable
}

// SessionID extracts the session identifier from a READY payload.
func (e *Event) SessionID() string {
	var d struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return ""
	}
	return d.SessionID
}

// HeartbeatFrame builds the periodic `{op:1, d:seq}` control frame.
func HeartbeatFrame(seq uint64) []byte {
	data, _ := json.Marshal(map[string]any{"op": OpHeartbeat, "d": seq})
	return data
}

// IdentifyFrame builds the fresh-session authentication frame.
func IdentifyFrame(token string) []byte {
	data, _ := json.Marshal(map[string]any{
		"op": OpIdentify,
		"d": map[string]any{
			"token": token,
			"properties": map[string]string{
				"$os":      "linux",
				"$browser": "botd",
				"$device":  "botd",
			},
		},
	})
	return data
}

// ResumeFrame builds the session-replay authentication frame.
func ResumeFrame(token, sessionID string, seq uint64) []byte {
	data, _ := json.Marshal(map[string]any{
		"op": OpResume,
		"d": map[string]any{
			"token":      token,
			"session_id": sessionID,
			"seq":        seq,
		},
	})
	return data
}
