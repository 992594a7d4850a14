package dispatch

import (
	"strings"
	"testing"
	"time"

	"gatewaybot/botd/internal/envelope"
)

func noop(*envelope.Event) error { return nil }

func parse(t *testing.T, raw string) *envelope.Event {
	t.Helper()
	ev, err := envelope.Parse([]byte(raw), time.Now())
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return ev
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterProtocol(envelope.EventReady, envelope.OpDispatch, noop); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	err := reg.RegisterProtocol(envelope.EventReady, envelope.OpDispatch, noop)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if reg.ProtocolCount() != 1 {
		t.Fatalf("expected single registration, got %d", reg.ProtocolCount())
	}
}

func TestRegisterRejectsNilHandler(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterUser("$ping", nil); err == nil {
		t.Fatalf("expected nil-handler rejection")
	}
}

func TestSealPreventsFurtherRegistration(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterUser("$ping", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()
	reg.Seal() // idempotent
	if !reg.Sealed() {
		t.Fatalf("registry should report sealed")
	}
	if err := reg.RegisterUser("$pong", noop); err == nil {
		t.Fatalf("expected registration rejection after seal")
	}
	if reg.UserCount() != 1 {
		t.Fatalf("expected single user registration, got %d", reg.UserCount())
	}
}

func TestMatchPrefersProtocolObligation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterProtocol(envelope.EventMessageCreate, envelope.OpDispatch, noop); err != nil {
		t.Fatalf("register protocol: %v", err)
	}
	if err := reg.RegisterUser("$ping", noop); err != nil {
		t.Fatalf("register user: %v", err)
	}
	reg.Seal()

	ev := parse(t, `{"op":0,"t":"MESSAGE_CREATE","d":{"content":"$ping"}}`)

	first, ok := reg.Match(ev)
	if !ok || first.IsUserCommand {
		t.Fatalf("expected protocol match first, got %+v (ok=%v)", first, ok)
	}
	ev.MarkProtocolHandled()

	second, ok := reg.Match(ev)
	if !ok || !second.IsUserCommand || second.Name != "$ping" {
		t.Fatalf("expected user match second, got %+v (ok=%v)", second, ok)
	}
	ev.MarkUserHandled()

	if _, ok := reg.Match(ev); ok {
		t.Fatalf("fully handled event must not match again")
	}
}

func TestMatchIgnoresUnregisteredEvents(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterProtocol(envelope.EventReady, envelope.OpDispatch, noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()

	ev := parse(t, `{"op":0,"t":"TYPING_START","d":{}}`)
	if reg.Matchable(ev) {
		t.Fatalf("unregistered event must not be matchable")
	}
}

func TestUserCommandWithoutProtocolHandler(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterUser("$ping", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()

	ev := parse(t, `{"op":0,"t":"MESSAGE_CREATE","d":{"content":"$PING now"}}`)
	match, ok := reg.Match(ev)
	if !ok || !match.IsUserCommand {
		t.Fatalf("expected user match when no protocol handler exists, got ok=%v", ok)
	}
}
