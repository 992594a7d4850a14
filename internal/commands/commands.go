// Package commands holds the built-in handler set every bot instance
// registers at startup: protocol hooks that keep user bookkeeping current and
// the user-facing $ commands.
package commands

import (
	"encoding/json"
	"sync"
	"time"

	"gatewaybot/botd/internal/dispatch"
	"gatewaybot/botd/internal/envelope"
	"gatewaybot/botd/internal/logging"
	"gatewaybot/botd/internal/transport"
)

const (
	// MaxCharsPerPost is the platform's hard message length limit.
	MaxCharsPerPost = 2000
	// MaxPosts caps how many messages one command reply may span.
	MaxPosts = 7
	// DefaultPosts is the reply span used when the user gives no override.
	DefaultPosts = 4

	requestTimeout = 15 * time.Second
)

// Config wires one command set.
type Config struct {
	BotName   string
	Token     string
	APIBase   string
	PriceURL  string
	SearchURL string
	Dir       string
	Client    transport.Client
	Logger    *logging.Logger
}

// Set is the per-instance command state: presence bookkeeping and the paged
// search cursors.
type Set struct {
	cfg    Config
	logger *logging.Logger
	sender *Sender

	usersMu sync.Mutex
	users   map[string]User

	searchMu sync.Mutex
	cursors  map[string]*searchCursor
}

// User is the presence record kept per observed user.
type User struct {
	ID       string
	Name     string
	Status   string
	LastSeen time.Time
}

// New builds the command set.
func New(cfg Config) *Set {
	if cfg.Logger == nil {
		cfg.Logger = logging.L()
	}
	s := &Set{
		cfg:     cfg,
		logger:  cfg.Logger.With(logging.String("bot", cfg.BotName)),
		users:   make(map[string]User),
		cursors: make(map[string]*searchCursor),
	}
	s.sender = NewSender(cfg.APIBase, cfg.Token, cfg.Client, s.logger)
	s.loadCursors()
	return s
}

// Sender exposes the REST helper, mainly for tests.
func (s *Set) Sender() *Sender { return s.sender }

// Register wires every built-in handler into the registry.
func (s *Set) Register(reg *dispatch.Registry) error {
	protocol := []struct {
		name    string
		handler dispatch.Handler
	}{
		{envelope.EventReady, s.onReady},
		{envelope.EventMessageCreate, s.onMessage},
		{envelope.EventPresenceUpdate, s.onPresence},
		{envelope.EventMemberJoined, s.onMemberJoined},
	}
	for _, p := range protocol {
		if err := reg.RegisterProtocol(p.name, envelope.OpDispatch, p.handler); err != nil {
			return err
		}
	}

	user := []struct {
		token   string
		handler dispatch.Handler
	}{
		{"$price", s.onPrice},
		{"$search", s.onSearch},
		{"$searchnext", s.onSearchNext},
		{"$searchconfig", s.onSearchConfig},
		{"$fetch", s.onFetch},
	}
	for _, u := range user {
		if err := reg.RegisterUser(u.token, u.handler); err != nil {
			return err
		}
	}
	return nil
}

type author struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (s *Set) onReady(ev *envelope.Event) error {
	s.logger.Info("instance ready", logging.String("session", ev.SessionID()))
	return nil
}

func (s *Set) onMessage(ev *envelope.Event) error {
	var d struct {
		Author author `json:"author"`
	}
	if err := json.Unmarshal(ev.Payload, &d); err != nil || d.Author.ID == "" {
		return nil
	}
	s.recordUser(d.Author.ID, d.Author.Username, "online", ev.CreatedAt)
	s.logger.Debug("message observed",
		logging.String("user", d.Author.Username),
		logging.String("channel", ev.ChannelID))
	return nil
}

func (s *Set) onPresence(ev *envelope.Event) error {
	var d struct {
		User   author `json:"user"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(ev.Payload, &d); err != nil || d.User.ID == "" {
		return nil
	}
	s.recordUser(d.User.ID, d.User.Username, d.Status, ev.CreatedAt)
	return nil
}

func (s *Set) onMemberJoined(ev *envelope.Event) error {
	var d struct {
		User author `json:"user"`
	}
	if err := json.Unmarshal(ev.Payload, &d); err != nil || d.User.ID == "" {
		return nil
	}
	s.recordUser(d.User.ID, d.User.Username, "online", ev.CreatedAt)
	s.logger.Info("member joined", logging.String("user", d.User.Username))
	return nil
}

func (s *Set) recordUser(id, name, status string, at time.Time) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	user := s.users[id]
	user.ID = id
	if name != "" {
		user.Name = name
	}
	if status != "" {
		user.Status = status
	}
	user.LastSeen = at
	s.users[id] = user
}

// UserByID returns the presence record for a user, if any was observed.
func (s *Set) UserByID(id string) (User, bool) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	user, ok := s.users[id]
	return user, ok
}

// UserCount returns the number of observed users.
func (s *Set) UserCount() int {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	return len(s.users)
}
