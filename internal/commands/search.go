package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gatewaybot/botd/internal/envelope"
	"gatewaybot/botd/internal/logging"
)

const cursorsFile = "searchqueries.json"

type searchResult struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

// searchCursor is the paged result state kept per channel. It is persisted so
// $searchnext keeps working across restarts.
type searchCursor struct {
	Query               string         `json:"query"`
	Results             []searchResult `json:"results"`
	Index               int            `json:"index"`
	ResultsPerMessage   int            `json:"results_per_message"`
	MessagesPerResponse int            `json:"messages_per_response"`
}

func (c *searchCursor) normalize() {
	if c.ResultsPerMessage < 1 {
		c.ResultsPerMessage = 1
	}
	if c.MessagesPerResponse < 1 {
		c.MessagesPerResponse = 1
	}
}

// page renders up to MessagesPerResponse messages starting at the cursor
// index without advancing it.
func (c *searchCursor) page() []string {
	c.normalize()
	var messages []string
	at := c.Index
	for m := 0; m < c.MessagesPerResponse && at < len(c.Results); m++ {
		var lines []string
		for r := 0; r < c.ResultsPerMessage && at < len(c.Results); r++ {
			lines = append(lines, fmt.Sprintf("%s\n%s", c.Results[at].Title, c.Results[at].Link))
			at++
		}
		messages = append(messages, strings.Join(lines, "\n\n"))
	}
	return messages
}

// advance moves the index past one rendered page.
func (c *searchCursor) advance() {
	c.normalize()
	c.Index += c.ResultsPerMessage * c.MessagesPerResponse
	if c.Index > len(c.Results) {
		c.Index = len(c.Results)
	}
}

// onSearch runs a fresh text search and posts the first page of results.
func (s *Set) onSearch(ev *envelope.Event) error {
	query := ev.Arguments()
	if query == "" {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return s.sender.PostMessage(ctx, ev.ChannelID, "Usage: $search [query]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	s.sender.Typing(ctx, ev.ChannelID)

	resp, err := s.cfg.Client.Do(ctx, http.MethodGet,
		s.cfg.SearchURL+url.QueryEscape(query), nil, nil)
	if err != nil {
		return fmt.Errorf("search %q: %w", query, err)
	}
	if !resp.Success() {
		return fmt.Errorf("search %q: status %d", query, resp.Status)
	}

	var payload struct {
		Items []searchResult `json:"items"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return fmt.Errorf("decode search results: %w", err)
	}
	if len(payload.Items) == 0 {
		return s.sender.PostMessage(ctx, ev.ChannelID, fmt.Sprintf("No results for %q", query))
	}

	s.searchMu.Lock()
	cursor, ok := s.cursors[ev.ChannelID]
	if !ok {
		cursor = &searchCursor{}
		s.cursors[ev.ChannelID] = cursor
	}
	cursor.Query = query
	cursor.Results = payload.Items
	cursor.Index = 0
	cursor.normalize()
	messages := cursor.page()
	cursor.advance()
	s.searchMu.Unlock()
	s.saveCursors()

	s.logger.Debug("search answered",
		logging.String("channel", ev.ChannelID),
		logging.Int("results", len(payload.Items)))
	return s.postAll(ctx, ev.ChannelID, messages)
}

// onSearchNext posts the next page of the channel's active query.
func (s *Set) onSearchNext(ev *envelope.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	s.searchMu.Lock()
	cursor, ok := s.cursors[ev.ChannelID]
	if !ok || len(cursor.Results) == 0 {
		s.searchMu.Unlock()
		return s.sender.PostMessage(ctx, ev.ChannelID,
			"You haven't made a query yet... Type: $search [query] first!")
	}
	if cursor.Index >= len(cursor.Results) {
		query := cursor.Query
		s.searchMu.Unlock()
		return s.sender.PostMessage(ctx, ev.ChannelID,
			fmt.Sprintf("No more results for %q", query))
	}
	messages := cursor.page()
	cursor.advance()
	s.searchMu.Unlock()
	s.saveCursors()

	return s.postAll(ctx, ev.ChannelID, messages)
}

// onSearchConfig adjusts the channel's paging limits, e.g.
// `$searchconfig results 3 messages 2`.
func (s *Set) onSearchConfig(ev *envelope.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	fields := strings.Fields(ev.Body)
	results, messages := 0, 0
	for i := 1; i < len(fields)-1; i++ {
		value, err := strconv.Atoi(fields[i+1])
		if err != nil || value < 1 {
			continue
		}
		switch strings.ToLower(fields[i]) {
		case "results":
			results = value
		case "messages":
			messages = value
		}
	}
	if results == 0 && messages == 0 {
		return s.sender.PostMessage(ctx, ev.ChannelID,
			"Usage: $searchconfig results [n] messages [n]")
	}

	s.searchMu.Lock()
	cursor, ok := s.cursors[ev.ChannelID]
	if !ok {
		cursor = &searchCursor{}
		s.cursors[ev.ChannelID] = cursor
	}
	cursor.normalize()
	if results > 0 {
		cursor.ResultsPerMessage = results
	}
	if messages > 0 {
		cursor.MessagesPerResponse = messages
	}
	reply := fmt.Sprintf("New results per message limit: %d and messages per response limit: %d",
		cursor.ResultsPerMessage, cursor.MessagesPerResponse)
	s.searchMu.Unlock()
	s.saveCursors()

	return s.sender.PostMessage(ctx, ev.ChannelID, reply)
}

func (s *Set) postAll(ctx context.Context, channelID string, messages []string) error {
	for _, message := range messages {
		if err := s.sender.PostMessage(ctx, channelID, message); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) cursorsPath() string {
	return filepath.Join(s.cfg.Dir, cursorsFile)
}

func (s *Set) loadCursors() {
	if s.cfg.Dir == "" {
		return
	}
	data, err := os.ReadFile(s.cursorsPath())
	if err != nil {
		return
	}
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	if err := json.Unmarshal(data, &s.cursors); err != nil {
		s.logger.Warn("discarding unreadable search cursors", logging.Error(err))
		s.cursors = make(map[string]*searchCursor)
	}
}

func (s *Set) saveCursors() {
	if s.cfg.Dir == "" {
		return
	}
	s.searchMu.Lock()
	data, err := json.Marshal(s.cursors)
	s.searchMu.Unlock()
	if err != nil {
		return
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		s.logger.Warn("cursor persistence failed", logging.Error(err))
		return
	}
	if err := os.WriteFile(s.cursorsPath(), data, 0o644); err != nil {
		s.logger.Warn("cursor persistence failed", logging.Error(err))
	}
}
