package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"gatewaybot/botd/internal/logging"
	"gatewaybot/botd/internal/transport"
)

// Sender issues the REST calls command handlers need: posting messages, the
// typing indicator and file uploads.
type Sender struct {
	apiBase string
	token   string
	client  transport.Client
	logger  *logging.Logger
}

// NewSender builds a sender against the platform REST API.
func NewSender(apiBase, token string, client transport.Client, logger *logging.Logger) *Sender {
	if logger == nil {
		logger = logging.L()
	}
	return &Sender{apiBase: apiBase, token: token, client: client, logger: logger}
}

func (s *Sender) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bot " + s.token,
		"User-Agent":    "botd",
	}
}

// PostMessage sends one text message to a channel.
func (s *Sender) PostMessage(ctx context.Context, channelID, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/channels/%s/messages", s.apiBase, channelID)
	resp, err := s.client.Do(ctx, http.MethodPost, url, s.headers(), body)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("post message to %s: status %d", channelID, resp.Status)
	}
	return nil
}

// Typing fires the typing indicator for a channel. Failures are logged only;
// the indicator is cosmetic.
func (s *Sender) Typing(ctx context.Context, channelID string) {
	url := fmt.Sprintf("%s/channels/%s/typing", s.apiBase, channelID)
	resp, err := s.client.Do(ctx, http.MethodPost, url, s.headers(), nil)
	if err != nil {
		s.logger.Debug("typing indicator failed", logging.Error(err))
		return
	}
	if !resp.Success() {
		s.logger.Debug("typing indicator rejected", logging.Int("status", resp.Status))
	}
}

// UploadFile posts content as an attached text file.
func (s *Sender) UploadFile(ctx context.Context, channelID, filename string, content []byte) error {
	url := fmt.Sprintf("%s/channels/%s/messages", s.apiBase, channelID)
	resp, err := s.client.Upload(ctx, url, s.headers(), "file", filename, content)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("upload %s to %s: status %d", filename, channelID, resp.Status)
	}
	return nil
}
