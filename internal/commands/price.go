package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"gatewaybot/botd/internal/envelope"
	"gatewaybot/botd/internal/logging"
)

const satoshisPerCoin = 100_000_000

// onPrice answers $price with the current BTC/USD quote and its satoshi
// equivalent.
func (s *Set) onPrice(ev *envelope.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := s.cfg.Client.Do(ctx, http.MethodGet, s.cfg.PriceURL, nil, nil)
	if err != nil {
		return fmt.Errorf("price lookup: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("price lookup: status %d", resp.Status)
	}

	var quote struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(resp.Body, &quote); err != nil {
		return fmt.Errorf("decode price quote: %w", err)
	}
	usdPerCoin, err := strconv.ParseFloat(quote.Last, 64)
	if err != nil {
		return fmt.Errorf("parse price %q: %w", quote.Last, err)
	}

	usdPerSatoshi := usdPerCoin / satoshisPerCoin
	reply := fmt.Sprintf("Current price: BTC 1.0 == %d satoshis == $%.2f (1 satoshi == $%.8f)",
		satoshisPerCoin, usdPerCoin, usdPerSatoshi)

	s.logger.Debug("price answered", logging.String("channel", ev.ChannelID))
	return s.sender.PostMessage(ctx, ev.ChannelID, reply)
}
