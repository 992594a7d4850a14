package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the minimal connection surface the service needs. The production
// implementation wraps a gorilla websocket connection; tests substitute an
// in-memory pipe.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens sockets against the gateway endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// NewDialer returns a websocket dialer with a bounded handshake timeout.
func NewDialer() Dialer {
	return &websocketDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}}
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

func (d *websocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsSocket{conn: conn}, nil
}

// wsSocket serialises writes; gorilla connections allow one concurrent writer
// and the heartbeat timer races the read-loop replies without this.
type wsSocket struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}
