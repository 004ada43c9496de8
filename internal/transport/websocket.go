package transport

import (
	"context"

	"github.com/gorilla/websocket"
)

// wsSocket adapts a gorilla/websocket connection to the Socket interface.
type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, url string) (Socket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsSocket{conn: conn}, nil
}
