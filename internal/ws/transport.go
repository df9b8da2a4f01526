package ws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// wsConn адаптирует *websocket.Conn к Conn. Сообщения передаются текстовыми кадрами.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, p []byte) error {
	return w.c.Write(ctx, websocket.MessageText, p)
}

// Close рвёт соединение без рукопожатия закрытия: клиент ушёл или не успевает читать.
func (w wsConn) Close() error {
	return w.c.CloseNow()
}

// Accept выполняет WebSocket-рукопожатие. originPatterns == ["*"] отключает проверку Origin.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string) (Conn, error) {
	opts := &websocket.AcceptOptions{OriginPatterns: originPatterns}
	if len(originPatterns) == 1 && originPatterns[0] == "*" {
		opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	return wsConn{c: c}, nil
}
