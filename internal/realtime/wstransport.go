package realtime

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/pliu/livechat/internal/models"
)

const (
	// DefaultPath is where the relay accepts room connections.
	DefaultPath = "/rtc"

	writeWait = 10 * time.Second
)

// WebSocketTransport dials the relay's websocket endpoint, passing the room
// credential as the access_token query parameter.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
	Path   string
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{Dialer: websocket.DefaultDialer, Path: DefaultPath}
}

func (t *WebSocketTransport) Dial(ctx context.Context, serverURL, token string) (Conn, error) {
	target, err := RoomURL(serverURL, t.Path, token)
	if err != nil {
		return nil, err
	}

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", serverURL, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", serverURL)
	}
	return &wsConn{ws: ws}, nil
}

// RoomURL maps the server URL onto the websocket endpoint: http becomes ws,
// https becomes wss, and the credential is appended as access_token.
func RoomURL(serverURL, path, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse server url %q", serverURL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsConn struct {
	ws *websocket.Conn

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

func (c *wsConn) Publish(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Receive() (Packet, error) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return Packet{}, err
		}
		var pkt models.DataPacket
		if err := json.Unmarshal(raw, &pkt); err != nil {
			// not a relay frame, skip it
			continue
		}
		return Packet{Sender: pkt.Sender, Data: pkt.Payload}, nil
	}
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
