package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutor-voice-lab/internal/codec"
	"github.com/tutor-voice-lab/internal/logging"
)

// DefaultWebsocketURL is the public Live endpoint of the Gemini API.
const DefaultWebsocketURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const (
	writeTimeout = 5 * time.Second
	setupTimeout = 15 * time.Second
	pingInterval = 30 * time.Second
)

// WebsocketDialer speaks the Live JSON protocol directly. It is used with
// proxies and self-hosted gateways that expose the same wire format.
type WebsocketDialer struct {
	// URL of the endpoint; DefaultWebsocketURL when empty. http(s) schemes are
	// rewritten to ws(s).
	URL string
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) endpoint(apiKey string) (string, error) {
	raw := d.URL
	if raw == "" {
		raw = DefaultWebsocketURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if apiKey != "" {
		q := u.Query()
		if q.Get("key") == "" {
			q.Set("key", apiKey)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// Dial connects, sends the setup message and waits for setupComplete.
func (d WebsocketDialer) Dial(ctx context.Context, s Setup) (Channel, error) {
	endpoint, err := d.endpoint(s.APIKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrChannel, err)
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrChannel, err)
	}
	c := &wsChannel{conn: conn, closed: make(chan struct{}), onMalformed: s.OnMalformed}

	if err := c.writeJSON(ctx, newSetup(s)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: send setup: %v", ErrChannel, err)
	}
	if err := c.awaitSetup(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.keepAlive()
	logging.Infow("live: websocket session opened", "host", conn.RemoteAddr().String(), "model", s.Model)
	return c, nil
}

type wsChannel struct {
	conn        *websocket.Conn
	onMalformed func()

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsChannel) awaitSetup(ctx context.Context) error {
	deadline := time.Now().Add(setupTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	for {
		msg, err := c.read()
		if dropMalformed(err, c.onMalformed) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: await setup: %v", ErrChannel, err)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func (c *wsChannel) read() (*serverMessage, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}

func (c *wsChannel) writeJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	return c.conn.WriteJSON(payload)
}

func (c *wsChannel) SendAudio(ctx context.Context, chunk codec.Chunk) error {
	msg := clientRealtimeInput{RealtimeInput: realtimeInput{
		MediaChunks: []blobJSON{{MIMEType: chunk.MIMEType(), Data: chunk.Base64()}},
	}}
	return classify(c.writeJSON(ctx, msg))
}

func (c *wsChannel) Receive(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := c.read()
		if dropMalformed(err, c.onMalformed) {
			continue
		}
		if err != nil {
			select {
			case <-c.closed:
				return nil, fmt.Errorf("%w: %v", ErrClosed, err)
			default:
			}
			return nil, classify(err)
		}
		if msg.GoAway != nil {
			logging.Warnw("live: server going away", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent == nil {
			continue
		}
		out := msg.ServerContent.toMessage()
		if out.Empty() {
			continue
		}
		return out, nil
	}
}

func (c *wsChannel) keepAlive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logging.Debugw("live: ping failed", "error", err)
			}
		}
	}
}

// Close sends a normal closure frame and releases the connection.
func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
