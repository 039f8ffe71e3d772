package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("onebot: not connected")

// OneBotConfig configures the OneBot v11 forward websocket client.
type OneBotConfig struct {
	URL            string
	AccessToken    string
	ReconnectDelay time.Duration
	ActionTimeout  time.Duration
}

// OneBotClient talks to a OneBot v11 implementation over its forward
// websocket. Events and action responses share the one connection.
type OneBotClient struct {
	cfg    OneBotConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan actionResponse
}

type frame struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	SelfID      int64           `json:"self_id"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`

	Echo    string          `json:"echo"`
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Wording string          `json:"wording"`
	Data    json.RawMessage `json:"data"`
}

type actionRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

type actionResponse struct {
	Status  string
	Retcode int
	Wording string
	Data    json.RawMessage
}

func NewOneBotClient(cfg OneBotConfig, logger zerolog.Logger) *OneBotClient {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 2 * time.Minute
	}
	return &OneBotClient{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger.With().Str("component", "onebot").Logger(),
		pending: make(map[string]chan actionResponse),
	}
}

// Run connects and reads events until ctx is cancelled, reconnecting after
// connection loss.
func (c *OneBotClient) Run(ctx context.Context, h Handler) error {
	for {
		err := c.runOnce(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *OneBotClient) runOnce(ctx context.Context, h Handler) error {
	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (HTTP %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	c.setConn(conn)
	defer c.setConn(nil)
	c.logger.Info().Str("url", c.cfg.URL).Msg("connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}
		c.dispatch(ctx, data, h)
	}
}

func (c *OneBotClient) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *OneBotClient) dispatch(ctx context.Context, data []byte, h Handler) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Debug().Err(err).Msg("ignoring undecodable frame")
		return
	}

	if f.PostType == "" && f.Echo != "" {
		c.resolvePending(f)
		return
	}
	if f.PostType != "message" {
		return
	}

	msg := &Message{
		SelfID:   f.SelfID,
		UserID:   f.UserID,
		GroupID:  f.GroupID,
		Segments: decodeSegments(f.Message, f.RawMessage),
	}
	switch f.MessageType {
	case "group":
		msg.Kind = KindGroup
	case "private":
		msg.Kind = KindPrivate
	default:
		return
	}
	// Handlers may call actions whose responses arrive on this read loop.
	go h(ctx, msg)
}

// decodeSegments accepts both the array and the string message formats.
func decodeSegments(raw json.RawMessage, fallback string) []Segment {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var segs []Segment
		if err := json.Unmarshal(trimmed, &segs); err == nil {
			return segs
		}
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return ParseCQString(s)
		}
	}
	if fallback != "" {
		return ParseCQString(fallback)
	}
	return nil
}

func (c *OneBotClient) resolvePending(f frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.Echo]
	delete(c.pending, f.Echo)
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- actionResponse{Status: f.Status, Retcode: f.Retcode, Wording: f.Wording, Data: f.Data}
}

// call sends an action and waits for the response carrying the same echo.
func (c *OneBotClient) call(ctx context.Context, action string, params any) (json.RawMessage, error) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	echo := uuid.NewString()
	ch := make(chan actionResponse, 1)
	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(actionRequest{Action: action, Params: params, Echo: echo})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s: write: %w", action, err)
	}

	timer := time.NewTimer(c.cfg.ActionTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Status != "ok" && resp.Status != "async" {
			return nil, fmt.Errorf("%s: status=%s retcode=%d %s", action, resp.Status, resp.Retcode, resp.Wording)
		}
		return resp.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: timed out after %s", action, c.cfg.ActionTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *OneBotClient) SendText(ctx context.Context, msg *Message, text string) error {
	segs := []Segment{TextSegment(text)}
	switch msg.Kind {
	case KindPrivate:
		_, err := c.call(ctx, "send_private_msg", map[string]any{"user_id": msg.UserID, "message": segs})
		return err
	case KindGroup:
		_, err := c.call(ctx, "send_group_msg", map[string]any{"group_id": msg.GroupID, "message": segs})
		return err
	}
	return fmt.Errorf("onebot: cannot reply to %s message", msg.Kind)
}

func (c *OneBotClient) SendGroupVideo(ctx context.Context, groupID int64, path, caption string) error {
	uri, err := fileURI(path)
	if err != nil {
		return err
	}
	segs := []Segment{
		{Type: SegmentVideo, Data: map[string]any{"file": uri}},
		TextSegment("\n" + caption),
	}
	_, err = c.call(ctx, "send_group_msg", map[string]any{"group_id": groupID, "message": segs})
	return err
}

func fileURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "file://" + p, nil
}

func (c *OneBotClient) Close() error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return conn.Close()
}
