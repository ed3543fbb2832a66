package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/clock"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Notices recorded in the error slot. They are shown to the driver as-is.
const (
	NoticeNoToken        = "No se encontró token de autenticación"
	NoticeTransport      = "Error de conexión con el servidor"
	NoticeDecode         = "Error al procesar respuesta del servidor"
	NoticeConnectionLost = "Conexión perdida, reconectando..."
	NoticeExhausted      = "No se pudo conectar después de varios intentos"
)

var (
	ErrNoToken          = errors.New("no authentication token available")
	ErrNotConnected     = errors.New("stream is not connected")
	ErrAlreadyConnected = errors.New("stream is already connecting or open")
	ErrClosed           = errors.New("stream was disconnected")
)

const (
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 5

	writeWait = 10 * time.Second
)

type TokenProvider interface {
	Token() string
}

type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

type Options struct {
	Endpoint             string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	Dialer               Dialer
	Clock                clock.Clock
	Logger               *zap.Logger

	// OnMessage, when set, is called from the read goroutine with every
	// decoded message after it became the last message.
	OnMessage func(models.StreamMessage)
}

type Stats struct {
	DialAttempts     int64 `json:"dial_attempts"`
	Connects         int64 `json:"connects"`
	Drops            int64 `json:"drops"`
	FramesSent       int64 `json:"frames_sent"`
	FramesDropped    int64 `json:"frames_dropped"`
	WriteErrors      int64 `json:"write_errors"`
	MessagesReceived int64 `json:"messages_received"`
	DecodeErrors     int64 `json:"decode_errors"`
	ServerErrors     int64 `json:"server_errors"`
	ErrorsRecorded   int64 `json:"errors_recorded"`
}

type Snapshot struct {
	SessionID         string                `json:"session_id"`
	State             State                 `json:"state"`
	ReconnectAttempts int                   `json:"reconnect_attempts"`
	LastError         string                `json:"last_error,omitempty"`
	LastErrorAt       *time.Time            `json:"last_error_at,omitempty"`
	LastMessage       *models.StreamMessage `json:"last_message,omitempty"`
	Stats             Stats                 `json:"stats"`
}

// Client owns one monitoring session: a single WebSocket connection that
// carries frames out and drowsiness reports back, reconnecting on drops
// within a fixed budget.
type Client struct {
	id     string
	tokens TokenProvider
	opts   Options
	clock  clock.Clock
	logger *zap.Logger

	mu sync.Mutex
	// generation changes on every Connect and Disconnect; callbacks from
	// an older generation are discarded.
	generation  uint64
	state       State
	attempts    int
	conn        Conn
	timer       *clock.Timer
	lastMessage *models.StreamMessage
	lastError   string
	errorAt     time.Time
	stats       Stats

	writeMu sync.Mutex
}

func NewClient(tokens TokenProvider, opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebSocketDialer(10*time.Second, 0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	id := uuid.NewString()
	return &Client{
		id:     id,
		tokens: tokens,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.With(zap.String("session_id", id)),
		state:  StateIdle,
	}
}

func (c *Client) ID() string { return c.id }

// Connect opens the stream with the current token. Without a token it
// records the auth-missing notice and dials nothing. A failed dial is
// reported and retried under the reconnect policy; the returned error is
// informational in that case.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateOpen:
		c.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	}

	token := c.tokens.Token()
	if token == "" {
		c.setErrorLocked(NoticeNoToken)
		c.mu.Unlock()
		c.logger.Warn("No authentication token, stream not connected")
		return ErrNoToken
	}

	c.generation++
	gen := c.generation
	c.attempts = 0
	c.state = StateConnecting
	c.mu.Unlock()

	return c.dial(ctx, gen, token)
}

func (c *Client) dial(ctx context.Context, gen uint64, token string) error {
	target, err := WithToken(c.opts.Endpoint, token)
	if err != nil {
		c.mu.Lock()
		if gen == c.generation {
			c.state = StateFailed
			c.setErrorLocked(NoticeTransport)
		}
		c.mu.Unlock()
		c.logger.Error("Invalid stream endpoint", zap.Error(err))
		return err
	}

	c.mu.Lock()
	if gen != c.generation || c.state != StateConnecting {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stats.DialAttempts++
	c.mu.Unlock()

	conn, err := c.opts.Dialer.Dial(ctx, target)

	c.mu.Lock()
	if gen != c.generation || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}

	if err != nil {
		c.setErrorLocked(NoticeTransport)
		c.scheduleReconnectLocked(gen)
		c.mu.Unlock()
		c.logger.Warn("Stream connection failed", zap.Error(err))
		return fmt.Errorf("connect stream: %w", err)
	}

	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.lastError = ""
	c.errorAt = time.Time{}
	c.stats.Connects++
	c.mu.Unlock()

	c.logger.Info("Stream connected", zap.String("endpoint", redact(target)))

	done := make(chan struct{})
	if c.opts.PingInterval > 0 {
		pongWait := 2 * c.opts.PingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.keepalive(conn, done)
	}
	go c.readLoop(gen, conn, done)

	return nil
}

// scheduleReconnectLocked arms the next retry, or gives up once the budget
// is spent. The counter only resets on a successful open.
func (c *Client) scheduleReconnectLocked(gen uint64) {
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.state = StateFailed
		c.timer = nil
		c.setErrorLocked(NoticeExhausted)
		c.logger.Error("Stream reconnect attempts exhausted",
			zap.Int("max_attempts", c.opts.MaxReconnectAttempts))
		return
	}

	c.attempts++
	c.state = StateConnecting
	attempt := c.attempts
	c.timer = c.clock.AfterFunc(c.opts.ReconnectDelay, func() {
		c.reconnect(gen, attempt)
	})

	c.logger.Info("Stream reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", c.opts.MaxReconnectAttempts),
		zap.Duration("delay", c.opts.ReconnectDelay))
}

func (c *Client) reconnect(gen uint64, attempt int) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil

	token := c.tokens.Token()
	if token == "" {
		c.state = StateFailed
		c.setErrorLocked(NoticeNoToken)
		c.mu.Unlock()
		c.logger.Warn("No authentication token, reconnect abandoned", zap.Int("attempt", attempt))
		return
	}
	c.mu.Unlock()

	c.logger.Info("Reconnecting stream", zap.Int("attempt", attempt))
	c.dial(context.Background(), gen, token)
}

func (c *Client) readLoop(gen uint64, conn Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			c.handleDrop(gen, conn, err)
			return
		}

		if msg, ok := c.handleMessage(gen, data); ok && c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}

func (c *Client) handleMessage(gen uint64, data []byte) (models.StreamMessage, bool) {
	var msg models.StreamMessage
	err := json.Unmarshal(data, &msg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return msg, false
	}
	c.stats.MessagesReceived++

	if err != nil {
		c.stats.DecodeErrors++
		c.setErrorLocked(NoticeDecode)
		c.logger.Warn("Failed to decode stream message", zap.Error(err), zap.Int("bytes", len(data)))
		return msg, false
	}

	c.lastMessage = &msg
	if msg.Error != "" {
		c.stats.ServerErrors++
		c.setErrorLocked(msg.Error)
		c.logger.Warn("Server reported an error", zap.String("error", msg.Error))
	}
	if problems := msg.Report.Consistent(); len(problems) > 0 {
		c.logger.Debug("Report counts and flags disagree", zap.Errors("problems", problems))
	}
	return msg, true
}

func (c *Client) handleDrop(gen uint64, conn Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.conn != conn {
		return
	}
	c.conn = nil
	c.stats.Drops++

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.setErrorLocked(NoticeTransport)
	}
	c.logger.Warn("Stream closed unexpectedly", zap.Error(err))

	c.scheduleReconnectLocked(gen)
}

func (c *Client) keepalive(conn Conn, done chan struct{}) {
	ticker := c.clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("Failed to send ping", zap.Error(err))
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// SendFrame transmits one encoded frame when the stream is open. Otherwise
// nothing is sent, the connection-lost notice is recorded and
// ErrNotConnected is returned; frames are never queued.
func (c *Client) SendFrame(payload string) error {
	c.mu.Lock()
	conn := c.conn
	if c.state != StateOpen || conn == nil {
		c.stats.FramesDropped++
		c.setErrorLocked(NoticeConnectionLost)
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteMessage(websocket.TextMessage, []byte(payload))
	c.writeMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.stats.WriteErrors++
		if c.conn == conn {
			c.setErrorLocked(NoticeTransport)
		}
		return fmt.Errorf("send frame: %w", err)
	}
	c.stats.FramesSent++
	return nil
}

// Disconnect closes the stream for good. A pending reconnect is cancelled
// and any callback already in flight is ignored.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	previous := c.state
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}

	c.logger.Info("Stream disconnected", zap.Stringer("previous_state", previous))
}

func (c *Client) setErrorLocked(notice string) {
	c.lastError = notice
	c.errorAt = c.clock.Now()
	c.stats.ErrorsRecorded++
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// LastMessage returns the most recent decoded message. Messages are never
// modified after they are stored.
func (c *Client) LastMessage() *models.StreamMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessage
}

func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := Snapshot{
		SessionID:         c.id,
		State:             c.state,
		ReconnectAttempts: c.attempts,
		LastError:         c.lastError,
		LastMessage:       c.lastMessage,
		Stats:             c.stats,
	}
	if !c.errorAt.IsZero() {
		at := c.errorAt
		snapshot.LastErrorAt = &at
	}
	return snapshot
}
