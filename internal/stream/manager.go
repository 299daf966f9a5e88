package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/observability"
	"github.com/desertthunder/deckctl/internal/progress"
	"github.com/desertthunder/deckctl/internal/shared"
	"github.com/gorilla/websocket"
)

const (
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultStableAfter          = 10 * time.Second

	closeWriteTimeout = time.Second
)

// State is the manager's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "idle"
	}
}

// EventHandler receives task frames in arrival order, one at a time.
type EventHandler func(models.ProgressEvent)

// Dialer opens WebSocket connections. [*websocket.Dialer] satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures a [Manager].
type Options struct {
	BaseURL              string // ws:// or wss:// origin of the push channel
	ClientID             string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	Dialer               Dialer // defaults to a [websocket.Dialer] with HandshakeTimeout
	HandshakeTimeout     time.Duration
	StableAfter          time.Duration // open time after which the reconnect budget refills
	Logger               *log.Logger
	Metrics              *observability.Metrics
}

// NewOptions builds [Options] from the stream section of the config.
func NewOptions(baseURL, clientID string, cfg shared.StreamConfig) Options {
	return Options{
		BaseURL:              baseURL,
		ClientID:             clientID,
		ReconnectDelay:       cfg.ReconnectDelay.Duration,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.HandshakeTimeout.Duration,
		StableAfter:          cfg.StableAfter.Duration,
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	baseURL     string
	clientID    string
	delay       time.Duration
	maxAttempts int
	stableAfter time.Duration
	dialer      Dialer
	logger      *log.Logger
	metrics     *observability.Metrics

	mu       sync.Mutex
	state    State
	taskID   string
	onEvent  EventHandler
	conn     *websocket.Conn
	gen      uint64 // bumped on every teardown; stale goroutines compare and bail
	attempts int
	openedAt time.Time
	timer    *time.Timer
}

func NewManager(opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectAttempts < 0 {
		opts.MaxReconnectAttempts = 0
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = DefaultStableAfter
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	if opts.Logger == nil {
		opts.Logger = shared.DiscardLogger()
	}

	return &Manager{
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		clientID:    opts.ClientID,
		delay:       opts.ReconnectDelay,
		maxAttempts: opts.MaxReconnectAttempts,
		stableAfter: opts.StableAfter,
		dialer:      opts.Dialer,
		logger:      shared.WithLogger(opts.Logger, "component", "stream"),
		metrics:     opts.Metrics,
	}
}

// TaskURL returns the push-channel URL for taskID.
func (m *Manager) TaskURL(taskID string) string {
	q := url.Values{}
	if m.clientID != "" {
		q.Set("client_id", m.clientID)
	}
	u := fmt.Sprintf("%s/api/v1/ws/tasks/%s", m.baseURL, url.PathEscape(taskID))
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// Connect attaches the manager to taskID and delivers its task frames to onEvent.
//
// Connecting to the task that is already Connecting or Open is a no-op. Any other association
// is torn down first, and no further events arrive from it. When the first dial fails the
// error is returned and a reconnect is still scheduled within the attempt budget.
func (m *Manager) Connect(ctx context.Context, taskID string, onEvent EventHandler) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("%w: task id is required", shared.ErrMissingArgument)
	}

	m.mu.Lock()
	if m.taskID == taskID && (m.state == StateConnecting || m.state == StateOpen) {
		m.mu.Unlock()
		m.logger.Debug("already attached", "task_id", taskID, "state", m.State())
		return nil
	}

	if m.taskID != "" && m.taskID != taskID {
		m.logger.Info("switching task", "from", m.taskID, "to", taskID)
	}
	m.teardownLocked()
	m.taskID = taskID
	m.onEvent = onEvent
	m.attempts = 0
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	return m.dial(ctx, gen)
}

// Disconnect cancels any pending reconnect, closes the connection and forgets the task.
// It is idempotent and safe to call from the Idle state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.taskID != "" {
		m.logger.Debug("disconnecting", "task_id", m.taskID)
	}
	m.teardownLocked()
	m.taskID = ""
	m.onEvent = nil
	m.attempts = 0
	m.state = StateIdle
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen
}

// CurrentTaskID returns the associated task, or "" when there is none.
//
// The association survives an exhausted reconnect budget so callers can reconnect to it.
func (m *Manager) CurrentTaskID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taskID
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PendingReconnect reports whether a reconnect timer is armed.
func (m *Manager) PendingReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// teardownLocked invalidates every goroutine of the current generation and releases the transport.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.conn != nil {
		deadline := time.Now().Add(closeWriteTimeout)
		_ = m.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	target := m.TaskURL(m.taskID)
	m.mu.Unlock()

	conn, resp, err := m.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	m.metrics.ObserveDial(err)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		if conn != nil {
			_ = conn.Close()
		}
		m.logger.Debug("dial superseded", "url", target)
		return nil
	}

	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: dial %s (%s): %v", shared.ErrStreamClosed, target, resp.Status, err)
		} else {
			err = fmt.Errorf("%w: dial %s: %v", shared.ErrStreamClosed, target, err)
		}
		m.logger.Warn("stream dial failed", "task_id", m.taskID, "err", err)
		m.scheduleReconnectLocked()
		return err
	}

	m.conn = conn
	m.openedAt = time.Now()
	m.state = StateOpen
	m.logger.Info("stream open", "task_id", m.taskID)
	go m.readLoop(conn, gen)
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}

		frame, err := progress.ParseFrame(data)
		if err != nil {
			m.metrics.ObserveFrame(observability.FrameMalformed)
			m.logger.Warn("dropping malformed frame", "err", err)
			continue
		}
		m.metrics.ObserveFrame(frame.Kind.String())
		if frame.Kind != progress.FrameTask {
			m.logger.Debug("skipping frame", "kind", frame.Kind, "type", frame.Type)
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		if frame.Event.TaskID != "" && frame.Event.TaskID != m.taskID {
			m.mu.Unlock()
			m.logger.Warn("frame for another task", "task_id", frame.Event.TaskID)
			continue
		}
		handler := m.onEvent
		m.mu.Unlock()

		if handler != nil {
			handler(frame.Event)
		}
	}
}

func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	// Backends replay the stored status on every open, so frames alone do not prove health.
	if time.Since(m.openedAt) >= m.stableAfter {
		m.attempts = 0
	}
	m.logger.Warn("stream closed unexpectedly", "task_id", m.taskID, "err", cause)
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.taskID == "" {
		m.state = StateIdle
		return
	}
	if m.attempts >= m.maxAttempts {
		m.state = StateIdle
		m.logger.Error("reconnect attempts exhausted", "task_id", m.taskID, "attempts", m.attempts)
		return
	}

	m.attempts++
	m.state = StateReconnecting
	m.metrics.ObserveReconnect()
	m.logger.Info("scheduling reconnect", "task_id", m.taskID, "attempt", m.attempts, "delay", m.delay)

	gen := m.gen
	m.timer = time.AfterFunc(m.delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = StateConnecting
	m.mu.Unlock()

	_ = m.dial(context.Background(), gen)
}
