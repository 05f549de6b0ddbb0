package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/stylestream/internal/shared"
	"github.com/gorilla/websocket"
)

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultMaxMessageSize = 16 * 1024 * 1024
	DefaultFragmentSize   = 64 * 1024
	DefaultSendQueueSize  = 64
	DefaultEventQueueSize = 256
)

var ErrSendBufferFull = errors.New("send buffer full")

type Config struct {
	Header         http.Header
	DialTimeout    time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	FragmentSize   int
	SendQueueSize  int
	EventQueueSize int
}

func (c *Config) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.PongWait == 0 {
		c.PongWait = DefaultPongWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.FragmentSize <= 0 {
		c.FragmentSize = DefaultFragmentSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = DefaultEventQueueSize
	}
}

type outbound struct {
	messageType int
	data        []byte
	final       bool
}

// WebSocket implements Transport over gorilla/websocket. Connect dials in
// the background and reports the outcome through Events; it never retries.
type WebSocket struct {
	cfg    Config
	logger *slog.Logger

	events chan Event
	send   chan outbound

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	conn       *websocket.Conn
	connecting bool
	connected  bool
	closed     bool

	done       chan struct{}
	closeOnce  sync.Once
	closedOnce sync.Once
}

func NewWebSocket(cfg Config, logger *slog.Logger) *WebSocket {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		cfg:    cfg,
		logger: logger.With("component", "transport"),
		events: make(chan Event, cfg.EventQueueSize),
		send:   make(chan outbound, cfg.SendQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func NewFactory(cfg Config, logger *slog.Logger) Factory {
	return func() Transport {
		return NewWebSocket(cfg, logger)
	}
}

func (w *WebSocket) Events() <-chan Event {
	return w.events
}

func (w *WebSocket) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *WebSocket) Connect(url string) {
	w.mu.Lock()
	if w.closed || w.connecting || w.connected {
		w.mu.Unlock()
		return
	}
	w.connecting = true
	w.mu.Unlock()

	go w.dial(url)
}

func (w *WebSocket) dial(url string) {
	dialer := websocket.Dialer{
		HandshakeTimeout: w.cfg.DialTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	w.logger.Debug("connecting", "url", url)
	conn, resp, err := dialer.DialContext(w.ctx, url, w.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	w.mu.Lock()
	w.connecting = false
	if err != nil {
		w.mu.Unlock()
		w.logger.Error("connection failed", "url", url, "error", err)
		w.emit(Event{Type: EventError, Message: err.Error()})
		return
	}
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	conn.SetReadLimit(w.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})

	w.logger.Info("connected", "url", url)
	w.emit(Event{Type: EventOpen})

	go w.writePump(conn)
	go w.readPump(conn)
}

func (w *WebSocket) SendText(data []byte) error {
	return w.enqueue(outbound{messageType: websocket.TextMessage, data: data, final: true})
}

func (w *WebSocket) SendBinary(data []byte, isFinal bool) error {
	return w.enqueue(outbound{messageType: websocket.BinaryMessage, data: data, final: isFinal})
}

func (w *WebSocket) enqueue(msg outbound) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return shared.ErrClosed
	}
	if !w.connected {
		return shared.ErrNotConnected
	}

	select {
	case w.send <- msg:
		return nil
	default:
		w.logger.Warn("send buffer full, dropping message", "bytes", len(msg.data))
		return ErrSendBufferFull
	}
}

// Close is idempotent. It sends a normal close frame when connected and
// queues a Closed event.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.connected = false
		conn := w.conn
		w.mu.Unlock()

		w.cancel()
		close(w.done)

		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.cfg.WriteWait))
			err = conn.Close()
			w.emitClosed(websocket.CloseNormalClosure, "client closed")
		}
	})
	return err
}

func (w *WebSocket) readPump(conn *websocket.Conn) {
	for {
		messageType, r, err := conn.NextReader()
		if err != nil {
			w.handleReadError(err)
			return
		}

		if messageType == websocket.TextMessage {
			data, err := io.ReadAll(r)
			if err != nil {
				w.handleReadError(err)
				return
			}
			w.emit(Event{Type: EventText, Message: string(data)})
			continue
		}

		if err := w.readFragments(r); err != nil {
			w.handleReadError(err)
			return
		}
	}
}

// readFragments emits the message in FragmentSize chunks. Each event's
// BytesRemaining is the exact number of message bytes after it, so the last
// fragment carries zero. The whole message is bounded by MaxMessageSize.
func (w *WebSocket) readFragments(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		w.emit(Event{Type: EventRaw, Data: data})
		return nil
	}

	for off := 0; off < len(data); off += w.cfg.FragmentSize {
		end := min(off+w.cfg.FragmentSize, len(data))
		w.emit(Event{Type: EventRaw, Data: data[off:end], BytesRemaining: len(data) - end})
	}
	return nil
}

func (w *WebSocket) handleReadError(err error) {
	w.mu.Lock()
	wasClosed := w.closed
	w.connected = false
	w.mu.Unlock()

	if wasClosed {
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		w.logger.Info("connection closed by server", "code", closeErr.Code, "reason", closeErr.Text)
		w.emitClosed(closeErr.Code, closeErr.Text)
		return
	}

	w.logger.Error("websocket read error", "error", err)
	w.emit(Event{Type: EventError, Message: err.Error()})
	w.emitClosed(websocket.CloseAbnormalClosure, err.Error())
}

func (w *WebSocket) writePump(conn *websocket.Conn) {
	pingPeriod := (w.cfg.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var (
		writer  io.WriteCloser
		delayed []outbound
	)

	write := func(msg outbound) error {
		_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))

		if msg.messageType == websocket.BinaryMessage {
			if writer == nil {
				next, err := conn.NextWriter(websocket.BinaryMessage)
				if err != nil {
					return err
				}
				writer = next
			}
			if _, err := writer.Write(msg.data); err != nil {
				return err
			}
			if msg.final {
				err := writer.Close()
				writer = nil
				return err
			}
			return nil
		}

		return conn.WriteMessage(msg.messageType, msg.data)
	}

	for {
		select {
		case <-w.done:
			return
		case msg := <-w.send:
			if writer != nil && msg.messageType != websocket.BinaryMessage {
				delayed = append(delayed, msg)
				continue
			}
			if err := write(msg); err != nil {
				w.logger.Error("websocket write error", "error", err)
				return
			}
			if writer == nil && len(delayed) > 0 {
				for _, d := range delayed {
					if err := write(d); err != nil {
						w.logger.Error("websocket write error", "error", err)
						return
					}
				}
				delayed = nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteWait)); err != nil {
				w.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// emit blocks the pump goroutine, never the owner, until the event is queued.
func (w *WebSocket) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *WebSocket) emitClosed(code int, reason string) {
	w.closedOnce.Do(func() {
		select {
		case w.events <- Event{Type: EventClosed, Code: code, Reason: reason}:
		default:
			w.logger.Warn("event queue full, dropping close notification", "code", code)
		}
	})
}

func (w *WebSocket) String() string {
	return fmt.Sprintf("websocket(connected=%v)", w.IsConnected())
}
