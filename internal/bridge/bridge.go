// Package bridge maintains the persistent duplex websocket connection that
// propagates events across clients. It implements events.Broadcaster:
// local events published on the bus are forwarded here, and incoming
// messages are re-published locally with a remote origin tag.
package bridge

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openhabitat/accesscase/internal/events"
	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
)

// Envelope wraps every message crossing the duplex connection.
type Envelope struct {
	ID        string                 `json:"id,omitempty"`
	Type      string                 `json:"type,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
}

// Config tunes the bridge connection.
type Config struct {
	URL            string
	Source         string // identifies this client in outgoing envelopes
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	MaxRetries     int // consecutive failed attempts before giving up
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxOutboxSize  int // messages buffered while disconnected
	JitterFraction float64
}

// DefaultConfig returns bridge settings matching the sync core defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		Source:         "accesscase-client",
		ReconnectBase:  time.Second,
		ReconnectMax:   time.Minute,
		MaxRetries:     20,
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxOutboxSize:  256,
		JitterFraction: 0.2,
	}
}

// Bridge owns one duplex connection and its reconnect policy.
type Bridge struct {
	cfg    Config
	bus    *events.Bus
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	outbox    []Envelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bridge publishing into bus. Call Start to connect.
func New(cfg Config, bus *events.Bus) *Bridge {
	return &Bridge{
		cfg:    cfg,
		bus:    bus,
		dialer: websocket.DefaultDialer,
	}
}

// Connected reports whether the duplex connection is currently up.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Start connects and keeps the connection alive until the context is
// cancelled or the retry budget is exhausted.
func (b *Bridge) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run()
	}()
}

// Stop closes the connection and waits for the loops to exit.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Send implements events.Broadcaster. While disconnected, messages queue
// in a bounded outbox and flush on the next successful connect.
func (b *Bridge) Send(evt events.Event) error {
	env := Envelope{
		ID:        string(evt.ID),
		Type:      evt.Type,
		Timestamp: evt.Timestamp,
		Source:    b.cfg.Source,
		Payload:   evt.Payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		b.queueLocked(env)
		return nil
	}
	if err := b.writeLocked(env); err != nil {
		// A dying connection must not lose the envelope; park it for the
		// post-reconnect flush. Marshal failures are not retryable.
		if models.IsCode(err, models.ErrBridgeClosed) {
			b.queueLocked(env)
		}
		return err
	}
	return nil
}

// queueLocked appends to the bounded outbox. Caller holds b.mu.
func (b *Bridge) queueLocked(env Envelope) {
	if len(b.outbox) >= b.cfg.MaxOutboxSize {
		// Drop the oldest; the durable event log still has everything.
		b.outbox = b.outbox[1:]
	}
	b.outbox = append(b.outbox, env)
}

// run is the reconnect loop.
func (b *Bridge) run() {
	attempts := 0
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		conn, _, err := b.dialer.DialContext(b.ctx, b.cfg.URL, nil)
		if err != nil {
			attempts++
			b.publishLifecycle(events.EventConnectionError, map[string]interface{}{
				"error": err.Error(), "attempt": attempts,
			})
			if b.cfg.MaxRetries > 0 && attempts >= b.cfg.MaxRetries {
				logging.Error("duplex reconnect budget exhausted", err,
					map[string]interface{}{"attempts": attempts})
				return
			}
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(b.backoff(attempts)):
			}
			continue
		}

		attempts = 0
		b.mu.Lock()
		b.conn = conn
		b.connected = true
		pending := b.outbox
		b.outbox = nil
		b.mu.Unlock()

		b.publishLifecycle(events.EventConnectionOpened, nil)
		b.flush(pending)

		pingDone := make(chan struct{})
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.pingLoop(conn, pingDone)
		}()

		b.readLoop(conn)
		close(pingDone)

		b.mu.Lock()
		b.conn = nil
		b.connected = false
		b.mu.Unlock()

		b.publishLifecycle(events.EventConnectionClosed, nil)

		select {
		case <-b.ctx.Done():
			return
		default:
		}
		attempts = 1
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(b.backoff(attempts)):
		}
	}
}

// readLoop surfaces incoming messages until the connection drops.
func (b *Bridge) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("duplex read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		b.handleIncoming(message)
	}
}

// handleIncoming always surfaces the raw message, then re-publishes under
// its declared type when that type belongs to the taxonomy. Remote origin
// keeps it off the wire again.
func (b *Bridge) handleIncoming(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		logging.Warn("invalid duplex message", map[string]interface{}{"error": err.Error()})
		return
	}

	_ = b.bus.Publish(events.Event{
		Type:   events.EventConnectionMessage,
		Origin: events.OriginRemote,
		Source: env.Source,
		Payload: map[string]interface{}{
			"type":    env.Type,
			"payload": env.Payload,
		},
	}, events.PublishOptions{SkipStorage: true})

	if env.Type != "" && events.KnownType(env.Type) {
		evt := events.Event{
			Type:    env.Type,
			Origin:  events.OriginRemote,
			Source:  env.Source,
			Payload: env.Payload,
		}
		if env.ID != "" {
			evt.ID = models.UUID(env.ID)
		}
		if env.Timestamp != 0 {
			evt.Timestamp = env.Timestamp
		}
		_ = b.bus.Publish(evt)
	}
}

// pingLoop keeps the connection alive.
func (b *Bridge) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush replays the outbox after a reconnect.
func (b *Bridge) flush(pending []Envelope) {
	if len(pending) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, env := range pending {
		if err := b.writeLocked(env); err != nil {
			// Connection died mid-flush; requeue the remainder.
			b.queueLocked(env)
		}
	}
	logging.Info("flushed queued duplex messages", map[string]interface{}{"count": len(pending)})
}

// writeLocked sends one envelope. Caller holds b.mu.
func (b *Bridge) writeLocked(env Envelope) error {
	if b.conn == nil {
		return models.NewError(models.ErrBridgeClosed, "duplex connection not open")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return models.WrapError(models.ErrInternal, "marshal envelope", err)
	}
	b.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return models.WrapError(models.ErrBridgeClosed, "duplex write failed", err)
	}
	return nil
}

// backoff computes the jittered exponential reconnect delay.
func (b *Bridge) backoff(attempt int) time.Duration {
	d := b.cfg.ReconnectBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.cfg.ReconnectMax {
			d = b.cfg.ReconnectMax
			break
		}
	}
	if d > b.cfg.ReconnectMax {
		d = b.cfg.ReconnectMax
	}
	if b.cfg.JitterFraction > 0 {
		jitter := 1 + b.cfg.JitterFraction*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * jitter)
	}
	return d
}

// publishLifecycle emits a connection event on the local bus only.
func (b *Bridge) publishLifecycle(eventType string, payload map[string]interface{}) {
	_ = b.bus.Publish(events.Event{
		Type:    eventType,
		Payload: payload,
	}, events.PublishOptions{SkipStorage: true})
}
