// Package hub is the WebSocket fan-out layer: it owns the connection
// table, per-channel subscription sets, and per-client metrics, routes
// inbound actions to channel handlers, and broadcasts outbound frames
// to subscribers. All table mutations funnel through hub methods under
// one lock; each client's outbound path is a single writer goroutine so
// frames never interleave.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Channels clients may subscribe to.
var knownChannels = map[string]bool{
	"market":      true,
	"trades":      true,
	"portfolio":   true,
	"strategies":  true,
	"emotions":    true,
	"preferences": true,
}

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrClientNotFound = errors.New("client not found")
)

// Socket is the minimal connection surface the hub drives. The ws
// adapter wraps a live WebSocket connection; tests substitute a buffer.
type Socket interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Frame is the shape of every server-originated message.
type Frame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel,omitempty"`
}

// NewFrame stamps a frame with the current time.
func NewFrame(frameType, channel string, data any) Frame {
	return Frame{Type: frameType, Data: data, Timestamp: time.Now(), Channel: channel}
}

// InboundMessage is a parsed client message. Raw carries the full
// payload for the handler to decode action-specific fields from.
type InboundMessage struct {
	Action  string          `json:"action"`
	Channel string          `json:"channel,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Handler processes inbound messages for one channel. Replies go back
// through SendToClient.
type Handler func(ctx context.Context, clientID string, msg InboundMessage) error

// ClientInfo is the per-connection metric record.
type ClientInfo struct {
	ClientID     string    `json:"client_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int64     `json:"message_count"`
	ErrorCount   int64     `json:"error_count"`
	LatencyMs    float64   `json:"latency_ms"`
}

type client struct {
	id    string
	sock  Socket
	queue chan []byte
	done  chan struct{}
	info  ClientInfo
}

// Config tunes the hub.
type Config struct {
	IdleTimeout    time.Duration // reap clients idle longer than this
	ErrorThreshold int64         // reap clients at or past this many send errors
	ReapInterval   time.Duration
	SendTimeout    time.Duration // per-frame write deadline
	QueueSize      int           // per-client outbound buffer
}

// Hub owns the connection and subscription tables.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	clients  map[string]*client
	channels map[string]map[string]bool // channel -> client id set
	handlers map[string]Handler

	totalConnections atomic.Int64
	broadcastFails   atomic.Int64

	reapCancel context.CancelFunc
	reapWG     sync.WaitGroup
}

// New creates a hub with zero values filled from defaults.
func New(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 3
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	channels := make(map[string]map[string]bool, len(knownChannels))
	for ch := range knownChannels {
		channels[ch] = make(map[string]bool)
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger.With("component", "hub"),
		clients:  make(map[string]*client),
		channels: channels,
		handlers: make(map[string]Handler),
	}
}

// Connect registers a client and starts its writer. A reconnect under
// the same id displaces the previous connection.
func (h *Hub) Connect(clientID string, sock Socket) error {
	if clientID == "" {
		return fmt.Errorf("client id required")
	}

	h.mu.Lock()
	if old, ok := h.clients[clientID]; ok {
		h.dropLocked(old, "replaced by new connection")
	}
	now := time.Now()
	c := &client{
		id:    clientID,
		sock:  sock,
		queue: make(chan []byte, h.cfg.QueueSize),
		done:  make(chan struct{}),
		info:  ClientInfo{ClientID: clientID, ConnectedAt: now, LastActivity: now},
	}
	h.clients[clientID] = c
	h.mu.Unlock()

	h.totalConnections.Add(1)
	go h.writer(c)

	h.logger.Info("client connected", "client", clientID)
	return nil
}

// Disconnect closes a client's socket best-effort and purges it from
// every channel set. Unknown ids are a no-op.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		h.dropLocked(c, "disconnect")
	}
	h.mu.Unlock()

	if ok {
		h.logger.Info("client disconnected", "client", clientID)
	}
}

// dropLocked removes the client from all tables and stops its writer.
// Caller holds mu.
func (h *Hub) dropLocked(c *client, reason string) {
	delete(h.clients, c.id)
	for _, set := range h.channels {
		delete(set, c.id)
	}
	close(c.done)
	_ = c.sock.Close(reason)
}

// Subscribe adds a client to a channel set. Repeat calls are no-ops.
func (h *Hub) Subscribe(clientID, channel string) error {
	if !knownChannels[channel] {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	h.channels[channel][clientID] = true
	return nil
}

// Unsubscribe removes a client from a channel set. Removing a missing
// subscription is a no-op.
func (h *Hub) Unsubscribe(clientID, channel string) error {
	if !knownChannels[channel] {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	h.mu.Lock()
	delete(h.channels[channel], clientID)
	h.mu.Unlock()
	return nil
}

// RegisterHandler installs the inbound dispatcher for a channel.
func (h *Hub) RegisterHandler(channel string, handler Handler) error {
	if !knownChannels[channel] {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	h.mu.Lock()
	h.handlers[channel] = handler
	h.mu.Unlock()
	return nil
}

// Broadcast serializes the frame once and enqueues it to every
// subscriber of the channel, or to every client when channel is empty.
// A full client queue counts as a send failure but never blocks the
// broadcaster.
func (h *Hub) Broadcast(frame Frame, channel string) (sent, failed int) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "type", frame.Type, "error", err)
		return 0, 0
	}

	h.mu.RLock()
	var targets []*client
	if channel == "" {
		targets = make([]*client, 0, len(h.clients))
		for _, c := range h.clients {
			targets = append(targets, c)
		}
	} else {
		set := h.channels[channel]
		targets = make([]*client, 0, len(set))
		for id := range set {
			if c, ok := h.clients[id]; ok {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.queue <- data:
			sent++
		case <-c.done:
			failed++
		default:
			failed++
			h.noteError(c.id)
		}
	}
	if failed > 0 {
		h.broadcastFails.Add(int64(failed))
		h.logger.Warn("broadcast partially failed (non-fatal)",
			"channel", channel, "type", frame.Type, "sent", sent, "failed", failed)
	}
	return sent, failed
}

// SendToClient enqueues a frame for one client.
func (h *Hub) SendToClient(clientID string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}

	select {
	case c.queue <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	default:
		h.noteError(clientID)
		return fmt.Errorf("send queue full for %s", clientID)
	}
}

// HandleInbound parses one raw client message and dispatches it to the
// channel handler. Malformed messages and unknown channels are answered
// with an error frame rather than an error return; only handler errors
// propagate.
func (h *Hub) HandleInbound(ctx context.Context, clientID string, raw []byte) error {
	h.touch(clientID)

	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.replyError(clientID, "", fmt.Sprintf("invalid message: %v", err))
		return nil
	}
	msg.Raw = raw

	channel := msg.Channel
	if channel == "" {
		h.replyError(clientID, "", "channel required")
		return nil
	}
	if !knownChannels[channel] {
		h.replyError(clientID, channel, fmt.Sprintf("unknown channel: %s", channel))
		return nil
	}

	h.mu.RLock()
	handler := h.handlers[channel]
	h.mu.RUnlock()
	if handler == nil {
		h.replyError(clientID, channel, fmt.Sprintf("no handler for channel: %s", channel))
		return nil
	}
	return handler(ctx, clientID, msg)
}

func (h *Hub) replyError(clientID, channel, detail string) {
	frame := NewFrame("error", channel, map[string]any{"error": detail})
	if err := h.SendToClient(clientID, frame); err != nil {
		h.logger.Debug("error reply dropped", "client", clientID, "error", err)
	}
}

// writer is the single outbound goroutine per client.
func (h *Hub) writer(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SendTimeout)
			start := time.Now()
			err := c.sock.Write(ctx, data)
			cancel()

			if err != nil {
				h.noteError(c.id)
				continue
			}
			h.noteSend(c.id, time.Since(start))
		}
	}
}

func (h *Hub) touch(clientID string) {
	h.mu.Lock()
	if c, ok := h.clients[clientID]; ok {
		c.info.LastActivity = time.Now()
		c.info.MessageCount++
	}
	h.mu.Unlock()
}

func (h *Hub) noteSend(clientID string, latency time.Duration) {
	h.mu.Lock()
	if c, ok := h.clients[clientID]; ok {
		c.info.MessageCount++
		n := float64(c.info.MessageCount)
		c.info.LatencyMs = (c.info.LatencyMs*(n-1) + float64(latency.Milliseconds())) / n
	}
	h.mu.Unlock()
}

func (h *Hub) noteError(clientID string) {
	h.mu.Lock()
	if c, ok := h.clients[clientID]; ok {
		c.info.ErrorCount++
	}
	h.mu.Unlock()
}

// StartReaper begins the periodic sweep for idle and erroring clients.
func (h *Hub) StartReaper(ctx context.Context) {
	h.mu.Lock()
	if h.reapCancel != nil {
		h.mu.Unlock()
		return
	}
	reapCtx, cancel := context.WithCancel(ctx)
	h.reapCancel = cancel
	h.mu.Unlock()

	h.reapWG.Add(1)
	go func() {
		defer h.reapWG.Done()
		ticker := time.NewTicker(h.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reapCtx.Done():
				return
			case <-ticker.C:
				h.Reap(time.Now())
			}
		}
	}()
}

// StopReaper halts the sweep loop.
func (h *Hub) StopReaper() {
	h.mu.Lock()
	cancel := h.reapCancel
	h.reapCancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
		h.reapWG.Wait()
	}
}

// Reap disconnects clients idle past the timeout or at the error
// threshold, as of now.
func (h *Hub) Reap(now time.Time) (reaped int) {
	h.mu.Lock()
	var victims []*client
	for _, c := range h.clients {
		idle := now.Sub(c.info.LastActivity)
		if idle > h.cfg.IdleTimeout || c.info.ErrorCount >= h.cfg.ErrorThreshold {
			victims = append(victims, c)
		}
	}
	for _, c := range victims {
		h.dropLocked(c, "reaped")
	}
	h.mu.Unlock()

	for _, c := range victims {
		h.logger.Info("client reaped", "client", c.id, "errors", c.info.ErrorCount)
	}
	return len(victims)
}

// Metrics is the hub's observable state.
type Metrics struct {
	TotalConnections  int64                 `json:"total_connections"`
	ActiveConnections int                   `json:"active_connections"`
	BroadcastFailures int64                 `json:"broadcast_failures"`
	PerChannel        map[string]int        `json:"per_channel"`
	Clients           map[string]ClientInfo `json:"clients"`
}

// Stats returns a point-in-time metrics snapshot.
func (h *Hub) Stats() Metrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	perChannel := make(map[string]int, len(h.channels))
	for ch, set := range h.channels {
		perChannel[ch] = len(set)
	}
	clients := make(map[string]ClientInfo, len(h.clients))
	for id, c := range h.clients {
		clients[id] = c.info
	}
	return Metrics{
		TotalConnections:  h.totalConnections.Load(),
		ActiveConnections: len(h.clients),
		BroadcastFailures: h.broadcastFails.Load(),
		PerChannel:        perChannel,
		Clients:           clients,
	}
}

// Subscribed reports whether a client is in a channel's set.
func (h *Hub) Subscribed(clientID, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.channels[channel]
	return ok && set[clientID]
}

// Connected reports whether a client is in the active set.
func (h *Hub) Connected(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[clientID]
	return ok
}
