/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package realtime maintains the authenticated event channel to the backend
// and routes inbound events to named handlers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tejzpr/omnivoip-agent-go/omnisdk"
)

// ConnectionState is the state of the event channel
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
)

// Conn is one live transport connection. ReadMessage is only called from a
// single goroutine; WriteMessage and Close may be called concurrently with it.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens authenticated connections.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// Timer is a cancellable scheduled reconnect.
type Timer interface {
	Stop() bool
}

// Handler receives inbound messages for one event name.
type Handler func(msg Message)

// Config holds the configuration for the Manager
type Config struct {
	URL string
	// MaxAttempts bounds automatic reconnects after a drop (default 5)
	MaxAttempts int
	// BaseDelay is the linear backoff step: attempt n waits n*BaseDelay (default 1s)
	BaseDelay time.Duration
	// DialTimeout bounds each reconnect dial (default 10s)
	DialTimeout time.Duration
	Logger      zerolog.Logger
	// AfterFunc schedules reconnects (default time.AfterFunc)
	AfterFunc func(d time.Duration, f func()) Timer
	// Now is used for token expiry checks (default time.Now)
	Now func() time.Time
}

// DefaultConfig returns the default configuration for the Manager
func DefaultConfig() *Config {
	return &Config{
		URL:         "ws://localhost:8000",
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		DialTimeout: 10 * time.Second,
		Logger:      zerolog.Nop(),
	}
}

// Manager owns one event channel connection and its reconnect bookkeeping.
type Manager struct {
	mu sync.Mutex
	// draining is set while one goroutine runs the outbox.
	draining bool

	config Config
	dialer Dialer
	log    zerolog.Logger

	state   ConnectionState
	attempt int
	token   string
	conn    Conn
	timer   Timer
	// gen is bumped by every owner connect or disconnect; stale dials,
	// timers and read loops compare against it and give up.
	gen    uint64
	outbox []func()

	handlers    map[string][]Handler
	onState     []func(ConnectionState)
	onExhausted []func(*omnisdk.ChannelExhausted)
}

// New creates a disconnected Manager.
func New(dialer Dialer, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		config:   cfg,
		dialer:   dialer,
		log:      cfg.Logger.With().Str("component", "realtime").Logger(),
		state:    StateDisconnected,
		handlers: make(map[string][]Handler),
	}
}

// ---- Registration ----

// On registers a handler for an exact event name. Handlers run on the read
// goroutine in wire order and must be idempotent; duplicates are delivered
// as received.
func (m *Manager) On(event string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// Off removes all handlers for event.
func (m *Manager) Off(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, event)
}

// OnStateChange registers a hook for connection state changes.
func (m *Manager) OnStateChange(fn func(ConnectionState)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// OnExhausted registers a hook called once every reconnect attempt failed.
// Hooks run synchronously and must not call Connect, Reconnect or Disconnect
// themselves; hand the decision to another goroutine instead.
func (m *Manager) OnExhausted(fn func(*omnisdk.ChannelExhausted)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExhausted = append(m.onExhausted, fn)
}

// ---- Accessors ----

func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the current reconnect attempt, 0 while connected.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// IsConnected returns whether the channel is connected
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// ---- Lifecycle ----

// Connect opens the channel with token. It fails fast without dialling when
// the token is missing or is an expired JWT. Connect on a live or connecting
// channel is a no-op. A failed dial returns *omnisdk.ChannelTransientError
// and schedules the first reconnect.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if err := omnisdk.CheckToken(token, m.config.Now()); err != nil {
		m.log.Warn().Err(err).Msg("Event channel connect refused")
		return err
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.stopTimer()
	m.gen++
	gen := m.gen
	m.token = token
	m.attempt = 0
	m.setState(StateConnecting)
	m.unlock()

	return m.dial(ctx, gen)
}

// Reconnect drops any live connection and connects afresh with token, for
// use after the owner re-authenticates.
func (m *Manager) Reconnect(ctx context.Context, token string) error {
	m.Disconnect()
	return m.Connect(ctx, token)
}

// Disconnect closes the channel, cancels any scheduled reconnect and resets
// the attempt counter.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimer()
	m.attempt = 0
	conn := m.conn
	m.conn = nil
	if m.state != StateDisconnected {
		m.setState(StateDisconnected)
	}
	m.unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug().Err(err).Msg("Close on disconnect")
		}
		m.log.Info().Msg("Event channel disconnected")
	}
}

// Emit sends event best-effort. While not connected it logs a warning and
// returns omnisdk.ErrNotConnected; nothing is queued.
func (m *Manager) Emit(event string, payload interface{}) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.log.Warn().Str("event", event).Msg("Event channel not connected, dropping emit")
		return omnisdk.ErrNotConnected
	}
	if err := conn.WriteMessage(frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// ---- internals ----

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	url, token := m.config.URL, m.token
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, url, token)

	m.mu.Lock()
	if gen != m.gen {
		// disconnected while dialling
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		m.setState(StateDisconnected)
		attempt := m.scheduleReconnect(err)
		m.unlock()
		return omnisdk.NewChannelTransientError("connect", attempt, err)
	}

	m.conn = conn
	m.attempt = 0
	m.setState(StateConnected)
	m.log.Info().Str("url", url).Msg("Event channel connected")
	m.unlock()

	go m.readLoop(conn, gen)
	return nil
}

// scheduleReconnect arms the next attempt and returns its number, or
// reports exhaustion and returns 0. Called with mu held.
func (m *Manager) scheduleReconnect(cause error) int {
	if m.attempt >= m.config.MaxAttempts {
		exhausted := omnisdk.NewChannelExhausted(m.attempt, cause)
		m.log.Error().Err(cause).Int("attempt", m.attempt).Msg("Event channel reconnect attempts exhausted")
		hooks := append([]func(*omnisdk.ChannelExhausted){}, m.onExhausted...)
		m.queue(func() {
			for _, fn := range hooks {
				fn(exhausted)
			}
		})
		return 0
	}

	m.attempt++
	delay := m.config.BaseDelay * time.Duration(m.attempt)
	gen := m.gen
	m.timer = m.config.AfterFunc(delay, func() { m.retry(gen) })
	m.log.Warn().Err(cause).Int("attempt", m.attempt).Dur("delay", delay).Msg("Event channel reconnect scheduled")
	return m.attempt
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.setState(StateConnecting)
	m.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout)
	defer cancel()
	_ = m.dial(ctx, gen)
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(conn, gen, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			m.log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed event frame")
			continue
		}
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg Message) {
	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers[msg.Event]))
	copy(handlers, m.handlers[msg.Event])
	m.mu.Unlock()

	if len(handlers) == 0 {
		m.log.Trace().Str("event", msg.Event).Msg("No handler for event")
		return
	}
	for _, handler := range handlers {
		handler(msg)
	}
}

func (m *Manager) handleDrop(conn Conn, gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	_ = conn.Close()
	m.log.Warn().Err(cause).Msg("Event channel dropped")
	m.setState(StateDisconnected)
	m.scheduleReconnect(cause)
	m.unlock()
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setState(s ConnectionState) {
	m.state = s
	hooks := append([]func(ConnectionState){}, m.onState...)
	m.queue(func() {
		for _, fn := range hooks {
			fn(s)
		}
	})
}

func (m *Manager) queue(fn func()) {
	m.outbox = append(m.outbox, fn)
}

// unlock releases mu and runs the side effects queued under it, in
// transition order. Only one goroutine drains at a time; a goroutine that
// finds a drain in progress leaves its effects to the drainer and returns
// without waiting, so mu is never held while waiting on a side effect.
func (m *Manager) unlock() {
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.outbox) > 0 {
		out := m.outbox
		m.outbox = nil
		m.mu.Unlock()
		for _, fn := range out {
			fn()
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}
