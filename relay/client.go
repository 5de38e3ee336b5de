// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HuaMick/myagents-relay/lib/clock"
	"github.com/HuaMick/myagents-relay/lib/naclbox"
)

// Errors returned by the client lifecycle and send paths.
var (
	ErrAlreadyConnected     = errors.New("relay: already connected")
	ErrNotConnected         = errors.New("relay: not connected")
	ErrKeysNotSet           = errors.New("relay: encryption keys not set")
	ErrNotConfigured        = errors.New("relay: no relay target configured")
	ErrClientClosed         = errors.New("relay: client is closed")
	ErrMaxReconnectAttempts = errors.New("relay: max reconnection attempts reached")
)

const (
	defaultConnectTimeout       = 10 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultReconnectBaseDelay   = 1 * time.Second
	defaultReconnectMaxDelay    = 60 * time.Second

	// subscriberBufferSize is the per-subscription envelope buffer.
	// A subscriber that stops draining has new deliveries dropped
	// (with a warning) rather than blocking the read loop.
	subscriberBufferSize = 64

	// errorBufferSize bounds the asynchronous error channel.
	errorBufferSize = 16
)

// ClientConfig configures a relay client. The zero value of every
// field selects a sensible default.
type ClientConfig struct {
	// Logger receives structured connection lifecycle logs. If nil,
	// slog.Default() is used.
	Logger *slog.Logger

	// Clock drives reconnect timers. If nil, the real clock is used.
	// Tests inject a fake clock to step through backoff schedules.
	Clock clock.Clock

	// Dialer performs the WebSocket handshake. If nil, a dialer with
	// HandshakeTimeout set to ConnectTimeout is used.
	Dialer *websocket.Dialer

	// ConnectTimeout bounds each connection attempt. Zero or negative
	// selects 10 seconds.
	ConnectTimeout time.Duration

	// DisableAutoReconnect turns off retry scheduling after failed
	// attempts and unexpected transport closures. The zero value
	// keeps auto-reconnect on.
	DisableAutoReconnect bool

	// MaxReconnectAttempts caps consecutive failed attempts before
	// the client gives up. Zero or negative selects 10.
	MaxReconnectAttempts int

	// ReconnectBaseDelay is the delay before the first retry; each
	// subsequent retry doubles it. Zero or negative selects 1 second.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the doubling. Zero or negative selects
	// 60 seconds.
	ReconnectMaxDelay time.Duration
}

// Client is an end-to-end encrypted relay protocol client. It owns
// one WebSocket connection to the relay, seals every outbound payload
// and fans inbound envelopes out to subscribers, and heals dropped
// connections with capped exponential backoff.
//
// A single logical owner drives the lifecycle calls (Connect,
// Reconnect, Disconnect, Close); internal locking exists so the read
// loop and timer callbacks coordinate with the owner, not to support
// concurrent lifecycle calls. Send and the subscription APIs are safe
// from any goroutine.
type Client struct {
	logger               *slog.Logger
	clock                clock.Clock
	dialer               *websocket.Dialer
	connectTimeout       time.Duration
	autoReconnect        bool
	maxReconnectAttempts int
	reconnectBaseDelay   time.Duration
	reconnectMaxDelay    time.Duration

	// states is mutated only by the client; observers get read-only
	// access through State, StateSnapshot, and OnStateChange.
	states *StateMachine

	// writeMu serializes WebSocket writes: the transport permits one
	// concurrent writer.
	writeMu sync.Mutex

	mu                sync.Mutex
	conn              *websocket.Conn
	generation        int
	ourKeys           *naclbox.KeyPair
	remoteKeys        *naclbox.KeyPair
	relayHost         string
	pairingCode       string
	configured        bool
	intentional       bool
	closed            bool
	reconnectAttempts int
	reconnectTimer    *clock.Timer
	subscribers       map[int]*subscriber
	nextSubscriberID  int

	errors chan error
}

type subscriber struct {
	ch chan *Envelope

	// filter restricts delivery to one message type; nil receives
	// everything.
	filter *MessageType
}

// NewClient returns an unconnected client.
func NewClient(config ClientConfig) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	maxAttempts := config.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxReconnectAttempts
	}
	baseDelay := config.ReconnectBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultReconnectBaseDelay
	}
	maxDelay := config.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultReconnectMaxDelay
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: connectTimeout}
	}

	return &Client{
		logger:               logger,
		clock:                clk,
		dialer:               dialer,
		connectTimeout:       connectTimeout,
		autoReconnect:        !config.DisableAutoReconnect,
		maxReconnectAttempts: maxAttempts,
		reconnectBaseDelay:   baseDelay,
		reconnectMaxDelay:    maxDelay,
		states:               NewStateMachine(clk),
		subscribers:          make(map[int]*subscriber),
		errors:               make(chan error, errorBufferSize),
	}
}

// SetKeys installs our key pair and the remote peer's. Both pairs are
// full key pairs — the pairing flow shares the peer's pair out of
// band — though only the peer's public half is used cryptographically.
// Send fails with ErrKeysNotSet until both are set.
func (c *Client) SetKeys(ours, remote *naclbox.KeyPair) {
	c.mu.Lock()
	c.ourKeys = ours
	c.remoteKeys = remote
	c.mu.Unlock()

	if ours != nil && remote != nil {
		c.logger.Debug("session keys set",
			"our_key", ours.Public().Fingerprint(),
			"peer_key", remote.Public().Fingerprint())
	}
}

// Connect normalizes relayURL, stores the target, and runs one
// connection attempt to wss://{host}/ws/client/{pairingCode},
// returning that attempt's immediate outcome. On failure the error is
// also reported on Errors(), the state moves to error, and — with
// auto-reconnect on — a retry is scheduled in the background before
// Connect returns.
//
// Returns ErrAlreadyConnected if a connection is already live.
func (c *Client) Connect(ctx context.Context, relayURL, pairingCode string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.states.State() == StateConnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.relayHost = normalizeRelayHost(relayURL)
	c.pairingCode = pairingCode
	c.configured = true
	c.intentional = false
	c.reconnectAttempts = 0
	c.stopReconnectTimerLocked()
	c.mu.Unlock()

	return c.attemptConnect(ctx, false)
}

// Reconnect tears down any live transport and runs a fresh connection
// attempt against the stored target, resetting the retry budget.
// Returns ErrNotConfigured before the first Connect.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if !c.configured {
		c.mu.Unlock()
		return ErrNotConfigured
	}
	c.intentional = false
	c.reconnectAttempts = 0
	c.stopReconnectTimerLocked()
	c.mu.Unlock()

	return c.attemptConnect(ctx, true)
}

// Disconnect closes the transport on purpose: no reconnect is
// scheduled, any pending retry timer is canceled, and the state
// settles at disconnected. Safe to call repeatedly and in any state.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.intentional = true
	c.stopReconnectTimerLocked()
	c.generation++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.states.SetDisconnected()
	c.logger.Info("disconnected from relay")
	return nil
}

// Close releases the client: cancels any pending retry, closes the
// transport, closes every subscription channel and the error channel,
// and hard-resets the state machine. The client is unusable
// afterwards. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.intentional = true
	c.stopReconnectTimerLocked()
	c.generation++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	subscribers := c.subscribers
	c.subscribers = nil
	for _, sub := range subscribers {
		close(sub.ch)
	}
	close(c.errors)
	c.mu.Unlock()

	c.states.Reset()
	c.logger.Info("relay client closed")
	return nil
}

// Send seals payload's JSON encoding into an envelope of the given
// type and writes it as one text frame. It fails with ErrKeysNotSet
// when either key pair is missing (regardless of connection state)
// and ErrNotConnected unless the state is connected. Concurrent sends
// are serialized; their relative order is unspecified.
func (c *Client) Send(ctx context.Context, messageType MessageType, payload any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	ourKeys, remoteKeys := c.ourKeys, c.remoteKeys
	conn := c.conn
	c.mu.Unlock()

	if ourKeys == nil || remoteKeys == nil {
		return ErrKeysNotSet
	}
	if conn == nil || c.states.State() != StateConnected {
		return ErrNotConnected
	}

	envelope, err := Seal(messageType, payload, ourKeys, remoteKeys)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("relay: encoding envelope: %w", err)
	}

	deadline, _ := ctx.Deadline()
	c.writeMu.Lock()
	conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("relay: writing %s envelope: %w", messageType, err)
		c.states.SetError(err.Error())
		c.emitError(err)
		return err
	}

	c.logger.Debug("sent envelope", "message_type", messageType)
	return nil
}

// SendTerminalInput sends keyboard bytes to the agent's terminal.
func (c *Client) SendTerminalInput(ctx context.Context, data string) error {
	return c.Send(ctx, MessageTypeTerminalInput, TerminalInputPayload{Data: data})
}

// SendResize announces the local terminal dimensions.
func (c *Client) SendResize(ctx context.Context, rows, cols int) error {
	return c.Send(ctx, MessageTypeResize, ResizePayload{Rows: rows, Cols: cols})
}

// SendPairingRequest introduces our public key to the agent. Sent
// once at the start of a session so the agent can address replies.
func (c *Client) SendPairingRequest(ctx context.Context) error {
	c.mu.Lock()
	ourKeys := c.ourKeys
	c.mu.Unlock()
	if ourKeys == nil {
		return ErrKeysNotSet
	}
	return c.Send(ctx, MessageTypePairingRequest, PairingRequestPayload{
		ClientPublicKey: ourKeys.Public().Base64(),
	})
}

// Subscribe returns a channel receiving every inbound envelope, in
// arrival order, and a cancel function that closes it. New deliveries
// are dropped (with a warning log) while the subscriber's buffer is
// full. Cancel is idempotent.
func (c *Client) Subscribe() (<-chan *Envelope, func()) {
	return c.subscribe(nil)
}

// SubscribeType is Subscribe filtered to one message type. The
// filtered view shares the broadcast stream; it holds no state of its
// own.
func (c *Client) SubscribeType(messageType MessageType) (<-chan *Envelope, func()) {
	return c.subscribe(&messageType)
}

func (c *Client) subscribe(filter *MessageType) (<-chan *Envelope, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan *Envelope, subscriberBufferSize)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSubscriberID
	c.nextSubscriberID++
	c.subscribers[id] = &subscriber{ch: ch, filter: filter}

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Errors returns the asynchronous error channel. It carries dial
// failures, inbound decode failures, write failures, and retry-budget
// exhaustion; it is closed by Close. Slow consumers lose errors (with
// a warning log) rather than blocking the client.
func (c *Client) Errors() <-chan error {
	return c.errors
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.states.State()
}

// StateSnapshot returns the state, error message, and last transition
// time as one consistent read.
func (c *Client) StateSnapshot() StateChange {
	return c.states.Snapshot()
}

// OnStateChange registers fn for every state transition. The returned
// remove function unregisters it. Callbacks must not call back into
// the client.
func (c *Client) OnStateChange(fn func(StateChange)) func() {
	return c.states.OnChange(fn)
}

// attemptConnect runs one connection attempt: state to connecting (or
// reconnecting for retries), dial, and on success install the
// connection and start the read loop. On failure it reports the error
// and hands off to the reconnect scheduler.
func (c *Client) attemptConnect(ctx context.Context, isRetry bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if isRetry && c.intentional {
		c.mu.Unlock()
		return nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.generation++
	generation := c.generation
	host, code := c.relayHost, c.pairingCode
	c.mu.Unlock()

	if isRetry {
		c.states.SetReconnecting()
	} else {
		c.states.SetConnecting()
	}

	target := fmt.Sprintf("wss://%s/ws/client/%s", host, code)
	c.logger.Debug("dialing relay", "url", target, "retry", isRetry)

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	conn, _, err := c.dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		err = fmt.Errorf("relay: connecting to %s: %w", host, err)
		c.states.SetError(err.Error())
		c.emitError(err)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.closed || c.intentional || generation != c.generation {
		// Disconnect, Close, or a newer attempt won the race while we
		// were dialing; this connection is already unwanted.
		closed := c.closed
		c.mu.Unlock()
		conn.Close()
		if closed {
			return ErrClientClosed
		}
		return nil
	}
	c.conn = conn
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.states.SetConnected()
	c.logger.Info("connected to relay", "relay_host", host, "pairing_code", code)

	go c.readLoop(conn, generation)
	return nil
}

// readLoop pumps inbound frames from one connection until it dies.
// Malformed frames are reported and skipped — a bad frame must not
// kill the session. A read error from the current generation's
// connection is an unexpected closure; stale generations exit
// silently because Disconnect, Close, or a newer connect already took
// over.
func (c *Client) readLoop(conn *websocket.Conn, generation int) {
	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadClosure(conn, generation, err)
			return
		}
		if frameType != websocket.TextMessage {
			c.emitError(fmt.Errorf("relay: dropping non-text frame (type %d)", frameType))
			continue
		}

		envelope := &Envelope{}
		if err := json.Unmarshal(data, envelope); err != nil {
			err = fmt.Errorf("relay: decoding inbound envelope: %w", err)
			c.logger.Warn("dropping malformed frame", "error", err)
			c.states.SetError(err.Error())
			c.emitError(err)
			continue
		}
		c.deliver(envelope, generation)
	}
}

func (c *Client) handleReadClosure(conn *websocket.Conn, generation int, readErr error) {
	c.mu.Lock()
	stale := c.closed || c.intentional || generation != c.generation
	if !stale && c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	if stale {
		return
	}

	err := fmt.Errorf("relay: connection closed unexpectedly: %w", readErr)
	c.logger.Warn("relay connection lost", "error", err)
	c.emitError(err)

	if c.autoReconnect {
		c.scheduleReconnect()
	} else {
		c.states.SetDisconnected()
	}
}

// deliver fans one envelope out to matching subscribers in arrival
// order. Envelopes from a superseded connection are discarded.
func (c *Client) deliver(envelope *Envelope, generation int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return
	}
	for _, sub := range c.subscribers {
		if sub.filter != nil && *sub.filter != envelope.Type {
			continue
		}
		select {
		case sub.ch <- envelope:
		default:
			c.logger.Warn("subscriber buffer full, dropping envelope",
				"message_type", envelope.Type)
		}
	}
}

// scheduleReconnect arms the retry timer for the next attempt, or
// gives up once the attempt budget is spent: state error("max
// reconnection attempts reached"), then disconnected, with nothing
// left pending. Retries are strictly sequential — the next one is
// scheduled only after the previous attempt fails.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.intentional || !c.autoReconnect {
		c.mu.Unlock()
		return
	}

	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	if attempt > c.maxReconnectAttempts {
		c.mu.Unlock()
		c.logger.Warn("giving up on relay", "attempts", attempt-1)
		c.states.SetError("max reconnection attempts reached")
		c.emitError(ErrMaxReconnectAttempts)
		c.states.SetDisconnected()
		return
	}

	delay := reconnectDelay(attempt, c.reconnectBaseDelay, c.reconnectMaxDelay)
	// Up to 10% jitter so a fleet of clients does not stampede the
	// relay in lockstep.
	//nolint:gosec // The random delay is for jitter, not security.
	jittered := delay + time.Duration(rand.Int63n(int64(delay)/10+1))

	generation := c.generation
	c.stopReconnectTimerLocked()
	c.reconnectTimer = c.clock.AfterFunc(jittered, func() {
		c.reconnectTimerFired(generation)
	})
	c.mu.Unlock()

	c.states.SetReconnecting()
	c.logger.Info("scheduling reconnect", "attempt", attempt, "delay", jittered)
}

// reconnectTimerFired runs a scheduled retry. A timer that lost a
// race with Stop — Disconnect, Close, or a new Connect bumped the
// generation after the callback was already in flight — detects it
// here and aborts, so a canceled timer never produces an attempt.
func (c *Client) reconnectTimerFired(generation int) {
	c.mu.Lock()
	if c.closed || c.intentional || generation != c.generation || c.reconnectTimer == nil {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	// Retries run on the background context: the Connect call that
	// started the chain has long since returned.
	_ = c.attemptConnect(context.Background(), true)
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.errors <- err:
	default:
		c.logger.Warn("error channel full, dropping error", "error", err)
	}
}

// reconnectDelay is the nominal backoff before retry `attempt`
// (1-based): base doubled per attempt, capped at max. The caller adds
// jitter on top.
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// normalizeRelayHost strips any scheme prefix and trailing slashes
// from a relay target. The dial URL is always built as wss:// — the
// relay speaks TLS unconditionally — so "relay.example.com",
// "wss://relay.example.com" and "https://relay.example.com/" all name
// the same target.
func normalizeRelayHost(raw string) string {
	host := strings.TrimSpace(raw)
	for _, scheme := range []string{"wss://", "ws://", "https://", "http://"} {
		if strings.HasPrefix(host, scheme) {
			host = host[len(scheme):]
			break
		}
	}
	return strings.TrimRight(host, "/")
}
