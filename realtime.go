package clenzy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Topics
// ============================================================================

// ContactTopic is the private queue carrying contact message events for userID.
func ContactTopic(userID string) string { return userQueue(userID, "contact") }

// ConversationTopic is the private queue carrying conversation events for userID.
func ConversationTopic(userID string) string { return userQueue(userID, "conversations") }

// NotificationTopic is the private queue carrying notification events for userID.
func NotificationTopic(userID string) string { return userQueue(userID, "notifications") }

// DeviceTopic is the private queue carrying smart lock and noise sensor events for userID.
func DeviceTopic(userID string) string { return userQueue(userID, "devices") }

func userQueue(userID, name string) string {
	return "/user/" + userID + "/queue/" + name
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime transport.
type RealtimeConfig struct {
	// Endpoint is the STOMP WebSocket path appended to the base URL.
	Endpoint string
	// MaxReconnectAttempts bounds consecutive failed attempts; 0 retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval is offered to the broker for both directions.
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	ReadLimit         int64
	// HTTPClient is used for the WebSocket handshake. It must not set a Timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.Endpoint == "" {
		c.Endpoint = "/ws"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = defaultMetrics()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Frames and subscriptions
// ============================================================================

// Frame is one inbound message delivered to a subscription handler.
type Frame struct {
	Topic       string
	Destination string
	MessageID   string
	ContentType string
	Body        []byte
}

// FrameHandler receives frames for one subscription. Handlers run one at a
// time on the service's dispatch goroutine and must return quickly.
type FrameHandler func(Frame)

// Subscription is a handler registration returned by Subscribe. It is owned
// by the caller; the service only looks it up by id.
type Subscription struct {
	id      string
	topic   string
	handler FrameHandler
	svc     *RealtimeService
	active  atomic.Bool
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes this registration. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.svc.Unsubscribe(s.id)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Connection plumbing
// ============================================================================

// watchedConn reports the first read/write failure of the underlying socket
// on lost, so the service notices drops even with no subscription active.
type watchedConn struct {
	net.Conn
	lost chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newWatchedConn(c net.Conn) *watchedConn {
	return &watchedConn{Conn: c, lost: make(chan struct{})}
}

func (w *watchedConn) Read(p []byte) (int, error) {
	n, err := w.Conn.Read(p)
	if err != nil {
		w.fail(err)
	}
	return n, err
}

func (w *watchedConn) Write(p []byte) (int, error) {
	n, err := w.Conn.Write(p)
	if err != nil {
		w.fail(err)
	}
	return n, err
}

func (w *watchedConn) Close() error {
	w.fail(net.ErrClosed)
	return w.Conn.Close()
}

func (w *watchedConn) fail(err error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.lost)
	})
}

func (w *watchedConn) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// liveConn is one established STOMP session.
type liveConn struct {
	stomp   *stomp.Conn
	net     *watchedConn
	cancel  context.CancelFunc
	remote  map[string]*stomp.Subscription
	inbound chan<- Frame
	runCtx  context.Context

	// unsubs counts broker unsubscribes still in flight. detach waits for
	// them before closing the connection.
	unsubs sync.WaitGroup
}

// unsubscribeWait bounds how long teardown waits for in-flight unsubscribes.
const unsubscribeWait = 2 * time.Second

// notifier runs callbacks one at a time in the order they were posted.
type notifier struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
}

func (n *notifier) post(f func()) {
	n.mu.Lock()
	n.queue = append(n.queue, f)
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()
	go n.drain()
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.mu.Unlock()
			return
		}
		f := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()
		n.call(f)
	}
}

func (n *notifier) call(f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			n.logger.Error("realtime callback panicked", "panic", rec)
		}
	}()
	f()
}

// runState is one Connect call's lifetime: it spans reconnects and ends on
// Disconnect, on a switch to another user, or when attempts run out.
type runState struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	identity Identity
}

func (r *runState) currentIdentity() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

func (r *runState) setIdentity(id Identity) {
	r.mu.Lock()
	r.identity = id
	r.mu.Unlock()
}

// ============================================================================
// RealtimeService
// ============================================================================

// RealtimeService owns the single STOMP-over-WebSocket connection of a signed-in
// session and multiplexes caller subscriptions over it.
//
// Lock order: runMu, then connMu, then mu. mu is never held across network I/O.
type RealtimeService struct {
	baseURL string
	config  *RealtimeConfig
	logger  *slog.Logger
	metrics *Metrics

	mu            sync.RWMutex
	state         RealtimeState
	subs          map[string]*Subscription
	topics        map[string][]*Subscription
	onState       []func(RealtimeState)
	onReconnected []func()
	events        *notifier

	runMu sync.Mutex
	run   *runState

	connMu sync.Mutex
	live   *liveConn
}

// NewRealtimeService creates a disconnected service for the API at baseURL.
func NewRealtimeService(baseURL string, config *RealtimeConfig) *RealtimeService {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	logger := cfg.Logger.With("component", "realtime")
	return &RealtimeService{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		state:   StateDisconnected,
		subs:    make(map[string]*Subscription),
		topics:  make(map[string][]*Subscription),
		events:  &notifier{logger: logger},
	}
}

// State returns the current connection state.
func (s *RealtimeService) State() RealtimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnStateChange registers a handler for state transitions. State and
// reconnect handlers run one at a time, in the order the events happened.
func (s *RealtimeService) OnStateChange(h func(RealtimeState)) {
	s.mu.Lock()
	s.onState = append(s.onState, h)
	s.mu.Unlock()
}

// OnReconnected registers a handler run each time the connection comes back
// after a drop or a failed attempt.
func (s *RealtimeService) OnReconnected(h func()) {
	s.mu.Lock()
	s.onReconnected = append(s.onReconnected, h)
	s.mu.Unlock()
}

func (s *RealtimeService) setState(state RealtimeState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	// Posting under mu keeps the queue in transition order.
	for _, h := range s.onState {
		s.events.post(func() { h(state) })
	}
	s.mu.Unlock()
}

func (s *RealtimeService) emitReconnected() {
	s.mu.Lock()
	for _, h := range s.onReconnected {
		s.events.post(h)
	}
	s.mu.Unlock()
}

// Connect starts the connection for identity. It is a no-op while a
// connection for the same user is live or being retried; a different user
// tears the current connection down first. Connect never fails: transport
// errors are logged and retried with backoff.
func (s *RealtimeService) Connect(identity Identity) {
	if identity.UserID == "" {
		s.logger.Warn("realtime connect ignored: no user id")
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.run != nil && s.run.ctx.Err() == nil {
		current := s.run.currentIdentity()
		if current.sameUser(identity) {
			s.run.setIdentity(identity)
			return
		}
		s.logger.Info("realtime switching user", "from", current.UserID, "to", identity.UserID)
	}
	s.stopRunLocked()

	ctx, cancel := context.WithCancel(context.Background())
	r := &runState{ctx: ctx, cancel: cancel, done: make(chan struct{}), identity: identity}
	s.run = r
	s.setState(StateConnecting)
	go s.loop(r)
}

// Disconnect closes the connection and discards every subscription. Safe to
// call when not connected.
func (s *RealtimeService) Disconnect() {
	s.runMu.Lock()
	s.stopRunLocked()
	s.runMu.Unlock()

	s.mu.Lock()
	for _, sub := range s.subs {
		sub.active.Store(false)
	}
	s.subs = make(map[string]*Subscription)
	s.topics = make(map[string][]*Subscription)
	s.mu.Unlock()

	s.setState(StateDisconnected)
}

// halt stops the connection but keeps every subscription. When it returns
// no frame handler is running.
func (s *RealtimeService) halt() {
	s.runMu.Lock()
	s.stopRunLocked()
	s.runMu.Unlock()
	s.setState(StateDisconnected)
}

// stopRunLocked must be called with runMu held.
func (s *RealtimeService) stopRunLocked() {
	if s.run == nil {
		return
	}
	s.run.cancel()
	<-s.run.done
	s.run = nil
}

// Subscribe registers handler for frames arriving on topic and returns the
// registration. It never fails: without a connection the topic is subscribed
// on the broker as soon as one is established, and again after every reconnect.
func (s *RealtimeService) Subscribe(topic string, handler FrameHandler) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		svc:     s,
	}
	sub.active.Store(true)

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.topics[topic] = append(s.topics[topic], sub)
	s.mu.Unlock()

	s.syncTopic(topic)
	return sub
}

// Unsubscribe removes the registration with id. Unknown ids, repeated calls
// and calls after Disconnect are no-ops.
func (s *RealtimeService) Unsubscribe(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, id)
	sub.active.Store(false)
	remaining := slices.DeleteFunc(slices.Clone(s.topics[sub.topic]), func(x *Subscription) bool {
		return x == sub
	})
	if len(remaining) == 0 {
		delete(s.topics, sub.topic)
	} else {
		s.topics[sub.topic] = remaining
	}
	s.mu.Unlock()

	s.syncTopic(sub.topic)
}

// Topics returns the topics that currently have at least one handler.
func (s *RealtimeService) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// ── connection loop ──────────────────────────────────────

func (s *RealtimeService) loop(r *runState) {
	defer close(r.done)

	inbound := make(chan Frame, 64)
	dispatched := make(chan struct{})
	go s.dispatchLoop(r.ctx, inbound, dispatched)
	defer func() { <-dispatched }()

	recon := newReconnector(s.config)
	recovering := false

	for {
		identity := r.currentIdentity()
		live, err := s.dial(r.ctx, identity, inbound)
		if err == nil {
			recon.markConnected()
			s.attach(live)
			s.setState(StateConnected)
			s.logger.Info("realtime connected", "user_id", identity.UserID)
			if recovering {
				s.emitReconnected()
			}

			select {
			case <-r.ctx.Done():
				s.detach(live, true)
				s.setState(StateDisconnected)
				return
			case <-live.net.lost:
				s.detach(live, false)
				s.logger.Warn("realtime connection lost", "user_id", identity.UserID, "error", live.net.Err())
			}
		} else {
			if r.ctx.Err() != nil {
				s.setState(StateDisconnected)
				return
			}
			s.logger.Warn("realtime connect failed", "user_id", identity.UserID, "error", err)
		}

		if !recon.shouldReconnect() {
			s.logger.Error("realtime giving up", "user_id", identity.UserID, "attempts", recon.attempt)
			s.setState(StateDisconnected)
			r.cancel()
			return
		}

		delay := recon.nextDelay()
		recovering = true
		s.setState(StateReconnecting)
		s.metrics.reconnectAttempt(r.ctx)
		s.logger.Info("realtime reconnecting", "attempt", recon.attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return
		case <-timer.C:
		}
	}
}

func (s *RealtimeService) dispatchLoop(ctx context.Context, inbound <-chan Frame, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-inbound:
			if ctx.Err() != nil {
				return
			}
			s.dispatch(ctx, f)
		}
	}
}

func (s *RealtimeService) dispatch(ctx context.Context, f Frame) {
	s.mu.RLock()
	handlers := append([]*Subscription(nil), s.topics[f.Topic]...)
	s.mu.RUnlock()

	s.metrics.frameReceived(ctx, f.Topic)
	for _, sub := range handlers {
		if !sub.active.Load() {
			continue
		}
		s.invoke(sub, f)
	}
}

func (s *RealtimeService) invoke(sub *Subscription, f Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("realtime handler panicked", "topic", f.Topic, "subscription_id", sub.id, "panic", rec)
		}
	}()
	sub.handler(f)
}

// socketURL builds the WebSocket URL and the STOMP virtual host.
func (s *RealtimeService) socketURL(identity Identity) (string, string, error) {
	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	u, err := url.Parse(wsURL + s.config.Endpoint)
	if err != nil {
		return "", "", fmt.Errorf("invalid realtime url: %w", err)
	}
	if identity.AccessToken != "" {
		q := u.Query()
		q.Set("token", identity.AccessToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), u.Hostname(), nil
}

func (s *RealtimeService) dial(ctx context.Context, identity Identity, inbound chan<- Frame) (*liveConn, error) {
	wsURL, host, err := s.socketURL(identity)
	if err != nil {
		return nil, err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancelDial()

	header := http.Header{}
	if identity.AccessToken != "" {
		header.Set("Authorization", "Bearer "+identity.AccessToken)
	}
	ws, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient:   s.config.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(s.config.ReadLimit)

	connCtx, cancelConn := context.WithCancel(context.Background())
	nc := newWatchedConn(websocket.NetConn(connCtx, ws, websocket.MessageText))

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(host),
		stomp.ConnOpt.HeartBeat(s.config.HeartbeatInterval, s.config.HeartbeatInterval),
	}
	if identity.AccessToken != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+identity.AccessToken))
	}

	timer := time.AfterFunc(s.config.HandshakeTimeout, func() { nc.Close() })
	sc, err := stomp.Connect(nc, opts...)
	if !timer.Stop() && err == nil {
		err = errors.New("handshake timed out")
	}
	if err != nil {
		nc.Close()
		cancelConn()
		return nil, fmt.Errorf("stomp connect: %w", err)
	}

	return &liveConn{
		stomp:   sc,
		net:     nc,
		cancel:  cancelConn,
		remote:  make(map[string]*stomp.Subscription),
		inbound: inbound,
		runCtx:  ctx,
	}, nil
}

// attach makes live the current connection and subscribes every registered topic.
func (s *RealtimeService) attach(live *liveConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.live = live
	for _, topic := range s.Topics() {
		s.subscribeRemote(live, topic)
	}
}

func (s *RealtimeService) detach(live *liveConn, graceful bool) {
	s.connMu.Lock()
	if s.live == live {
		s.live = nil
	}
	s.connMu.Unlock()

	// Closing the connection under a running Unsubscribe panics inside go-stomp.
	if !waitGroupTimeout(&live.unsubs, unsubscribeWait) {
		s.logger.Debug("stomp unsubscribes still pending at teardown")
	}

	if graceful {
		done := make(chan struct{})
		go func() {
			if err := live.stomp.Disconnect(); err != nil {
				s.logger.Debug("stomp disconnect", "error", err)
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	live.net.Close()
	live.cancel()
}

// syncTopic reconciles the broker subscription for topic with the local
// handler table.
func (s *RealtimeService) syncTopic(topic string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	live := s.live
	if live == nil {
		return
	}
	s.mu.RLock()
	wanted := len(s.topics[topic]) > 0
	s.mu.RUnlock()

	remote, have := live.remote[topic]
	switch {
	case wanted && !have:
		s.subscribeRemote(live, topic)
	case !wanted && have:
		delete(live.remote, topic)
		live.unsubs.Add(1)
		go s.unsubscribeRemote(live, topic, remote)
	}
}

// unsubscribeRemote releases one broker subscription. A connection dropping
// underneath it can still make go-stomp panic; that is logged and ignored.
func (s *RealtimeService) unsubscribeRemote(live *liveConn, topic string, sub *stomp.Subscription) {
	defer live.unsubs.Done()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Debug("stomp unsubscribe panicked", "topic", topic, "panic", rec)
		}
	}()
	if err := sub.Unsubscribe(); err != nil {
		s.logger.Debug("stomp unsubscribe", "topic", topic, "error", err)
	}
}

// waitGroupTimeout waits for wg or d, whichever comes first, and reports
// whether wg finished.
func waitGroupTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// subscribeRemote must be called with connMu held.
func (s *RealtimeService) subscribeRemote(live *liveConn, topic string) {
	if _, ok := live.remote[topic]; ok {
		return
	}
	sub, err := live.stomp.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		// The connection is unusable; dropping it resubscribes everything on reconnect.
		s.logger.Warn("stomp subscribe failed", "topic", topic, "error", err)
		live.net.Close()
		return
	}
	live.remote[topic] = sub
	s.logger.Debug("stomp subscribed", "topic", topic)
	go s.forward(live, topic, sub)
}

// forward moves messages from one broker subscription to the dispatcher. It
// drains sub.C until the STOMP library closes it.
func (s *RealtimeService) forward(live *liveConn, topic string, sub *stomp.Subscription) {
	for msg := range sub.C {
		if msg.Err != nil {
			s.logger.Debug("stomp subscription error", "topic", topic, "error", msg.Err)
			continue
		}
		f := Frame{
			Topic:       topic,
			Destination: msg.Destination,
			ContentType: msg.ContentType,
			Body:        msg.Body,
		}
		if msg.Header != nil {
			f.MessageID = msg.Header.Get(frame.MessageId)
		}
		select {
		case live.inbound <- f:
		case <-live.runCtx.Done():
		}
	}
}
