package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/bandflow/internal/observability"
	"github.com/pitabwire/bandflow/model"
)

const defaultReconnectDelay = 5 * time.Second

// State is the connection state of a Client.
type State string

// Connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

func (s State) gaugeValue() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	default:
		return 0
	}
}

// Handler receives decoded messages for one destination. Calls for the same
// destination never overlap.
type Handler func(ctx context.Context, msg model.RealtimeMessage)

// Status is a snapshot of the client's connection.
type Status struct {
	State State `json:"state"`
	// LastError describes the most recent connection failure, if any.
	LastError string `json:"lastError,omitempty"`
	// AutoConnect is set once an operation connected implicitly.
	AutoConnect   bool     `json:"autoConnect"`
	Subscriptions []string `json:"subscriptions"`
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics sets the client metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithReconnectDelay sets the constant delay between reconnection attempts
// after the connection drops. A non-positive delay disables reconnection.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithToken sets the credential used when Connect is given none.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// Client maintains one broker session and multiplexes subscriptions over
// it. It is safe for concurrent use.
type Client struct {
	dialer         Dialer
	logger         *zap.Logger
	metrics        *observability.Metrics
	reconnectDelay time.Duration

	mu          sync.Mutex
	token       string
	state       State
	lastErr     error
	autoConnect bool
	session     Session
	attempt     *connectAttempt
	subs        map[string]*registration

	// dispatchLocks outlive registrations so a replaced handler and its
	// successor never run at the same time.
	dispatchLocks map[string]*sync.Mutex

	// epoch is bumped by Disconnect. Goroutines started under an older
	// epoch must not touch client state.
	epoch     uint64
	runCtx    context.Context
	cancelRun context.CancelFunc

	notifyMu  sync.Mutex
	listeners []func(Status)
}

// connectAttempt is shared by every caller waiting on the same dial.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// registration is a destination's handler. It outlives individual broker
// subscriptions so it can be re-established after a reconnect.
type registration struct {
	destination string
	handler     Handler
	headers     map[string]string
	sub         Subscription
	stop        chan struct{}

	// dispatchMu serializes handler calls for the destination. It is shared
	// with any registration that replaces this one.
	dispatchMu *sync.Mutex
}

// NewClient creates a disconnected client.
func NewClient(dialer Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:         dialer,
		logger:         zap.NewNop(),
		reconnectDelay: defaultReconnectDelay,
		state:          StateDisconnected,
		subs:           make(map[string]*registration),
		dispatchLocks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the session. Concurrent callers share one attempt;
// once it resolves the next call starts afresh. Cancelling ctx abandons
// the wait but not the attempt. A non-empty token replaces the stored one.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if token != "" {
		c.token = token
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}

	a := c.attempt
	var st *Status
	if a == nil {
		a = &connectAttempt{done: make(chan struct{})}
		c.attempt = a
		if c.runCtx == nil {
			c.runCtx, c.cancelRun = context.WithCancel(context.Background())
		}
		st = c.setStateLocked(StateConnecting, c.lastErr)
		go c.dial(c.runCtx, a, c.token, c.epoch)
	}
	c.mu.Unlock()
	c.publish(st)

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dial(ctx context.Context, a *connectAttempt, token string, epoch uint64) {
	defer close(a.done)

	sess, err := c.dialer.Dial(ctx, token)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		a.err = model.NewConnectionError("connection attempt cancelled by disconnect", context.Canceled)
		return
	}
	c.attempt = nil

	if err != nil {
		a.err = model.NewConnectionError("cannot connect to broker", err)
		st := c.setStateLocked(StateDisconnected, a.err)
		c.mu.Unlock()
		c.publish(st)
		c.logger.Warn("realtime connect failed", zap.Error(err))
		return
	}

	c.session = sess
	c.resubscribeLocked(sess)
	st := c.setStateLocked(StateConnected, nil)
	count := len(c.subs)
	c.mu.Unlock()

	c.publish(st)
	c.metrics.SetRealtimeSubscriptions(count)
	c.logger.Info("realtime connected", zap.Int("subscriptions", count))

	go c.watch(sess, epoch)
}

// resubscribeLocked re-establishes every registered destination on sess.
func (c *Client) resubscribeLocked(sess Session) {
	for _, reg := range c.subs {
		if reg.sub != nil {
			continue
		}
		sub, err := sess.Subscribe(reg.destination, reg.headers)
		if err != nil {
			c.logger.Warn("realtime resubscribe failed",
				zap.String("destination", reg.destination),
				zap.Error(err),
			)
			continue
		}
		reg.sub = sub
		go c.pump(reg, sub)
	}
}

// watch waits for sess to end and starts reconnecting if the end was not
// requested through Disconnect.
func (c *Client) watch(sess Session, epoch uint64) {
	<-sess.Done()

	c.mu.Lock()
	if epoch != c.epoch || c.session != sess {
		c.mu.Unlock()
		return
	}
	cause := sess.Err()
	if cause == nil {
		cause = errors.New("session closed")
	}
	connErr := model.NewConnectionError("connection lost", cause)
	c.session = nil
	for _, reg := range c.subs {
		reg.sub = nil
	}
	st := c.setStateLocked(StateDisconnected, connErr)
	ctx := c.runCtx
	c.mu.Unlock()

	c.publish(st)
	c.logger.Warn("realtime connection lost", zap.Error(cause))

	if c.reconnectDelay > 0 && ctx != nil {
		c.reconnect(ctx, epoch)
	}
}

// reconnect retries Connect at a constant interval until it succeeds, the
// client is disconnected, or another caller reconnects first.
func (c *Client) reconnect(ctx context.Context, epoch uint64) {
	errStop := errors.New("reconnect no longer needed")

	op := func() error {
		c.mu.Lock()
		stale := epoch != c.epoch || c.state == StateConnected
		c.mu.Unlock()
		if stale {
			return backoff.Permanent(errStop)
		}
		c.metrics.RecordRealtimeReconnect()
		return c.Connect(ctx, "")
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Info("realtime reconnect failed, retrying",
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	timer := time.NewTimer(c.reconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(c.reconnectDelay), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil && !errors.Is(err, errStop) {
		c.logger.Debug("realtime reconnect stopped", zap.Error(err))
	}
}

// Disconnect closes the session, cancels a pending connect and any
// reconnection, and drops every subscription. It is a no-op when idle.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.session == nil && c.attempt == nil && c.cancelRun == nil && len(c.subs) == 0 {
		c.mu.Unlock()
		return
	}

	c.epoch++
	if c.cancelRun != nil {
		c.cancelRun()
	}
	c.runCtx, c.cancelRun = nil, nil
	c.attempt = nil

	detached := make([]*registration, 0, len(c.subs))
	for _, reg := range c.subs {
		detached = append(detached, c.detachLocked(reg))
	}
	sess := c.session
	c.session = nil
	c.autoConnect = false
	st := c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	for _, reg := range detached {
		c.unsubscribe(reg)
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			c.logger.Debug("realtime session close", zap.Error(err))
		}
	}
	c.metrics.SetRealtimeSubscriptions(0)
	c.publish(st)
	c.logger.Info("realtime disconnected")
}

// Subscribe registers handler for destination, connecting first if
// needed. An existing subscription for destination is cancelled first, so
// each frame reaches exactly one handler.
func (c *Client) Subscribe(ctx context.Context, destination string, handler Handler, headers map[string]string) error {
	if destination == "" {
		return model.NewBadRequestError("destination is required")
	}
	if handler == nil {
		return model.NewBadRequestError("handler is required")
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return model.NewConnectionError("not connected", nil)
	}
	var replaced *registration
	if old, ok := c.subs[destination]; ok {
		replaced = c.detachLocked(old)
	}

	reg := &registration{
		destination: destination,
		handler:     handler,
		headers:     maps.Clone(headers),
		stop:        make(chan struct{}),
		dispatchMu:  c.dispatchLockLocked(destination),
	}
	sub, err := sess.Subscribe(destination, reg.headers)
	if err != nil {
		c.mu.Unlock()
		c.unsubscribe(replaced)
		return model.NewConnectionError("cannot subscribe to "+destination, err)
	}
	reg.sub = sub
	c.subs[destination] = reg
	count := len(c.subs)
	go c.pump(reg, sub)
	c.mu.Unlock()

	c.unsubscribe(replaced)
	c.metrics.SetRealtimeSubscriptions(count)
	c.logger.Debug("realtime subscribed", zap.String("destination", destination))
	return nil
}

// Unsubscribe removes the handler for destination. Unknown destinations
// are ignored.
func (c *Client) Unsubscribe(destination string) {
	c.mu.Lock()
	reg, ok := c.subs[destination]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.detachLocked(reg)
	count := len(c.subs)
	c.mu.Unlock()

	c.unsubscribe(reg)
	c.metrics.SetRealtimeSubscriptions(count)
}

// detachLocked stops reg's pump and forgets it. The broker subscription is
// left for unsubscribe, which waits on the broker and must run without c.mu.
func (c *Client) detachLocked(reg *registration) *registration {
	close(reg.stop)
	delete(c.subs, reg.destination)
	return reg
}

func (c *Client) unsubscribe(reg *registration) {
	if reg == nil || reg.sub == nil {
		return
	}
	if err := reg.sub.Unsubscribe(); err != nil {
		c.logger.Debug("realtime unsubscribe", zap.String("destination", reg.destination), zap.Error(err))
	}
}

func (c *Client) dispatchLockLocked(destination string) *sync.Mutex {
	mu, ok := c.dispatchLocks[destination]
	if !ok {
		mu = &sync.Mutex{}
		c.dispatchLocks[destination] = mu
	}
	return mu
}

// Send encodes body as JSON and publishes it to destination, connecting
// first if needed.
func (c *Client) Send(ctx context.Context, destination string, body any, headers map[string]string) (err error) {
	if destination == "" {
		return model.NewBadRequestError("destination is required")
	}
	ctx, span, headers := observability.StartPublishSpan(ctx, destination, headers)
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		c.metrics.RecordPublish(outcome)
		observability.EndSpanWithError(span, err)
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return model.NewPublishError(destination, fmt.Errorf("encode body: %w", err))
	}
	if err := c.ensureConnected(ctx); err != nil {
		return model.NewPublishError(destination, err)
	}

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return model.NewPublishError(destination, errors.New("not connected"))
	}

	if ce := observability.LoggerFrom(ctx, c.logger).Check(zap.DebugLevel, "sending frame"); ce != nil {
		var fields map[string]any
		_ = json.Unmarshal(payload, &fields)
		ce.Write(
			zap.String("destination", destination),
			zap.Any("body", observability.RedactBody(fields)),
		)
	}
	if err := sess.Send(destination, payload, headers); err != nil {
		return model.NewPublishError(destination, err)
	}
	return nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	if !connected {
		c.autoConnect = true
	}
	c.mu.Unlock()

	if connected {
		return nil
	}
	return c.Connect(ctx, "")
}

// pump delivers frames from one broker subscription until it ends or the
// registration is removed.
func (c *Client) pump(reg *registration, sub Subscription) {
	frames := sub.Frames()
	for {
		select {
		case <-reg.stop:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			c.dispatch(reg, f)
		}
	}
}

func (c *Client) dispatch(reg *registration, f Frame) {
	reg.dispatchMu.Lock()
	defer reg.dispatchMu.Unlock()

	select {
	case <-reg.stop:
		return
	default:
	}

	dest := f.Destination
	if dest == "" {
		dest = reg.destination
	}
	logger := c.logger.With(zap.String("destination", dest))
	ctx, span := observability.StartDeliverySpan(context.Background(), dest, f.Headers)
	if traceID := observability.TraceIDFromContext(ctx); traceID != "" {
		logger = logger.With(zap.String("trace_id", traceID))
	}

	msg, err := model.DecodeRealtimeMessage(dest, f.Body)
	if err != nil {
		c.metrics.RecordFrame(observability.FrameDropped)
		logger.Warn("dropping undecodable frame", zap.Error(err))
		observability.EndSpanWithError(span, err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordFrame(observability.FramePanicked)
			logger.Error("realtime handler panicked", zap.Any("panic", r))
			observability.EndSpanWithError(span, fmt.Errorf("handler panic: %v", r))
		}
	}()

	reg.handler(observability.WithLogger(ctx, logger), msg)
	c.metrics.RecordFrame(observability.FrameDelivered)
	span.End()
}

// Status returns a snapshot of the connection.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// HealthCheck reports whether the broker session is up.
func (c *Client) HealthCheck(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected {
		return nil
	}
	return model.NewConnectionError("broker "+string(c.state), c.lastErr)
}

// OnStatusChange registers fn to receive every subsequent status change.
func (c *Client) OnStatusChange(fn func(Status)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) statusLocked() Status {
	st := Status{
		State:         c.state,
		AutoConnect:   c.autoConnect,
		Subscriptions: slices.Sorted(maps.Keys(c.subs)),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// setStateLocked updates the state and returns the snapshot to publish,
// or nil when nothing changed.
func (c *Client) setStateLocked(state State, lastErr error) *Status {
	if c.state == state && c.lastErr == lastErr {
		return nil
	}
	c.state = state
	c.lastErr = lastErr
	c.metrics.SetRealtimeConnectionState(state.gaugeValue())
	st := c.statusLocked()
	return &st
}

func (c *Client) publish(st *Status) {
	if st == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, fn := range c.listeners {
		fn(*st)
	}
}
