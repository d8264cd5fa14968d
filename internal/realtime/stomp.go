package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/pitabwire/bandflow/internal/config"
)

const (
	maxMessageBytes   = 1 << 20
	disconnectTimeout = 2 * time.Second
	jsonContentType   = "application/json"
)

// stompSubprotocols are offered during the WebSocket handshake, most
// preferred first.
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// StompDialer opens STOMP sessions over WebSocket.
type StompDialer struct {
	url               string
	host              string
	heartbeatIncoming time.Duration
	heartbeatOutgoing time.Duration
	httpClient        *http.Client
}

// NewStompDialer creates a dialer for the configured broker endpoint.
func NewStompDialer(cfg config.RealtimeConfig) *StompDialer {
	host := cfg.Host
	if host == "" {
		if u, err := url.Parse(cfg.BrokerURL); err == nil {
			host = u.Hostname()
		}
	}
	return &StompDialer{
		url:               cfg.BrokerURL,
		host:              host,
		heartbeatIncoming: cfg.HeartbeatIncoming,
		heartbeatOutgoing: cfg.HeartbeatOutgoing,
	}
}

// Dial performs the WebSocket handshake and the STOMP CONNECT exchange. The
// token is sent as a bearer Authorization header on both.
func (d *StompDialer) Dial(ctx context.Context, token string) (Session, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPClient:   d.httpClient,
		HTTPHeader:   header,
		Subprotocols: stompSubprotocols,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.url, err)
	}
	ws.SetReadLimit(maxMessageBytes)

	connCtx, cancel := context.WithCancel(context.Background())
	nc := newWatchedConn(websocket.NetConn(connCtx, ws, websocket.MessageText), cancel)

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(d.heartbeatOutgoing, d.heartbeatIncoming),
	}
	if d.host != "" {
		opts = append(opts, stomp.ConnOpt.Host(d.host))
	}
	if token != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+token))
	}

	// stomp.Connect blocks until CONNECTED arrives; closing the conn is the
	// only way to abort it.
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	conn, err := stomp.Connect(nc, opts...)
	if !stop() {
		if err == nil {
			_ = conn.MustDisconnect()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("stomp connect: %w", err)
	}

	return &stompSession{conn: conn, nc: nc}, nil
}

// --- Session ---

type stompSession struct {
	conn *stomp.Conn
	nc   *watchedConn
}

func (s *stompSession) Subscribe(destination string, headers map[string]string) (Subscription, error) {
	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		opts = append(opts, stomp.SubscribeOpt.Header(k, v))
	}
	sub, err := s.conn.Subscribe(destination, stomp.AckAuto, opts...)
	if err != nil {
		return nil, err
	}

	ss := &stompSubscription{
		sub:    sub,
		frames: make(chan Frame),
		done:   make(chan struct{}),
	}
	go ss.forward()
	return ss, nil
}

func (s *stompSession) Send(destination string, body []byte, headers map[string]string) error {
	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}
	return s.conn.Send(destination, jsonContentType, body, opts...)
}

func (s *stompSession) Done() <-chan struct{} { return s.nc.done }

func (s *stompSession) Err() error {
	select {
	case <-s.nc.done:
		return s.nc.err
	default:
		return nil
	}
}

// Close sends DISCONNECT and waits briefly for the receipt before closing
// the socket.
func (s *stompSession) Close() error {
	s.nc.closing.Store(true)

	select {
	case <-s.nc.done:
		return s.nc.Close()
	default:
	}

	errc := make(chan error, 1)
	go func() { errc <- s.conn.Disconnect() }()

	var err error
	select {
	case err = <-errc:
	case <-time.After(disconnectTimeout):
		err = errors.New("timed out waiting for DISCONNECT receipt")
	}
	_ = s.nc.Close()
	return err
}

// --- Subscription ---

type stompSubscription struct {
	sub    *stomp.Subscription
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

func (s *stompSubscription) Frames() <-chan Frame { return s.frames }

func (s *stompSubscription) Unsubscribe() error {
	s.once.Do(func() { close(s.done) })
	return s.sub.Unsubscribe()
}

// forward copies messages to frames until the subscription ends. After
// Unsubscribe it keeps draining so the connection reader never blocks.
func (s *stompSubscription) forward() {
	defer close(s.frames)
	for msg := range s.sub.C {
		if msg.Err != nil {
			break
		}
		f := Frame{
			Destination: msg.Destination,
			Body:        msg.Body,
			Headers:     headerMap(msg.Header),
		}
		select {
		case s.frames <- f:
		case <-s.done:
			for range s.sub.C {
			}
			return
		}
	}
}

func headerMap(h *frame.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, h.Len())
	for i := 0; i < h.Len(); i++ {
		k, v := h.GetAt(i)
		if _, seen := out[k]; !seen {
			out[k] = v
		}
	}
	return out
}

// --- Conn ---

// watchedConn records the first read or write failure on the socket so a
// dropped connection can be observed without an active subscription.
type watchedConn struct {
	net.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	err     error
	closing atomic.Bool
}

func newWatchedConn(c net.Conn, cancel context.CancelFunc) *watchedConn {
	return &watchedConn{Conn: c, cancel: cancel, done: make(chan struct{})}
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
	w.closing.Store(true)
	err := w.Conn.Close()
	w.cancel()
	w.fail(nil)
	return err
}

func (w *watchedConn) fail(err error) {
	w.once.Do(func() {
		if !w.closing.Load() {
			w.err = err
		}
		close(w.done)
	})
}
