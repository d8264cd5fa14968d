package integration

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/server"
)

// Broker is an in-process STOMP broker reachable over WebSocket.
type Broker struct {
	url string

	mu    sync.Mutex
	conns []net.Conn
}

// NewBroker starts a broker that is stopped when the test completes.
func NewBroker(t *testing.T) *Broker {
	t.Helper()
	b := &Broker{}
	l := &wsListener{conns: make(chan net.Conn), done: make(chan struct{})}

	srv := &server.Server{HeartBeat: time.Minute}
	go func() { _ = srv.Serve(l) }()

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
		})
		if err != nil {
			return
		}
		nc := websocket.NetConn(context.Background(), ws, websocket.MessageText)

		b.mu.Lock()
		b.conns = append(b.conns, nc)
		b.mu.Unlock()

		select {
		case l.conns <- nc:
		case <-l.done:
			_ = nc.Close()
		}
	}))
	t.Cleanup(func() {
		_ = l.Close()
		hs.Close()
	})

	b.url = "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	return b
}

// URL returns the WebSocket endpoint.
func (b *Broker) URL() string {
	return b.url
}

// DropConnections closes every client connection without a STOMP goodbye.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		_ = c.Close()
	}
	b.conns = nil
}

// wsListener feeds WebSocket connections accepted by an HTTP handler to the
// STOMP server.
type wsListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *wsListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}
