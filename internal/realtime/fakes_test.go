package realtime

import (
	"context"
	"errors"
	"sync"
)

// fakeDialer hands out in-memory sessions.
type fakeDialer struct {
	mu       sync.Mutex
	tokens   []string
	fail     error
	gate     chan struct{}
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Session, error) {
	d.mu.Lock()
	d.tokens = append(d.tokens, token)
	gate, fail := d.gate, d.fail
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	s := newFakeSession()
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) setGate(gate chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = gate
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) tokenList() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

func (d *fakeDialer) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.sessions) + i
	}
	if i < 0 || i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

type sentFrame struct {
	Destination string
	Body        string
	Headers     map[string]string
}

// fakeSession records subscriptions and sends, and lets tests push frames.
type fakeSession struct {
	mu      sync.Mutex
	subs    []*fakeSub
	sent    []sentFrame
	sendErr error
	closed  bool
	done    chan struct{}
	err     error
	once    sync.Once

	// unsubGate, when set, holds Unsubscribe until closed, like a broker
	// that is slow to send its receipt.
	unsubGate chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) Subscribe(destination string, headers map[string]string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	sub := &fakeSub{session: s, destination: destination, headers: headers, frames: make(chan Frame, 64)}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *fakeSession) Send(destination string, body []byte, headers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentFrame{Destination: destination, Body: string(body), Headers: headers})
	return nil
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *fakeSession) Close() error {
	s.end(nil)
	return nil
}

// drop simulates the broker connection failing.
func (s *fakeSession) drop(err error) {
	s.end(err)
}

func (s *fakeSession) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		for _, sub := range s.subs {
			sub.closeFrames()
		}
		s.subs = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// deliver pushes a frame to every active subscription on destination and
// reports how many received it.
func (s *fakeSession) deliver(destination, body string) int {
	return s.deliverFrame(Frame{Destination: destination, Body: []byte(body)})
}

func (s *fakeSession) deliverFrame(f Frame) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.destination == f.Destination {
			sub.frames <- f
			n++
		}
	}
	return n
}

func (s *fakeSession) setUnsubscribeGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubGate = gate
}

// active returns the number of live subscriptions on destination.
func (s *fakeSession) active(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.destination == destination {
			n++
		}
	}
	return n
}

func (s *fakeSession) sentFrames() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.sent...)
}

type fakeSub struct {
	session     *fakeSession
	destination string
	headers     map[string]string
	frames      chan Frame
	once        sync.Once
}

func (f *fakeSub) Frames() <-chan Frame { return f.frames }

func (f *fakeSub) Unsubscribe() error {
	s := f.session
	s.mu.Lock()
	gate := s.unsubGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == f {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	f.closeFrames()
	return nil
}

func (f *fakeSub) closeFrames() {
	f.once.Do(func() { close(f.frames) })
}
