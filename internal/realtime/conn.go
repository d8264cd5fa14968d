// Package realtime is the client side of the broker connection: one
// multiplexed STOMP session carrying every topic and user queue the
// application listens on, plus the publish destinations for user actions.
package realtime

import "context"

// Frame is a MESSAGE frame received on a subscription.
type Frame struct {
	Destination string
	Body        []byte
	Headers     map[string]string
}

// Dialer opens broker sessions.
type Dialer interface {
	// Dial connects and completes the protocol handshake. token is the
	// opaque bearer credential, possibly empty.
	Dial(ctx context.Context, token string) (Session, error)
}

// Session is an established broker connection.
type Session interface {
	// Subscribe starts delivery of frames sent to destination.
	Subscribe(destination string, headers map[string]string) (Subscription, error)

	// Send publishes body to destination. It returns once the frame has
	// been handed to the connection, not when the broker has processed it.
	Send(destination string, body []byte, headers map[string]string) error

	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}

	// Err reports why the session ended. It is nil before Done is closed
	// and after a Close initiated by the caller.
	Err() error

	// Close ends the session.
	Close() error
}

// Subscription is an active subscription on a Session.
type Subscription interface {
	// Frames delivers received frames in order. The channel is closed when
	// the subscription or its session ends.
	Frames() <-chan Frame

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}
