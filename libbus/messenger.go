// Package libbus provides a small publish/subscribe and request/reply
// abstraction with two implementations: a NATS-backed one for deployments
// that already run a broker, and an in-memory one for single-process use.
package libbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

var (
	// ErrConnectionClosed is returned for operations on a closed messenger.
	ErrConnectionClosed = errors.New("libbus: connection closed")
	// ErrRequestTimeout is returned when a request exceeds its deadline.
	ErrRequestTimeout = errors.New("libbus: request timed out")
	// ErrNoResponders is returned when no handler serves the subject.
	ErrNoResponders = errors.New("libbus: no responders for subject")
)

// Handler processes a request payload and returns the reply payload.
type Handler func(ctx context.Context, data []byte) ([]byte, error)

// Subscription is a handle to an active stream or serve registration.
type Subscription interface {
	Unsubscribe() error
}

// Messenger is the transport surface: fire-and-forget publish, streaming
// subscriptions, and request/reply.
type Messenger interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Serve(ctx context.Context, subject string, handler Handler) (Subscription, error)
	Close() error
}

// Config holds NATS connection settings.
type Config struct {
	NATSURL      string `json:"nats_url"`
	NATSUser     string `json:"nats_user"`
	NATSPassword string `json:"nats_password"`
}

// pubSub is the NATS-backed Messenger.
type pubSub struct {
	nc *nats.Conn
}

// NewPubSub connects to NATS and returns a Messenger backed by it.
func NewPubSub(ctx context.Context, cfg *Config) (Messenger, error) {
	if cfg == nil || cfg.NATSURL == "" {
		return nil, errors.New("libbus: missing NATS URL")
	}
	opts := []nats.Option{nats.Name("libbus")}
	if cfg.NATSUser != "" {
		opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPassword))
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("libbus: connecting to NATS: %w", err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("libbus: flushing NATS connection: %w", err)
	}
	return &pubSub{nc: nc}, nil
}

func (p *pubSub) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return translateNATSError(err)
	}
	return nil
}

func (p *pubSub) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch <- msg.Data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, translateNATSError(err)
	}
	wrapped := &natsSubscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = wrapped.Unsubscribe()
	}()
	return wrapped, nil
}

func (p *pubSub) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := p.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, translateNATSError(err)
	}
	return msg.Data, nil
}

func (p *pubSub) Serve(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		reply := runHandler(ctx, handler, msg.Data)
		_ = msg.Respond(reply)
	})
	if err != nil {
		return nil, translateNATSError(err)
	}
	wrapped := &natsSubscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = wrapped.Unsubscribe()
	}()
	return wrapped, nil
}

func (p *pubSub) Close() error {
	p.nc.Close()
	return nil
}

// runHandler invokes a request handler, converting panics and errors into
// textual replies so the requester always gets a response.
func runHandler(ctx context.Context, handler Handler, data []byte) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			reply = []byte(fmt.Sprintf("error: handler panic: %v", r))
		}
	}()
	out, err := handler(ctx, data)
	if err != nil {
		return []byte(fmt.Sprintf("error: %v", err))
	}
	return out
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return translateNATSError(err)
	}
	return nil
}

func translateNATSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrConnectionClosed):
		return ErrConnectionClosed
	case errors.Is(err, nats.ErrNoResponders):
		return ErrNoResponders
	case errors.Is(err, nats.ErrTimeout):
		return ErrRequestTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("libbus: nats error: %w", err)
	}
}

var _ Messenger = (*pubSub)(nil)

// NewTestPubSub returns an in-memory Messenger suitable for tests, with a
// cleanup function that closes it.
func NewTestPubSub() (Messenger, func(), error) {
	ps := NewInMem()
	return ps, func() { _ = ps.Close() }, nil
}
