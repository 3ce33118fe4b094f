package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	DefaultNATSPrefix = "palaver"
	natsInboxSize     = 256
)

// NATSDialer connects through a NATS server instead of a websocket. Frames
// for the user arrive on <prefix>.user.<userID>; frames from the client are
// published to <prefix>.client.<userID>.
//
// Library reconnects are disabled: the Session owns the retry policy.
type NATSDialer struct {
	URL    string
	Prefix string
	UserID string
	Token  string
	Name   string
}

func (d *NATSDialer) inboundSubject() string {
	return d.prefix() + ".user." + d.UserID
}

func (d *NATSDialer) outboundSubject() string {
	return d.prefix() + ".client." + d.UserID
}

func (d *NATSDialer) prefix() string {
	if d.Prefix == "" {
		return DefaultNATSPrefix
	}
	return d.Prefix
}

func (d *NATSDialer) Dial(ctx context.Context) (Conn, error) {
	if d.UserID == "" {
		return nil, errors.New("nats dial: user id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &natsConn{
		msgs:     make(chan *nats.Msg, natsInboxSize),
		closed:   make(chan struct{}),
		outbound: d.outboundSubject(),
	}

	name := d.Name
	if name == "" {
		name = "palaver-" + d.UserID
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.fail(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.fail(nil)
		}),
	}
	if d.Token != "" {
		opts = append(opts, nats.Token(d.Token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(d.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", d.URL, err)
	}

	sub, err := nc.ChanSubscribe(d.inboundSubject(), c.msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", d.inboundSubject(), err)
	}

	c.nc = nc
	c.sub = sub
	return c, nil
}

type natsConn struct {
	nc       *nats.Conn
	sub      *nats.Subscription
	msgs     chan *nats.Msg
	outbound string

	mu        sync.Mutex
	err       error
	closed    chan struct{}
	closeOnce sync.Once
}

// fail records why the connection ended and wakes up the reader.
func (c *natsConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		if err == nil {
			err = nats.ErrConnectionClosed
		}
		c.err = err
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *natsConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.msgs:
		return msg.Data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	}
}

func (c *natsConn) WriteMessage(data []byte) error {
	return c.nc.Publish(c.outbound, data)
}

func (c *natsConn) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.nc.Close()
	c.fail(nil)
	return nil
}
