package kv

import (
	"bytes"
	"cmp"
	"context"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/kv/errsink"
	"github.com/outofforest/kv/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
)

var (
	// ErrClientInert is reported when message is sent to the client which has no usable server address.
	ErrClientInert = errors.New("client has no usable server address")

	// ErrMessageTooLarge is reported when encoded message exceeds the size limit.
	ErrMessageTooLarge = errors.New("message too large")
)

// SendResult is the result of sending a message.
type SendResult int

const (
	// SendOK means message was accepted for delivery.
	SendOK SendResult = iota

	// SendRetry means message can't be accepted now, because the queue is full or the client is not running,
	// and the same payload must be sent again later.
	SendRetry

	// SendFailed means message was rejected and will never be delivered.
	SendFailed
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "ok"
	case SendRetry:
		return "retry"
	default:
		return "failed"
	}
}

// ClientConfig is the config of client.
type ClientConfig struct {
	Host           string
	Port           uint16
	MaxMessageSize uint64

	// QueueSize is the number of messages accepted by Send and not yet written to the socket.
	QueueSize int

	// ReconnectDelay is the time to wait before reconnecting after connection failed.
	ReconnectDelay time.Duration
}

// DefaultClientConfig is the default client configuration.
var DefaultClientConfig = ClientConfig{
	Host:           DefaultHost,
	Port:           DefaultPort,
	MaxMessageSize: DefaultMaxMessageSize,
	QueueSize:      128,
	ReconnectDelay: time.Second,
}

type outFrame struct {
	ID      uint32
	Seq     uint64
	Data    []byte
	Written bool
}

// Client sends set inserts to the server.
// Every sent message stays in flight until server acknowledges it. Messages in flight are sent again,
// in the original order, after reconnection.
type Client struct {
	config ClientConfig
	sink   errsink.Reporter
	queue  chan *outFrame

	mu       sync.Mutex
	inert    bool
	stopped  bool
	nextID   uint32
	nextSeq  uint64
	inFlight map[uint32]*outFrame
}

// NewClient creates new client.
func NewClient(config ClientConfig, sink errsink.Reporter) *Client {
	if sink == nil {
		sink = errsink.Discard
	}
	return &Client{
		config:   config,
		sink:     sink,
		queue:    make(chan *outFrame, config.QueueSize),
		inFlight: map[uint32]*outFrame{},
	}
}

// Run connects to the server and sends queued messages until context is canceled.
// Invalid address is reported to the sink and leaves the client inert.
// Failed connection attempts are retried. Only the first failure of each outage is reported, repeats are logged
// at debug level.
func (c *Client) Run(ctx context.Context) error {
	addr := address(c.config.Host, c.config.Port)
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		c.sink.Report(errsink.SocketConnectionError{Host: c.config.Host, Port: c.config.Port, Err: errors.WithStack(err)})
		c.setInert()
		return nil
	}

	defer c.stop()

	log := logger.Get(ctx)
	connConfig := resonance.Config{
		MaxMessageSize: c.config.MaxMessageSize,
	}

	var reported bool
	for {
		var connected bool
		err := resonance.RunClient(ctx, addr, connConfig,
			func(ctx context.Context, conn *resonance.Connection) error {
				connected = true
				log.Info("Connected to server", zap.String("addr", addr))
				return c.runConn(ctx, conn)
			})

		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}

		switch {
		case connected:
			reported = false
			log.Error("Connection to server lost", zap.String("addr", addr), zap.Error(err))
		case reported:
			log.Debug("Connecting to server failed again", zap.String("addr", addr), zap.Error(err))
		default:
			reported = true
			c.sink.Report(socketError(c.config.Host, c.config.Port, err))
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(c.config.ReconnectDelay):
		}
	}
}

// Send encodes insert of value into the set name and queues it without blocking.
func (c *Client) Send(name string, value []byte) SendResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inert {
		c.reportSendError(errors.WithStack(ErrClientInert))
		return SendFailed
	}
	if c.stopped || len(c.queue) == cap(c.queue) {
		return SendRetry
	}

	id := c.allocateID()
	frame, err := wire.Encode(wire.Message{
		ID:   id,
		Body: &wire.SetInsert{Name: name, Value: value},
	})
	if err != nil {
		c.reportSendError(err)
		return SendFailed
	}
	if c.config.MaxMessageSize > 0 && uint64(len(frame)) > c.config.MaxMessageSize {
		c.reportSendError(errors.Wrapf(ErrMessageTooLarge, "frame of %d bytes exceeds limit of %d bytes",
			len(frame), c.config.MaxMessageSize))
		return SendFailed
	}

	f := &outFrame{
		ID:   id,
		Seq:  c.nextSeq,
		Data: frame,
	}

	select {
	case c.queue <- f:
	default:
		return SendRetry
	}

	c.nextSeq++
	c.inFlight[id] = f
	return SendOK
}

// InFlight returns the number of messages not acknowledged by the server yet.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.inFlight)
}

// Drain waits until all the sent messages are acknowledged.
func (c *Client) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for c.InFlight() > 0 {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Client) runConn(ctx context.Context, conn *resonance.Connection) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			for {
				raw, err := conn.ReceiveRawBytes()
				if err != nil {
					return err
				}
				c.receive(ctx, raw)
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer conn.Close()

			for _, f := range c.unacknowledged() {
				if err := conn.SendRawBytes(f.Data); err != nil {
					c.reportSendError(err)
					return err
				}
			}

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case f := <-c.queue:
					c.markWritten(f)
					if err := conn.SendRawBytes(f.Data); err != nil {
						c.reportSendError(err)
						return err
					}
				}
			}
		})

		return nil
	})
}

func (c *Client) receive(ctx context.Context, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		cause := err
		if errors.Is(err, wire.ErrNoVariant) {
			cause = nil
		}
		c.sink.Report(errsink.MessageDecodeError{Raw: bytes.Clone(raw), Err: cause})
		return
	}

	log := logger.Get(ctx)
	switch body := msg.Body.(type) {
	case *wire.SetInsertAck:
		c.acknowledge(msg.ID)
		log.Debug("Insert acknowledged", zap.Uint32("id", msg.ID), zap.Bool("inserted", body.Inserted))
	case *wire.UnrecognizedMessageError:
		c.acknowledge(msg.ID)
		log.Warn("Server could not decode the message", zap.Uint32("id", msg.ID))
	default:
		c.sink.Report(errsink.MessageDecodeError{
			Raw: bytes.Clone(raw),
			Err: errors.Errorf("unexpected message %T", body),
		})
	}
}

// allocateID returns the next ID not used by any message in flight. Zero is never used.
func (c *Client) allocateID() uint32 {
	for {
		c.nextID++
		if c.nextID == 0 {
			continue
		}
		if _, exists := c.inFlight[c.nextID]; !exists {
			return c.nextID
		}
	}
}

func (c *Client) markWritten(f *outFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.Written = true
}

func (c *Client) acknowledge(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, id)
}

// unacknowledged returns messages written to the previous connection but not acknowledged, in send order.
func (c *Client) unacknowledged() []*outFrame {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := lo.Filter(lo.Values(c.inFlight), func(f *outFrame, _ int) bool {
		return f.Written
	})
	slices.SortFunc(frames, func(a, b *outFrame) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return frames
}

func (c *Client) setInert() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inert = true
}

func (c *Client) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
}

func (c *Client) reportSendError(err error) {
	c.sink.Report(errsink.SocketSendError{Host: c.config.Host, Port: c.config.Port, Err: err})
}
