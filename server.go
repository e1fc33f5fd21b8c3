package kv

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/kv/errsink"
	"github.com/outofforest/kv/setstore"
	"github.com/outofforest/kv/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
)

var errClientDisconnected = errors.New("client disconnected")

// Store accepts commands without blocking.
type Store interface {
	Submit(cmd setstore.Command) error
}

// ServerConfig defines server configuration.
type ServerConfig struct {
	Host           string
	Port           uint16
	MaxMessageSize uint64

	// DispatchQueueSize is the number of decoded inserts buffered per connection before reading from socket pauses.
	DispatchQueueSize int

	// ReplyQueueSize is the number of responses buffered per connection.
	ReplyQueueSize int

	// RetryDelay is the time to wait before resubmitting command rejected by the store.
	RetryDelay time.Duration
}

// DefaultServerConfig is the default server configuration.
var DefaultServerConfig = ServerConfig{
	Host:              DefaultHost,
	Port:              DefaultPort,
	MaxMessageSize:    DefaultMaxMessageSize,
	DispatchQueueSize: 128,
	ReplyQueueSize:    128,
	RetryDelay:        10 * time.Millisecond,
}

// RunServer opens listening socket on the configured address and serves clients.
// Failure to open the socket is reported to the sink and leaves the server inert.
func RunServer(ctx context.Context, config ServerConfig, store Store, sink errsink.Reporter) error {
	ls, err := net.Listen("tcp", address(config.Host, config.Port))
	if err != nil {
		sink.Report(socketError(config.Host, config.Port, errors.WithStack(err)))
		return nil
	}

	return Serve(ctx, ls, config, store, sink)
}

// Serve serves clients connecting to the listener.
func Serve(ctx context.Context, ls net.Listener, config ServerConfig, store Store, sink errsink.Reporter) error {
	logger.Get(ctx).Info("Server started", zap.String("addr", ls.Addr().String()))

	connConfig := resonance.Config{
		MaxMessageSize: config.MaxMessageSize,
	}

	return resonance.RunServer(ctx, ls, connConfig,
		func(ctx context.Context, c *resonance.Connection) error {
			return runServerConn(ctx, c, config, store, sink)
		})
}

func runServerConn(
	ctx context.Context,
	c *resonance.Connection,
	config ServerConfig,
	store Store,
	sink errsink.Reporter,
) error {
	id, err := clientID()
	if err != nil {
		return err
	}

	log := logger.Get(ctx).With(zap.Uint64("clientID", id))
	log.Debug("Client connected")

	conn := newServerConn(id, config, store, sink)

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			for {
				raw, err := c.ReceiveRawBytes()
				if err != nil {
					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}
					if isDisconnect(err) {
						return errors.WithStack(errClientDisconnected)
					}
					sink.Report(errsink.SocketRecvError{Host: config.Host, Port: config.Port, Err: err})
					return err
				}

				if err := conn.Receive(ctx, raw); err != nil {
					return err
				}
			}
		})
		spawn("dispatcher", parallel.Fail, conn.RunDispatcher)
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer c.Close()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case frame := <-conn.replies:
					if err := c.SendRawBytes(frame); err != nil {
						sink.Report(errsink.UnsentResponseError{ClientID: id})
						return err
					}
				}
			}
		})

		return nil
	})

	switch {
	case ctx.Err() != nil:
		return errors.WithStack(ctx.Err())
	case errors.Is(err, errClientDisconnected):
		log.Debug("Client disconnected")
	default:
		log.Debug("Client connection closed", zap.Error(err))
	}
	return nil
}

// serverConn holds the state of a single client connection.
type serverConn struct {
	id      uint64
	config  ServerConfig
	store   Store
	sink    errsink.Reporter
	inserts chan setstore.Insert
	replies chan []byte
}

func newServerConn(id uint64, config ServerConfig, store Store, sink errsink.Reporter) *serverConn {
	return &serverConn{
		id:      id,
		config:  config,
		store:   store,
		sink:    sink,
		inserts: make(chan setstore.Insert, config.DispatchQueueSize),
		replies: make(chan []byte, config.ReplyQueueSize),
	}
}

// Receive handles single frame received from the client.
// Malformed frames are reported and answered with UnrecognizedMessageError, they never stop the connection.
func (c *serverConn) Receive(ctx context.Context, raw []byte) error {
	msg, err := wire.Decode(raw)
	if err != nil {
		cause := err
		if errors.Is(err, wire.ErrNoVariant) {
			cause = nil
		}
		c.unrecognized(msg.ID, raw, cause)
		return nil
	}

	var insert setstore.Insert
	switch body := msg.Body.(type) {
	case *wire.SetInsert:
		insert = setstore.Insert{Name: body.Name, Value: body.Value}
	case *wire.SetAdd:
		insert = setstore.Insert{Name: body.Name, Value: body.Data}
	default:
		c.unrecognized(msg.ID, raw, errors.Errorf("unexpected message %T", body))
		return nil
	}

	msgID := msg.ID
	insert.Done = func(inserted bool) {
		c.reply(wire.Message{ID: msgID, Body: &wire.SetInsertAck{Inserted: inserted}})
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case c.inserts <- insert:
		return nil
	}
}

// RunDispatcher passes received inserts to the store in the order they were received.
// Inserts rejected by the store are retried until accepted.
func (c *serverConn) RunDispatcher(ctx context.Context) error {
	log := logger.Get(ctx)

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case insert := <-c.inserts:
			for {
				err := c.store.Submit(insert)
				if err == nil {
					break
				}

				log.Debug("Store rejected insert, retrying", zap.Error(err))
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-time.After(c.config.RetryDelay):
				}
			}
		}
	}
}

func (c *serverConn) unrecognized(id uint32, raw []byte, err error) {
	c.sink.Report(errsink.MessageDecodeError{Raw: bytes.Clone(raw), Err: err})
	c.reply(wire.Message{ID: id, Body: &wire.UnrecognizedMessageError{}})
}

// reply enqueues response without blocking, it is called from the store goroutine too.
func (c *serverConn) reply(msg wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		c.sink.Report(errsink.UnsentResponseError{ClientID: c.id})
		return
	}

	select {
	case c.replies <- frame:
	default:
		c.sink.Report(errsink.UnsentResponseError{ClientID: c.id})
	}
}
