package errsink

import (
	"encoding/base64"

	"go.uber.org/zap"
)

// Event is a failure reported by a component.
type Event interface {
	// Kind is the short name of the event used in metrics.
	Kind() string

	log(log *zap.Logger)
}

// SocketOpenError is reported when socket could not be opened.
type SocketOpenError struct {
	Addr string
	Err  error
}

// Kind returns kind of the event.
func (e SocketOpenError) Kind() string {
	return "socket_open"
}

func (e SocketOpenError) log(log *zap.Logger) {
	log.Error("Could not open a socket", zap.String("addr", e.Addr), zap.Error(e.Err))
}

// SocketConnectionError is reported when socket could not be bound or connected to the address.
type SocketConnectionError struct {
	Host string
	Port uint16
	Err  error
}

// Kind returns kind of the event.
func (e SocketConnectionError) Kind() string {
	return "socket_connection"
}

func (e SocketConnectionError) log(log *zap.Logger) {
	log.Error("Could not connect the socket",
		zap.String("host", e.Host), zap.Uint16("port", e.Port), zap.Error(e.Err))
}

// SocketSendError is reported when message could not be sent for a reason other than full queue.
type SocketSendError struct {
	Host string
	Port uint16
	Err  error
}

// Kind returns kind of the event.
func (e SocketSendError) Kind() string {
	return "socket_send"
}

func (e SocketSendError) log(log *zap.Logger) {
	log.Error("Could not send a message over the socket",
		zap.String("host", e.Host), zap.Uint16("port", e.Port), zap.Error(e.Err))
}

// SocketRecvError is reported when receive loop stops because the connection is unusable.
type SocketRecvError struct {
	Host string
	Port uint16
	Err  error
}

// Kind returns kind of the event.
func (e SocketRecvError) Kind() string {
	return "socket_recv"
}

func (e SocketRecvError) log(log *zap.Logger) {
	log.Error("Could not receive data from the socket",
		zap.String("host", e.Host), zap.Uint16("port", e.Port), zap.Error(e.Err))
}

// MessageDecodeError is reported when received frame is malformed or carries no known message.
// Err is nil if frame was decoded but no message variant was present.
type MessageDecodeError struct {
	Raw []byte
	Err error
}

// Kind returns kind of the event.
func (e MessageDecodeError) Kind() string {
	return "message_decode"
}

func (e MessageDecodeError) log(log *zap.Logger) {
	raw := zap.String("message", base64.StdEncoding.EncodeToString(e.Raw))
	if e.Err == nil {
		log.Error("Could not decode a received message", raw)
		return
	}
	log.Error("Could not decode a received message", raw, zap.Error(e.Err))
}

// StreamReadError is reported when source stream could not be read.
type StreamReadError struct {
	Err error
}

// Kind returns kind of the event.
func (e StreamReadError) Kind() string {
	return "stream_read"
}

func (e StreamReadError) log(log *zap.Logger) {
	log.Error("Could not read from the input stream", zap.Error(e.Err))
}

// UnsentResponseError is reported when response could not be delivered to the client.
type UnsentResponseError struct {
	ClientID uint64
}

// Kind returns kind of the event.
func (e UnsentResponseError) Kind() string {
	return "unsent_response"
}

func (e UnsentResponseError) log(log *zap.Logger) {
	log.Error("Could not send a response to the client", zap.Uint64("clientID", e.ClientID))
}
