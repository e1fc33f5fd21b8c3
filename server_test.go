package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/kv/errsink"
	"github.com/outofforest/kv/setstore"
	"github.com/outofforest/kv/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

type fakeStore struct {
	mu         sync.Mutex
	rejections int
	attempts   int
	inserts    []setstore.Insert
}

func (s *fakeStore) Submit(cmd setstore.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if s.rejections > 0 {
		s.rejections--
		return errors.WithStack(setstore.ErrFull)
	}

	insert := cmd.(setstore.Insert)
	s.inserts = append(s.inserts, insert)
	if insert.Done != nil {
		insert.Done(len(s.inserts)%2 == 1)
	}
	return nil
}

func (s *fakeStore) Inserts() []setstore.Insert {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]setstore.Insert(nil), s.inserts...)
}

func encode(t *testing.T, msg wire.Message) []byte {
	frame, err := wire.Encode(msg)
	require.NoError(t, err)
	return frame
}

func replies(t *testing.T, conn *serverConn) []wire.Message {
	var msgs []wire.Message
	for {
		select {
		case frame := <-conn.replies:
			msg, err := wire.Decode(frame)
			require.NoError(t, err)
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestReceiveMalformedFrames(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	recorder := &EventRecorder{}
	conn := newServerConn(1, DefaultServerConfig, &fakeStore{}, recorder)

	valid := encode(t, wire.Message{ID: 5, Body: &wire.SetInsert{Name: "set", Value: []byte("value")}})
	frames := [][]byte{
		append([]byte{0x1f}, make([]byte, 31)...),
		{},
		valid[:len(valid)-2],
		{0x02, 0x01, 0x7f},
		{0xde, 0xad, 0xbe, 0xef},
		encode(t, wire.Message{ID: 6, Body: &wire.SetInsertAck{Inserted: true}}),
		encode(t, wire.Message{ID: 7, Body: &wire.UnrecognizedMessageError{}}),
	}

	for _, frame := range frames {
		requireT.NoError(conn.Receive(ctx, frame))
	}

	events := recorder.Events()
	requireT.Len(events, len(frames))
	for i, event := range events {
		decodeErr, ok := event.(errsink.MessageDecodeError)
		requireT.True(ok)
		requireT.Equal(frames[i], decodeErr.Raw)
		if i == 0 {
			requireT.NoError(decodeErr.Err)
		} else {
			requireT.Error(decodeErr.Err)
		}
	}

	msgs := replies(t, conn)
	requireT.Len(msgs, len(frames))
	for _, msg := range msgs {
		requireT.IsType(&wire.UnrecognizedMessageError{}, msg.Body)
	}
	requireT.EqualValues(6, msgs[5].ID)
	requireT.EqualValues(7, msgs[6].ID)

	requireT.NoError(conn.Receive(ctx, valid))
	requireT.Len(conn.inserts, 1)
}

func TestRawBytesAreCopied(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	recorder := &EventRecorder{}
	conn := newServerConn(1, DefaultServerConfig, &fakeStore{}, recorder)

	frame := []byte{0x02, 0x01, 0x7f}
	requireT.NoError(conn.Receive(ctx, frame))
	frame[1] = 0x00

	requireT.Equal([]byte{0x02, 0x01, 0x7f}, recorder.Events()[0].(errsink.MessageDecodeError).Raw)
}

func TestUnsentResponseIsReported(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	config := DefaultServerConfig
	config.ReplyQueueSize = 1

	recorder := &EventRecorder{}
	conn := newServerConn(42, config, &fakeStore{}, recorder)

	requireT.NoError(conn.Receive(ctx, []byte{0x02, 0x01, 0x7f}))
	requireT.NoError(conn.Receive(ctx, []byte{0x02, 0x02, 0x7f}))

	requireT.Equal([]string{"message_decode", "message_decode", "unsent_response"}, recorder.Kinds())
	requireT.Equal(errsink.UnsentResponseError{ClientID: 42}, recorder.Events()[2])
}

func TestDispatcherRetriesRejectedInserts(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	config := DefaultServerConfig
	config.RetryDelay = time.Millisecond

	store := &fakeStore{rejections: 5}
	conn := newServerConn(1, config, store, &EventRecorder{})

	requireT.NoError(conn.Receive(ctx, encode(t, wire.Message{
		ID: 1, Body: &wire.SetInsert{Name: "set", Value: []byte("a")},
	})))
	requireT.NoError(conn.Receive(ctx, encode(t, wire.Message{
		ID: 2, Body: &wire.SetAdd{Name: "set", Data: []byte("b")},
	})))
	requireT.NoError(conn.Receive(ctx, encode(t, wire.Message{
		ID: 3, Body: &wire.SetInsert{Name: "other", Value: []byte("c")},
	})))

	group.Spawn("dispatcher", parallel.Fail, conn.RunDispatcher)

	requireT.Eventually(func() bool {
		return len(store.Inserts()) == 3
	}, 5*time.Second, time.Millisecond)

	inserts := store.Inserts()
	requireT.Equal("set", inserts[0].Name)
	requireT.Equal([]byte("a"), inserts[0].Value)
	requireT.Equal("set", inserts[1].Name)
	requireT.Equal([]byte("b"), inserts[1].Value)
	requireT.Equal("other", inserts[2].Name)
	requireT.Equal([]byte("c"), inserts[2].Value)

	msgs := replies(t, conn)
	requireT.Equal([]wire.Message{
		{ID: 1, Body: &wire.SetInsertAck{Inserted: true}},
		{ID: 2, Body: &wire.SetInsertAck{Inserted: false}},
		{ID: 3, Body: &wire.SetInsertAck{Inserted: true}},
	}, msgs)
}

func TestReceiveStopsWhenContextIsCanceled(t *testing.T) {
	requireT := require.New(t)

	config := DefaultServerConfig
	config.DispatchQueueSize = 0

	ctx, cancel := context.WithCancel(qa.NewContext(t))
	cancel()

	conn := newServerConn(1, config, &fakeStore{}, &EventRecorder{})
	err := conn.Receive(ctx, encode(t, wire.Message{ID: 1, Body: &wire.SetInsert{Name: "set"}}))
	requireT.ErrorIs(err, context.Canceled)
}
