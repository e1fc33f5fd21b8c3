package errsink

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

func newContext(t *testing.T) (context.Context, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return logger.WithLogger(qa.NewContext(t), zap.New(core)), logs
}

func TestSinkLogsEvents(t *testing.T) {
	requireT := require.New(t)

	ctx, logs := newContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	sink := New(DefaultConfig, prometheus.NewRegistry())
	group.Spawn("sink", parallel.Fail, sink.Run)

	sink.Report(MessageDecodeError{Raw: []byte{0x00, 0x01}})
	sink.Report(MessageDecodeError{Raw: []byte("abc"), Err: errors.New("broken")})
	sink.Report(UnsentResponseError{ClientID: 7})
	sink.Report(SocketRecvError{Host: "localhost", Port: 60054, Err: errors.New("closed")})

	requireT.Eventually(func() bool {
		return logs.Len() == 4
	}, time.Second, 10*time.Millisecond)

	entries := logs.All()
	requireT.Equal("AAE=", entries[0].ContextMap()["message"])
	requireT.NotContains(entries[0].ContextMap(), "error")
	requireT.Equal("YWJj", entries[1].ContextMap()["message"])
	requireT.Equal("broken", entries[1].ContextMap()["error"])
	requireT.EqualValues(7, entries[2].ContextMap()["clientID"])
	requireT.Equal("localhost", entries[3].ContextMap()["host"])
	requireT.EqualValues(60054, entries[3].ContextMap()["port"])

	requireT.InDelta(2.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues("message_decode")), 0)
	requireT.InDelta(1.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues("socket_recv")), 0)
}

func TestSinkCountsDroppedEvents(t *testing.T) {
	requireT := require.New(t)

	ctx, logs := newContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	sink := New(Config{QueueSize: 1}, prometheus.NewRegistry())

	sink.Report(StreamReadError{Err: errors.New("1")})
	sink.Report(StreamReadError{Err: errors.New("2")})
	sink.Report(StreamReadError{Err: errors.New("3")})

	requireT.InDelta(2.0, testutil.ToFloat64(sink.droppedTotal), 0)
	requireT.InDelta(3.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues("stream_read")), 0)

	group.Spawn("sink", parallel.Fail, sink.Run)

	requireT.Eventually(func() bool {
		return logs.Len() == 2
	}, time.Second, 10*time.Millisecond)

	entries := logs.All()
	requireT.Equal("Failure events were dropped", entries[0].Message)
	requireT.EqualValues(2, entries[0].ContextMap()["count"])
	requireT.Equal("Could not read from the input stream", entries[1].Message)
	requireT.Equal("1", entries[1].ContextMap()["error"])
}

func TestReportWithoutRegistry(t *testing.T) {
	sink := New(Config{QueueSize: 0}, nil)
	require.NotPanics(t, func() {
		sink.Report(SocketOpenError{Addr: "localhost:1", Err: errors.New("refused")})
	})
}
