package kv

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/kv/errsink"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// ErrSendFailed is returned by chunker when sender rejected the chunk permanently.
var ErrSendFailed = errors.New("sending chunk failed")

// DefaultBlockSize is the default size of the block read from the source at once.
const DefaultBlockSize = 5 * 1024 * 1024

// Sender accepts chunks for delivery.
type Sender interface {
	Send(name string, value []byte) SendResult
}

// ChunkerConfig is the configuration of chunker.
type ChunkerConfig struct {
	// Name is the set chunks are inserted to.
	Name string

	// Separator splits the stream into chunks. If it is empty, the stream is never split and no chunk is produced.
	Separator []byte

	// BlockSize is the size of the buffer used to read from the source.
	BlockSize int

	// RetryDelay is the time to wait before sending again the chunk sender asked to retry.
	RetryDelay time.Duration
}

// DefaultChunkerConfig returns the default chunker configuration for the set.
func DefaultChunkerConfig(name string) ChunkerConfig {
	return ChunkerConfig{
		Name:       name,
		Separator:  []byte("\n"),
		BlockSize:  DefaultBlockSize,
		RetryDelay: 10 * time.Millisecond,
	}
}

type readResult struct {
	N   int
	Err error
}

// Chunker splits the stream read from the source into chunks and passes them to the sender.
//
// Separator is matched literally from left to right. After a mismatch, the partially matched bytes and the
// mismatching byte are added to the chunk, and matching starts again with the next byte, so overlapping
// occurrences (e.g. separator "aa" in "aaa") are not recovered. A scanner appending only the mismatching byte
// would silently lose the partially matched separator bytes, here every input byte outside a full separator
// ends up in a chunk.
//
// Sink may be nil, events are discarded then.
type Chunker struct {
	config ChunkerConfig
	source io.Reader
	sender Sender
	sink   errsink.Reporter

	buf      []byte
	current  []byte
	sepIndex int
	pending  [][]byte
}

// NewChunker creates new chunker.
func NewChunker(config ChunkerConfig, source io.Reader, sender Sender, sink errsink.Reporter) *Chunker {
	if config.BlockSize <= 0 {
		config.BlockSize = DefaultBlockSize
	}
	if sink == nil {
		sink = errsink.Discard
	}
	return &Chunker{
		config: config,
		source: source,
		sender: sender,
		sink:   sink,
		buf:    make([]byte, config.BlockSize),
	}
}

// Run reads the source until it ends and delivers all the chunks.
// Next block is not read until all the chunks produced so far are accepted by the sender.
func (c *Chunker) Run(ctx context.Context) error {
	reads := make(chan readResult)
	next := make(chan struct{})

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("reader", parallel.Continue, func(ctx context.Context) error {
			return c.read(ctx, reads, next)
		})
		spawn("scanner", parallel.Exit, func(ctx context.Context) error {
			return c.scan(ctx, reads, next)
		})
		spawn("closer", parallel.Continue, func(ctx context.Context) error {
			<-ctx.Done()
			if closer, ok := c.source.(io.Closer); ok {
				_ = closer.Close()
			}
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}

// Feed scans data and queues completed chunks.
func (c *Chunker) Feed(data []byte) {
	sep := c.config.Separator
	if len(sep) == 0 {
		c.current = append(c.current, data...)
		return
	}

	last := len(sep) - 1
	for _, b := range data {
		switch {
		case b != sep[c.sepIndex]:
			c.current = append(c.current, sep[:c.sepIndex]...)
			c.current = append(c.current, b)
			c.sepIndex = 0
		case c.sepIndex == last:
			c.sepIndex = 0
			c.emit()
		default:
			c.sepIndex++
		}
	}
}

// Finish queues the bytes remaining after the last separator as the final chunk.
// Nothing is queued if separator is empty.
func (c *Chunker) Finish() {
	if len(c.config.Separator) == 0 {
		return
	}

	c.current = append(c.current, c.config.Separator[:c.sepIndex]...)
	c.sepIndex = 0
	c.emit()
}

// Flush passes queued chunks to the sender in order. It stops on the first chunk sender asks to retry
// and returns false, the chunk stays at the front of the queue. Client which is full or no longer running
// asks to retry. If sender fails, the chunk is dropped and ErrSendFailed is returned.
func (c *Chunker) Flush() (bool, error) {
	for len(c.pending) > 0 {
		switch res := c.sender.Send(c.config.Name, c.pending[0]); res {
		case SendOK:
			c.pending[0] = nil
			c.pending = c.pending[1:]
		case SendRetry:
			return false, nil
		default:
			c.pending[0] = nil
			c.pending = c.pending[1:]
			return false, errors.Wrapf(ErrSendFailed, "send result: %s", res)
		}
	}

	c.pending = nil
	return true, nil
}

// Pending returns queued chunks.
func (c *Chunker) Pending() [][]byte {
	return c.pending
}

// Current returns bytes collected since the last emitted chunk.
func (c *Chunker) Current() []byte {
	return c.current
}

func (c *Chunker) emit() {
	if len(c.current) == 0 {
		return
	}
	c.pending = append(c.pending, c.current)
	c.current = nil
}

// read owns the buffer between receiving from next and sending to reads.
func (c *Chunker) read(ctx context.Context, reads chan<- readResult, next <-chan struct{}) error {
	for {
		n, err := c.source.Read(c.buf)

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case reads <- readResult{N: n, Err: err}:
		}

		if err != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-next:
		}
	}
}

// scan owns the buffer between receiving from reads and sending to next.
func (c *Chunker) scan(ctx context.Context, reads <-chan readResult, next chan<- struct{}) error {
	log := logger.Get(ctx)

	var eof, reading bool
	for {
		flushed, err := c.Flush()
		if err != nil {
			return err
		}

		if !flushed {
			select {
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			case <-time.After(c.config.RetryDelay):
			}
			continue
		}

		if eof {
			if len(c.current) > 0 {
				log.Warn("Input ended, unsplit data was not sent", zap.Int("size", len(c.current)))
			}
			return nil
		}

		if reading {
			select {
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			case next <- struct{}{}:
			}
		}

		var res readResult
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case res = <-reads:
		}

		if res.N > 0 {
			c.Feed(c.buf[:res.N])
		}

		switch {
		case res.Err == nil:
			reading = true
		case errors.Is(res.Err, io.EOF):
			reading = false
			eof = true
			c.Finish()
		default:
			c.sink.Report(errsink.StreamReadError{Err: res.Err})
			return errors.WithStack(res.Err)
		}
	}
}
