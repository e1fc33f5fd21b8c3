package setstore

import (
	"bytes"
	"context"
	"slices"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

var (
	// ErrFull is returned when command can't be accepted because the inbox is full.
	ErrFull = errors.New("store inbox is full")

	// ErrClosed is returned when command can't be accepted because the store is not running anymore.
	ErrClosed = errors.New("store is closed")
)

// Config is the configuration of the store.
type Config struct {
	InboxSize int
}

// DefaultConfig is the default configuration of the store.
var DefaultConfig = Config{
	InboxSize: 1024,
}

// Command is processed by the store.
type Command interface {
	apply(s *Store)
}

// Insert inserts Value into the set Name. Done, if set, is called by the store goroutine
// with true if value was not a member of the set before. Done must not block.
type Insert struct {
	Name  string
	Value []byte
	Done  func(inserted bool)
}

func (c Insert) apply(s *Store) {
	inserted := s.insert(c.Name, c.Value)
	if inserted {
		s.insertsTotal.WithLabelValues("inserted").Inc()
	} else {
		s.insertsTotal.WithLabelValues("present").Inc()
	}
	if c.Done != nil {
		c.Done(inserted)
	}
}

type lenCommand struct {
	Name string
	Done chan<- int
}

func (c lenCommand) apply(s *Store) {
	c.Done <- len(s.sets[c.Name])
}

type membersCommand struct {
	Name string
	Done chan<- [][]byte
}

func (c membersCommand) apply(s *Store) {
	members := lo.Map(lo.Keys(s.sets[c.Name]), func(v string, _ int) []byte {
		return []byte(v)
	})
	slices.SortFunc(members, bytes.Compare)
	c.Done <- members
}

// Store keeps named sets of byte-string values.
// State is owned by the goroutine executing Run, so commands are applied one by one without locking.
type Store struct {
	inbox  chan Command
	closed chan struct{}
	sets   map[string]map[string]struct{}

	insertsTotal *prometheus.CounterVec
}

// New creates store. Metrics are registered in reg if it is not nil.
func New(config Config, reg prometheus.Registerer) *Store {
	return &Store{
		inbox:  make(chan Command, config.InboxSize),
		closed: make(chan struct{}),
		sets:   map[string]map[string]struct{}{},
		insertsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kv_set_inserts_total",
			Help: "Number of processed set inserts by result.",
		}, []string{"result"}),
	}
}

// Run processes commands until context is canceled.
func (s *Store) Run(ctx context.Context) error {
	defer close(s.closed)

	log := logger.Get(ctx)
	log.Info("Set store started")
	defer log.Info("Set store stopped", zap.Int("sets", len(s.sets)))

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case cmd := <-s.inbox:
			cmd.apply(s)
		}
	}
}

// Submit enqueues command without blocking. It returns ErrFull or ErrClosed if command can't be accepted.
func (s *Store) Submit(cmd Command) error {
	select {
	case <-s.closed:
		return errors.WithStack(ErrClosed)
	default:
	}

	select {
	case s.inbox <- cmd:
		return nil
	default:
		return errors.WithStack(ErrFull)
	}
}

// Insert inserts value into the set and waits for the result.
func (s *Store) Insert(ctx context.Context, name string, value []byte) (bool, error) {
	resCh := make(chan bool, 1)
	if err := s.send(ctx, Insert{
		Name:  name,
		Value: value,
		Done: func(inserted bool) {
			resCh <- inserted
		},
	}); err != nil {
		return false, err
	}
	return wait(ctx, s.closed, resCh)
}

// Len returns the number of values in the set.
func (s *Store) Len(ctx context.Context, name string) (int, error) {
	resCh := make(chan int, 1)
	if err := s.send(ctx, lenCommand{Name: name, Done: resCh}); err != nil {
		return 0, err
	}
	return wait(ctx, s.closed, resCh)
}

// Members returns values of the set in byte order.
func (s *Store) Members(ctx context.Context, name string) ([][]byte, error) {
	resCh := make(chan [][]byte, 1)
	if err := s.send(ctx, membersCommand{Name: name, Done: resCh}); err != nil {
		return nil, err
	}
	return wait(ctx, s.closed, resCh)
}

func (s *Store) send(ctx context.Context, cmd Command) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-s.closed:
		return errors.WithStack(ErrClosed)
	case s.inbox <- cmd:
		return nil
	}
}

func (s *Store) insert(name string, value []byte) bool {
	set, exists := s.sets[name]
	if !exists {
		set = map[string]struct{}{}
		s.sets[name] = set
	}

	if _, exists := set[string(value)]; exists {
		return false
	}
	set[string(value)] = struct{}{}
	return true
}

func wait[T any](ctx context.Context, closed <-chan struct{}, resCh <-chan T) (T, error) {
	select {
	case <-ctx.Done():
		var v T
		return v, errors.WithStack(ctx.Err())
	case <-closed:
		select {
		case v := <-resCh:
			return v, nil
		default:
			var v T
			return v, errors.WithStack(ErrClosed)
		}
	case v := <-resCh:
		return v, nil
	}
}
