package setstore_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/kv/setstore"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

func runStore(t *testing.T, config setstore.Config) (context.Context, *setstore.Store) {
	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	t.Cleanup(func() {
		group.Exit(nil)
		require.NoError(t, group.Wait())
	})

	store := setstore.New(config, prometheus.NewRegistry())
	group.Spawn("store", parallel.Fail, store.Run)

	return ctx, store
}

func TestInsertIsIdempotent(t *testing.T) {
	requireT := require.New(t)
	ctx, store := runStore(t, setstore.DefaultConfig)

	inserted, err := store.Insert(ctx, "fruits", []byte("apple"))
	requireT.NoError(err)
	requireT.True(inserted)

	size, err := store.Len(ctx, "fruits")
	requireT.NoError(err)
	requireT.Equal(1, size)

	inserted, err = store.Insert(ctx, "fruits", []byte("apple"))
	requireT.NoError(err)
	requireT.False(inserted)

	size, err = store.Len(ctx, "fruits")
	requireT.NoError(err)
	requireT.Equal(1, size)
}

func TestSetsAreIndependent(t *testing.T) {
	requireT := require.New(t)
	ctx, store := runStore(t, setstore.DefaultConfig)

	inserted, err := store.Insert(ctx, "fruits", []byte("apple"))
	requireT.NoError(err)
	requireT.True(inserted)

	inserted, err = store.Insert(ctx, "trees", []byte("apple"))
	requireT.NoError(err)
	requireT.True(inserted)

	size, err := store.Len(ctx, "missing")
	requireT.NoError(err)
	requireT.Zero(size)
}

func TestValuesAreComparedByBytes(t *testing.T) {
	requireT := require.New(t)
	ctx, store := runStore(t, setstore.DefaultConfig)

	for _, v := range [][]byte{{}, {0x00}, {0x00, 0x00}, []byte("a"), []byte("A")} {
		inserted, err := store.Insert(ctx, "set", v)
		requireT.NoError(err)
		requireT.True(inserted)
	}

	inserted, err := store.Insert(ctx, "set", nil)
	requireT.NoError(err)
	requireT.False(inserted)

	members, err := store.Members(ctx, "set")
	requireT.NoError(err)
	requireT.Equal([][]byte{{}, {0x00}, {0x00, 0x00}, []byte("A"), []byte("a")}, members)
}

func TestConcurrentInserts(t *testing.T) {
	const count = 100

	requireT := require.New(t)
	ctx, store := runStore(t, setstore.Config{InboxSize: 4})

	var inserted atomic.Int64
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for i := range count {
			spawn(fmt.Sprintf("insert-%d", i), parallel.Continue, func(ctx context.Context) error {
				ok, err := store.Insert(ctx, "numbers", []byte(fmt.Sprintf("%d", i)))
				if err != nil {
					return err
				}
				if ok {
					inserted.Add(1)
				}
				return nil
			})
		}
		return nil
	})
	requireT.NoError(err)
	requireT.EqualValues(count, inserted.Load())

	size, err := store.Len(ctx, "numbers")
	requireT.NoError(err)
	requireT.Equal(count, size)
}

func TestSubmitReportsFullInbox(t *testing.T) {
	requireT := require.New(t)

	store := setstore.New(setstore.Config{InboxSize: 1}, nil)
	requireT.NoError(store.Submit(setstore.Insert{Name: "set", Value: []byte("a")}))
	requireT.True(errors.Is(store.Submit(setstore.Insert{Name: "set", Value: []byte("b")}), setstore.ErrFull))
}

func TestSubmitReportsClosedStore(t *testing.T) {
	requireT := require.New(t)

	ctx, cancel := context.WithCancel(qa.NewContext(t))
	store := setstore.New(setstore.DefaultConfig, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- store.Run(ctx)
	}()

	cancel()
	requireT.ErrorIs(<-errCh, context.Canceled)

	requireT.True(errors.Is(store.Submit(setstore.Insert{Name: "set"}), setstore.ErrClosed))

	_, err := store.Insert(qa.NewContext(t), "set", []byte("a"))
	requireT.True(errors.Is(err, setstore.ErrClosed))
}

func TestSubmittedInsertCallsDone(t *testing.T) {
	requireT := require.New(t)
	_, store := runStore(t, setstore.DefaultConfig)

	results := make(chan bool, 2)
	done := func(inserted bool) {
		results <- inserted
	}

	requireT.NoError(store.Submit(setstore.Insert{Name: "set", Value: []byte("a"), Done: done}))
	requireT.NoError(store.Submit(setstore.Insert{Name: "set", Value: []byte("a"), Done: done}))

	requireT.True(<-results)
	requireT.False(<-results)
}
