package storage_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ovaladares/orca/pkg/discovery"
	"github.com/ovaladares/orca/pkg/dispatcher"
	"github.com/ovaladares/orca/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nodeNames = []string{"node-a", "node-b", "node-c", "node-d"}

func startLockManager(t *testing.T, network *discovery.InmemNetwork, name string) *storage.DistributedLockManager {
	t.Helper()

	cm := network.NewNode(name, newLogger())
	require.NoError(t, cm.Connect())

	lm := storage.NewDistributedLockManager(cm,
		&storage.DistributedLockConfig{AcquireTimeout: 50 * time.Millisecond},
		&dispatcher.Config{Timeout: time.Second},
		newLogger(),
	)
	require.NoError(t, lm.Start(context.Background()))

	return lm
}

func newLockCluster(t *testing.T, size int) (*discovery.InmemNetwork, []*storage.DistributedLockManager) {
	t.Helper()

	network := discovery.NewInmemNetwork()
	managers := make([]*storage.DistributedLockManager, size)

	for i := 0; i < size; i++ {
		managers[i] = startLockManager(t, network, nodeNames[i])
	}

	return network, managers
}

func TestDistributedLockManager_WriteLockBlocksOtherMembers(t *testing.T) {
	for holder := 0; holder < 3; holder++ {
		t.Run(nodeNames[holder], func(t *testing.T) {
			_, managers := newLockCluster(t, 3)

			lock := managers[holder].WriteLock("schema")
			require.NoError(t, lock.Lock(context.Background()))

			for i, lm := range managers {
				assert.Len(t, lm.Locks(), 1, "member %d records the holder", i)

				if i == holder {
					continue
				}

				assert.False(t, lm.WriteLock("schema").TryLock(context.Background()))

				ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
				err := lm.WriteLock("schema").Lock(ctx)
				cancel()

				assert.ErrorIs(t, err, context.DeadlineExceeded)
			}

			lock.Unlock()

			for _, lm := range managers {
				assert.Empty(t, lm.Locks())
			}

			next := managers[(holder+1)%3].WriteLock("schema")
			assert.True(t, next.TryLock(context.Background()))
			next.Unlock()
		})
	}
}

func TestDistributedLockManager_DistinctLocksDoNotConflict(t *testing.T) {
	_, managers := newLockCluster(t, 3)

	lock1 := managers[1].WriteLock("table-1")
	lock2 := managers[2].WriteLock("table-2")

	require.True(t, lock1.TryLock(context.Background()))
	require.True(t, lock2.TryLock(context.Background()))

	assert.Len(t, managers[0].Locks(), 2)

	lock1.Unlock()
	lock2.Unlock()
}

func TestDistributedLockManager_WaitingWriterAcquiresAfterUnlock(t *testing.T) {
	_, managers := newLockCluster(t, 3)

	lock := managers[1].WriteLock("schema")
	require.NoError(t, lock.Lock(context.Background()))

	acquired := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		acquired <- managers[2].WriteLock("schema").Lock(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	lock.Unlock()

	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting writer never acquired the lock")
	}
}

func TestDistributedLockManager_ReadLockExcludedByRemoteWriter(t *testing.T) {
	_, managers := newLockCluster(t, 2)

	assert.True(t, managers[0].ReadLock("schema").TryLock(context.Background()))
	assert.False(t, managers[1].WriteLock("schema").TryLock(context.Background()), "local reader on node-a blocks writers")

	_, managers = newLockCluster(t, 2)

	lock := managers[1].WriteLock("schema")
	require.True(t, lock.TryLock(context.Background()))

	reader := managers[0].ReadLock("schema")
	assert.False(t, reader.TryLock(context.Background()))

	lock.Unlock()
	assert.True(t, reader.TryLock(context.Background()))
	reader.Unlock()
}

func TestDistributedLockManager_ForceReleaseOnMemberCrash(t *testing.T) {
	for _, holder := range []int{0, 1} {
		t.Run(nodeNames[holder], func(t *testing.T) {
			network, managers := newLockCluster(t, 3)

			require.NoError(t, managers[holder].WriteLock("schema").Lock(context.Background()))

			network.Kill(nodeNames[holder])

			survivors := []*storage.DistributedLockManager{}
			for i, lm := range managers {
				if i != holder {
					survivors = append(survivors, lm)
				}
			}

			assert.Eventually(t, func() bool {
				for _, lm := range survivors {
					if len(lm.Locks()) > 0 {
						return false
					}
				}

				return true
			}, time.Second, 10*time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			lock := survivors[1].WriteLock("schema")
			assert.NoError(t, lock.Lock(ctx))
			lock.Unlock()
		})
	}
}

func TestDistributedLockManager_JoiningMemberReceivesLocks(t *testing.T) {
	network, managers := newLockCluster(t, 2)

	lock := managers[1].WriteLock("schema")
	require.NoError(t, lock.Lock(context.Background()))

	joiner := startLockManager(t, network, "node-c")

	locks := joiner.Locks()
	require.Len(t, locks, 1)
	assert.Equal(t, "schema", locks[0].ID)
	assert.Equal(t, "node-b", locks[0].Owner)

	assert.False(t, joiner.WriteLock("schema").TryLock(context.Background()))

	lock.Unlock()

	assert.Empty(t, joiner.Locks())
	assert.True(t, joiner.WriteLock("schema").TryLock(context.Background()))
}

func TestDistributedLockManager_EmptyViewNeverAcquires(t *testing.T) {
	network := discovery.NewInmemNetwork()

	// never connected, so the view stays empty
	lm := storage.NewDistributedLockManager(network.NewNode("node-a", newLogger()), nil, nil, newLogger())
	require.NoError(t, lm.Start(context.Background()))

	assert.False(t, lm.WriteLock("schema").TryLock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, lm.WriteLock("schema").Lock(ctx), context.DeadlineExceeded)
	assert.Empty(t, lm.Locks())
}

type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func TestDistributedLockManager_SilentMemberIsLoggedOnRelease(t *testing.T) {
	network := discovery.NewInmemNetwork()
	logs := &syncBuffer{}

	cm := network.NewNode("node-a", newLogger())
	require.NoError(t, cm.Connect())

	lm := storage.NewDistributedLockManager(cm,
		&storage.DistributedLockConfig{AcquireTimeout: 50 * time.Millisecond},
		&dispatcher.Config{Timeout: time.Second},
		slog.New(slog.NewTextHandler(logs, nil)),
	)
	require.NoError(t, lm.Start(context.Background()))

	// node-x is in the view but runs no lock manager, so it never answers
	require.NoError(t, network.NewNode("node-x", newLogger()).Connect())

	assert.False(t, lm.WriteLock("schema").TryLock(context.Background()))
	assert.Empty(t, lm.Locks())

	assert.Contains(t, logs.String(), `msg="Member did not answer lock release"`)
	assert.Contains(t, logs.String(), "member=node-x")
}

func TestDistributedLockManager_UnlockNotHeldIsNoop(t *testing.T) {
	_, managers := newLockCluster(t, 2)

	lock := managers[0].WriteLock("schema")

	assert.NotPanics(t, lock.Unlock)

	require.True(t, lock.TryLock(context.Background()))
	lock.Unlock()
	assert.NotPanics(t, lock.Unlock)

	assert.Empty(t, managers[1].Locks())
}
