package balancer_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ovaladares/orca/pkg/balancer"
	"github.com/ovaladares/orca/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var factories = map[string]balancer.Factory{
	"simple":      balancer.NewSimple,
	"round-robin": balancer.NewRoundRobin,
	"random":      balancer.NewRandom,
	"load":        balancer.NewLoad,
}

func db(id string, weight int) *domain.Database {
	return &domain.Database{ID: id, Weight: weight}
}

func TestBalancer_SetOperations(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			db1, db2, db3 := db("db1", 1), db("db2", 1), db("db3", 1)

			b := factory([]*domain.Database{db2, db1, db1})

			assert.Equal(t, 2, b.Size())
			assert.Equal(t, []string{"db1", "db2"}, domain.IDs(b.All()))

			assert.True(t, b.Add(db3))
			assert.False(t, b.Add(db("db3", 5)), "identity is the ID")
			assert.True(t, b.Contains(db3))

			assert.True(t, b.Remove(db1))
			assert.False(t, b.Remove(db1))
			assert.False(t, b.Contains(db1))
			assert.Equal(t, []string{"db2", "db3"}, domain.IDs(b.All()))

			b.Clear()
			assert.Zero(t, b.Size())

			_, ok := b.Next()
			assert.False(t, ok)
		})
	}
}

func TestBalancer_SnapshotIsolation(t *testing.T) {
	b := balancer.NewSimple(nil)

	databases := make([]*domain.Database, 20)
	for i := range databases {
		databases[i] = db(fmt.Sprintf("db%02d", i), 1)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// the writer only ever adds in ID order, so any consistent snapshot is a prefix
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case <-stop:
				return
			default:
			}

			all := b.All()
			for i, d := range all {
				if d != databases[i] {
					t.Errorf("snapshot %v is not a prefix of the added databases", domain.IDs(all))
					return
				}
			}
		}
	}()

	for _, d := range databases {
		b.Add(d)
	}

	close(stop)
	wg.Wait()

	assert.Equal(t, 20, b.Size())
}

func TestBalancer_AllReturnsCopy(t *testing.T) {
	b := balancer.NewRoundRobin([]*domain.Database{db("db1", 1), db("db2", 1)})

	all := b.All()
	all[0] = db("db9", 1)

	assert.Equal(t, []string{"db1", "db2"}, domain.IDs(b.All()))
}

func TestSimple_NextHighestWeight(t *testing.T) {
	b := balancer.NewSimple([]*domain.Database{db("db1", 1), db("db2", 3), db("db3", 3)})

	for i := 0; i < 5; i++ {
		next, ok := b.Next()
		require.True(t, ok)
		assert.Equal(t, "db2", next.ID)
	}

	b.Remove(db("db2", 3))

	next, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, "db3", next.ID)
}

func TestRoundRobin_WeightedRotation(t *testing.T) {
	b := balancer.NewRoundRobin([]*domain.Database{db("db1", 3)})

	for window := 0; window < 4; window++ {
		count := 0

		for i := 0; i < 3; i++ {
			next, ok := b.Next()
			require.True(t, ok)

			if next.ID == "db1" {
				count++
			}
		}

		assert.Equal(t, 3, count)
	}
}

func TestRoundRobin_RotationWindow(t *testing.T) {
	b := balancer.NewRoundRobin([]*domain.Database{db("db1", 2), db("db2", 1), db("db3", 0)})

	counts := make(map[string]int)

	for i := 0; i < 30; i++ {
		next, ok := b.Next()
		require.True(t, ok)

		counts[next.ID]++
	}

	assert.Equal(t, map[string]int{"db1": 20, "db2": 10}, counts)
}

func TestRandom_NeverPicksZeroWeight(t *testing.T) {
	b := balancer.NewRandom([]*domain.Database{db("db1", 0), db("db2", 1), db("db3", 4)})

	counts := make(map[string]int)

	for i := 0; i < 1000; i++ {
		next, ok := b.Next()
		require.True(t, ok)

		counts[next.ID]++
	}

	assert.Zero(t, counts["db1"])
	assert.Greater(t, counts["db3"], counts["db2"])

	empty := balancer.NewRandom([]*domain.Database{db("db1", 0)})
	_, ok := empty.Next()
	assert.False(t, ok)
}

func TestLoad_MinimizesLoadPerWeight(t *testing.T) {
	db1, db2, db3 := db("db1", 1), db("db2", 2), db("db3", 4)
	b := balancer.NewLoad([]*domain.Database{db1, db2, db3})

	loads := map[string]int{}

	// every pick must minimize load/weight among the non-zero weights
	for i := 0; i < 21; i++ {
		next, ok := b.Next()
		require.True(t, ok)

		for _, other := range []*domain.Database{db1, db2, db3} {
			assert.LessOrEqual(t,
				loads[next.ID]*other.Weight,
				loads[other.ID]*next.Weight,
				"pick %d: %s is not the least loaded", i, next.ID)
		}

		b.BeforeInvocation(next)
		loads[next.ID]++
	}

	assert.Equal(t, map[string]int{"db1": 3, "db2": 6, "db3": 12}, loads)

	for i := 0; i < 12; i++ {
		b.AfterInvocation(db3)
	}

	next, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, "db3", next.ID)
}

func TestLoad_TieBrokenByRawLoad(t *testing.T) {
	db1, db2 := db("db1", 1), db("db2", 2)
	b := balancer.NewLoad([]*domain.Database{db1, db2})

	// db1: 1/1, db2: 2/2
	b.BeforeInvocation(db1)
	b.BeforeInvocation(db2)
	b.BeforeInvocation(db2)

	next, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, "db1", next.ID)
}

func TestLoad_ZeroWeightNeverSelected(t *testing.T) {
	idle := db("db1", 0)
	busy := db("db2", 1)

	b := balancer.NewLoad([]*domain.Database{idle, busy})

	for i := 0; i < 10; i++ {
		b.BeforeInvocation(busy)
	}

	next, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, "db2", next.ID)

	b.Remove(busy)

	_, ok = b.Next()
	assert.False(t, ok, "only weight 0 databases remain")
}

func TestLoad_CountersSurviveMutations(t *testing.T) {
	db1, db2 := db("db1", 1), db("db2", 1)
	b := balancer.NewLoad([]*domain.Database{db1, db2})

	b.BeforeInvocation(db1)
	b.BeforeInvocation(db1)
	b.Add(db("db3", 1))
	b.BeforeInvocation(db("db3", 1))
	b.BeforeInvocation(db2)

	next, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, "db2", next.ID, "db1 keeps its load across the swap")
}
