package balancer

import (
	"sync/atomic"

	"github.com/ovaladares/orca/pkg/domain"
)

// Load picks the database with the fewest outstanding calls relative to its
// weight. Databases of weight 0 are never picked.
type Load struct {
	*base[map[string]*atomic.Int64]
}

func NewLoad(databases []*domain.Database) Balancer {
	return &Load{
		base: newBase(databases, func(databases []*domain.Database, previous map[string]*atomic.Int64) map[string]*atomic.Int64 {
			counters := make(map[string]*atomic.Int64, len(databases))

			for _, db := range databases {
				if counter, ok := previous[db.ID]; ok {
					counters[db.ID] = counter
				} else {
					counters[db.ID] = &atomic.Int64{}
				}
			}

			return counters
		}),
	}
}

func (l *Load) Next() (*domain.Database, bool) {
	current := l.load()

	var (
		best     *domain.Database
		bestLoad int64
	)

	for _, db := range current.databases {
		if db.Weight <= 0 {
			continue
		}

		load := current.state[db.ID].Load()

		if best == nil || lessLoaded(load, db.Weight, bestLoad, best.Weight) {
			best = db
			bestLoad = load
		}
	}

	return best, best != nil
}

// lessLoaded compares load/weight by cross multiplication, then raw load.
func lessLoaded(load int64, weight int, otherLoad int64, otherWeight int) bool {
	a := load * int64(otherWeight)
	b := otherLoad * int64(weight)

	if a != b {
		return a < b
	}

	return load < otherLoad
}

func (l *Load) BeforeInvocation(db *domain.Database) {
	if counter, ok := l.load().state[db.ID]; ok {
		counter.Add(1)
	}
}

func (l *Load) AfterInvocation(db *domain.Database) {
	if counter, ok := l.load().state[db.ID]; ok {
		counter.Add(-1)
	}
}
