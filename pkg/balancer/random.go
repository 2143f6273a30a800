package balancer

import (
	"math/rand/v2"
	"sort"

	"github.com/ovaladares/orca/pkg/domain"
)

type weighted struct {
	databases  []*domain.Database
	cumulative []int
	total      int
}

// Random draws a database with probability proportional to its weight.
type Random struct {
	*base[*weighted]
}

func NewRandom(databases []*domain.Database) Balancer {
	return &Random{
		base: newBase(databases, func(databases []*domain.Database, _ *weighted) *weighted {
			w := &weighted{}

			for _, db := range databases {
				if db.Weight <= 0 {
					continue
				}

				w.total += db.Weight
				w.databases = append(w.databases, db)
				w.cumulative = append(w.cumulative, w.total)
			}

			return w
		}),
	}
}

func (r *Random) Next() (*domain.Database, bool) {
	w := r.load().state
	if w.total == 0 {
		return nil, false
	}

	draw := rand.IntN(w.total)
	i := sort.Search(len(w.cumulative), func(i int) bool { return w.cumulative[i] > draw })

	return w.databases[i], true
}
