package balancer

import (
	"sync/atomic"

	"github.com/ovaladares/orca/pkg/domain"
)

type rotation struct {
	list []*domain.Database
	head atomic.Uint64
}

// RoundRobin rotates through the databases, returning a database of weight w
// w times per rotation.
type RoundRobin struct {
	*base[*rotation]
}

func NewRoundRobin(databases []*domain.Database) Balancer {
	return &RoundRobin{
		base: newBase(databases, func(databases []*domain.Database, _ *rotation) *rotation {
			r := &rotation{}

			for _, db := range databases {
				for i := 0; i < db.Weight; i++ {
					r.list = append(r.list, db)
				}
			}

			return r
		}),
	}
}

func (r *RoundRobin) Next() (*domain.Database, bool) {
	rot := r.load().state
	if len(rot.list) == 0 {
		return nil, false
	}

	i := rot.head.Add(1) - 1

	return rot.list[i%uint64(len(rot.list))], true
}
