package balancer

import (
	"strings"

	"github.com/ovaladares/orca/pkg/domain"
	"golang.org/x/exp/slices"
)

// Simple always returns the database with the highest weight.
type Simple struct {
	*base[[]*domain.Database]
}

func NewSimple(databases []*domain.Database) Balancer {
	return &Simple{
		base: newBase(databases, func(databases []*domain.Database, _ []*domain.Database) []*domain.Database {
			prioritized := make([]*domain.Database, len(databases))
			copy(prioritized, databases)

			slices.SortStableFunc(prioritized, func(a, b *domain.Database) int {
				if a.Weight != b.Weight {
					return b.Weight - a.Weight
				}

				return strings.Compare(a.ID, b.ID)
			})

			return prioritized
		}),
	}
}

func (s *Simple) Next() (*domain.Database, bool) {
	prioritized := s.load().state
	if len(prioritized) == 0 {
		return nil, false
	}

	return prioritized[0], true
}
