package orca_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/ovaladares/orca/pkg/domain"
)

var errReplicaDown = errors.New("replica down")

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type MockClassifier struct{}

func (MockClassifier) IndicatesFailure(err error) bool {
	return errors.Is(err, errReplicaDown)
}

func (MockClassifier) CorrectHeuristic(error, domain.Phase) bool {
	return false
}

type ResolveInput struct {
	DatabaseID    string
	TransactionID string
	Phase         domain.Phase
}

type MockResolver struct {
	ResolveCalledWith []ResolveInput
	Resolved          chan ResolveInput

	mu sync.Mutex
}

func (m *MockResolver) Resolve(_ context.Context, db *domain.Database, transactionID string, phase domain.Phase) error {
	input := ResolveInput{DatabaseID: db.ID, TransactionID: transactionID, Phase: phase}

	m.mu.Lock()
	m.ResolveCalledWith = append(m.ResolveCalledWith, input)
	m.mu.Unlock()

	if m.Resolved != nil {
		m.Resolved <- input
	}

	return nil
}

func (m *MockResolver) Calls() []ResolveInput {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]ResolveInput(nil), m.ResolveCalledWith...)
}

func replicas(ids ...string) []*domain.Database {
	databases := make([]*domain.Database, len(ids))
	for i, id := range ids {
		databases[i] = &domain.Database{ID: id, Weight: 1}
	}

	return databases
}
