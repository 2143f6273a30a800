package invocation_test

import (
	"context"
	"errors"
	"sync"

	"github.com/ovaladares/orca/pkg/balancer"
	"github.com/ovaladares/orca/pkg/domain"
	"github.com/ovaladares/orca/pkg/invocation"
)

var (
	errReplicaDown = errors.New("replica down")
	errConstraint  = errors.New("constraint violated")
)

type MockClassifier struct{}

func (MockClassifier) IndicatesFailure(err error) bool {
	return errors.Is(err, errReplicaDown)
}

func (MockClassifier) CorrectHeuristic(error, domain.Phase) bool {
	return false
}

type MockCluster struct {
	balancer   balancer.Balancer
	executor   *invocation.Executor
	classifier domain.FailureClassifier

	DeactivateCalledWith []string
	mu                   sync.Mutex
}

func newMockCluster(databases ...*domain.Database) *MockCluster {
	return &MockCluster{
		balancer:   balancer.NewSimple(databases),
		executor:   invocation.NewExecutor(4),
		classifier: MockClassifier{},
	}
}

func (m *MockCluster) Balancer() balancer.Balancer {
	return m.balancer
}

func (m *MockCluster) Classifier() domain.FailureClassifier {
	return m.classifier
}

func (m *MockCluster) Executor() *invocation.Executor {
	return m.executor
}

func (m *MockCluster) Deactivate(db *domain.Database, _ error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balancer.Size() <= 1 || !m.balancer.Remove(db) {
		return false
	}

	m.DeactivateCalledWith = append(m.DeactivateCalledWith, db.ID)

	return true
}

type MockLock struct {
	Name    string
	LockErr error
	Calls   *[]string
}

func (m *MockLock) Lock(context.Context) error {
	*m.Calls = append(*m.Calls, "lock:"+m.Name)
	return m.LockErr
}

func (m *MockLock) TryLock(context.Context) bool {
	return m.LockErr == nil
}

func (m *MockLock) Unlock() {
	*m.Calls = append(*m.Calls, "unlock:"+m.Name)
}

func databases(ids ...string) []*domain.Database {
	dbs := make([]*domain.Database, len(ids))
	for i, id := range ids {
		dbs[i] = &domain.Database{ID: id, Weight: len(ids) - i}
	}

	return dbs
}

// identityHandles opens each database as its own ID.
func identityHandles() *invocation.Handles[string] {
	return invocation.NewHandles(func(_ context.Context, db *domain.Database) (string, error) {
		return db.ID, nil
	}, nil)
}
