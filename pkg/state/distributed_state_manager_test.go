package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/ovaladares/orca/pkg/discovery"
	"github.com/ovaladares/orca/pkg/dispatcher"
	"github.com/ovaladares/orca/pkg/domain"
	"github.com/ovaladares/orca/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type crash struct {
	member string
	log    domain.Log
}

func startDistributed(t *testing.T, network *discovery.InmemNetwork, name string) *state.DistributedStateManager {
	t.Helper()

	cm := network.NewNode(name, newLogger())
	require.NoError(t, cm.Connect())

	sm := state.NewDistributedStateManager(
		state.NewLocalStateManager("", newLogger()),
		cm,
		&dispatcher.Config{Timeout: time.Second},
		newLogger(),
	)
	require.NoError(t, sm.Start(context.Background()))

	return sm
}

func TestDistributedStateManager_ActiveSetIsReplicated(t *testing.T) {
	network := discovery.NewInmemNetwork()

	a := startDistributed(t, network, "node-a")
	b := startDistributed(t, network, "node-b")

	require.NoError(t, a.SetActiveDatabases([]string{"db1", "db2", "db3"}))
	require.NoError(t, b.SetActiveDatabases([]string{"db1", "db2", "db3"}))

	require.NoError(t, a.Deactivated("db2"))

	active, known := b.ActiveDatabases()
	assert.True(t, known)
	assert.Equal(t, []string{"db1", "db3"}, active)

	require.NoError(t, b.Activated("db2"))

	active, _ = a.ActiveDatabases()
	assert.Equal(t, []string{"db1", "db2", "db3"}, active)
}

func TestDistributedStateManager_SeedingActiveSetStaysLocal(t *testing.T) {
	network := discovery.NewInmemNetwork()

	a := startDistributed(t, network, "node-a")
	b := startDistributed(t, network, "node-b")

	require.NoError(t, a.SetActiveDatabases([]string{"db1", "db2"}))

	active, known := a.ActiveDatabases()
	assert.True(t, known)
	assert.Equal(t, []string{"db1", "db2"}, active)

	_, known = b.ActiveDatabases()
	assert.False(t, known, "seeding is not replicated")
}

func TestDistributedStateManager_PeersTrackRemoteLog(t *testing.T) {
	network := discovery.NewInmemNetwork()

	a := startDistributed(t, network, "node-a")
	b := startDistributed(t, network, "node-b")

	commit := domain.InvocationEvent{TransactionID: "tx-1", Phase: domain.PhaseCommit}

	require.NoError(t, b.BeforeInvocation(commit))
	require.NoError(t, b.BeforeInvoker(domain.InvokerEvent{InvocationEvent: commit, DatabaseID: "db1"}))

	log := a.RemoteLog("node-b")
	require.Contains(t, log, commit)
	assert.Contains(t, log[commit], "db1")
	assert.Empty(t, a.Recover(), "the remote log is kept apart from the local one")

	require.NoError(t, b.AfterInvocation(commit))
	assert.Empty(t, a.RemoteLog("node-b"))
}

func TestDistributedStateManager_JoiningMemberReceivesState(t *testing.T) {
	network := discovery.NewInmemNetwork()

	a := startDistributed(t, network, "node-a")
	require.NoError(t, a.SetActiveDatabases([]string{"db1", "db2"}))

	prepare := domain.InvocationEvent{TransactionID: "tx-1", Phase: domain.PhasePrepare}
	require.NoError(t, a.BeforeInvocation(prepare))

	b := startDistributed(t, network, "node-b")

	active, known := b.ActiveDatabases()
	assert.True(t, known)
	assert.Equal(t, []string{"db1", "db2"}, active)

	assert.Contains(t, b.RemoteLog("node-a"), prepare)
	assert.Empty(t, b.Recover())
}

func TestDistributedStateManager_CoordinatorRecoversCrashedMember(t *testing.T) {
	network := discovery.NewInmemNetwork()

	a := startDistributed(t, network, "node-a")
	b := startDistributed(t, network, "node-b")
	c := startDistributed(t, network, "node-c")

	crashes := make(chan crash, 2)

	a.SetCrashHandler(func(member string, log domain.Log) { crashes <- crash{member, log} })
	c.SetCrashHandler(func(member string, log domain.Log) { crashes <- crash{member, log} })

	rollback := domain.InvocationEvent{TransactionID: "tx-1", Phase: domain.PhaseRollback}
	require.NoError(t, b.BeforeInvocation(rollback))

	network.Kill("node-b")

	select {
	case got := <-crashes:
		assert.Equal(t, "node-b", got.member)
		assert.Contains(t, got.log, rollback)
	case <-time.After(2 * time.Second):
		t.Fatal("crash handler was not called")
	}

	select {
	case got := <-crashes:
		t.Fatalf("only the coordinator recovers, got a second call for %s", got.member)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Eventually(t, func() bool {
		return len(c.RemoteLog("node-b")) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestDistributedStateManager_CleanMemberNeedsNoRecovery(t *testing.T) {
	network := discovery.NewInmemNetwork()

	a := startDistributed(t, network, "node-a")
	startDistributed(t, network, "node-b")

	called := make(chan struct{}, 1)
	a.SetCrashHandler(func(string, domain.Log) { called <- struct{}{} })

	network.Kill("node-b")

	select {
	case <-called:
		t.Fatal("a member with nothing in flight needs no recovery")
	case <-time.After(100 * time.Millisecond):
	}
}
