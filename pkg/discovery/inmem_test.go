package discovery_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ovaladares/orca/pkg/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInmemDiscover_MembersOrderedByJoin(t *testing.T) {
	network := discovery.NewInmemNetwork()

	for _, id := range []string{"node-c", "node-a", "node-b"} {
		require.NoError(t, network.NewNode(id, newLogger()).Connect())
	}

	node := network.NewNode("node-d", newLogger())
	require.NoError(t, node.Connect())

	members, err := node.GetMembers()
	require.NoError(t, err)

	assert.Equal(t, []string{"node-c", "node-a", "node-b", "node-d"}, discovery.NodeIDs(members))

	count, err := node.GetMembersCount()
	assert.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestInmemDiscover_ConnectTwiceFails(t *testing.T) {
	network := discovery.NewInmemNetwork()

	require.NoError(t, network.NewNode("node-a", newLogger()).Connect())
	assert.Error(t, network.NewNode("node-a", newLogger()).Connect())
}

func TestInmemDiscover_QueryCollectsAnswers(t *testing.T) {
	network := discovery.NewInmemNetwork()

	a := network.NewNode("node-a", newLogger())
	b := network.NewNode("node-b", newLogger())
	c := network.NewNode("node-c", newLogger())

	for _, n := range []*discovery.InmemDiscover{a, b, c} {
		require.NoError(t, n.Connect())
	}

	require.NoError(t, b.RegisterQueryHandler("echo", func(payload []byte) ([]byte, error) {
		return append([]byte("b:"), payload...), nil
	}))
	require.NoError(t, c.RegisterQueryHandler("echo", func(payload []byte) ([]byte, error) {
		return nil, errors.New("no answer")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results, err := a.Query(ctx, "echo", []byte("hi"), []string{"node-b", "node-c", "node-x"})
	require.NoError(t, err)

	assert.Len(t, results, 1)
	assert.Equal(t, []byte("b:hi"), results["node-b"])
}

func TestInmemDiscover_QueryTimesOut(t *testing.T) {
	network := discovery.NewInmemNetwork()

	a := network.NewNode("node-a", newLogger())
	b := network.NewNode("node-b", newLogger())

	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())

	release := make(chan struct{})
	defer close(release)

	require.NoError(t, b.RegisterQueryHandler("slow", func(payload []byte) ([]byte, error) {
		<-release
		return payload, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := a.Query(ctx, "slow", nil, []string{"node-b"})
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestInmemNetwork_KillNotifiesPeers(t *testing.T) {
	network := discovery.NewInmemNetwork()

	a := network.NewNode("node-a", newLogger())
	b := network.NewNode("node-b", newLogger())

	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())

	var mu sync.Mutex
	var events []string

	require.NoError(t, a.RegisterEventHandler(func(e *discovery.ClusterEvent) {
		mu.Lock()
		defer mu.Unlock()

		events = append(events, e.Type)
	}))

	network.Kill("node-b")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(events) == 1 && events[0] == discovery.MemberFailedEventType
	}, time.Second, 10*time.Millisecond)

	members, err := a.GetMembers()
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, discovery.NodeIDs(members))
}

func TestRegisterHandlers_RejectNil(t *testing.T) {
	node := discovery.NewInmemNetwork().NewNode("node-a", newLogger())

	assert.Error(t, node.RegisterEventHandler(nil))
	assert.Error(t, node.RegisterQueryHandler("q", nil))
}
