package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ovaladares/orca/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockCluster struct {
	Active []*domain.Database
	All    []*domain.Database
	Locks  []domain.LockDescriptor
	View   []string
}

func (m *MockCluster) GetNodeID() string                   { return "node-b" }
func (m *MockCluster) Members() ([]string, error)          { return m.View, nil }
func (m *MockCluster) Databases() []*domain.Database       { return m.All }
func (m *MockCluster) ActiveDatabases() []*domain.Database { return m.Active }
func (m *MockCluster) GetLocks() []domain.LockDescriptor   { return m.Locks }

func newTestServer() (*httptest.Server, *MockCluster) {
	db1 := &domain.Database{ID: "db1", Weight: 2}
	db2 := &domain.Database{ID: "db2", Weight: 1}

	cluster := &MockCluster{
		Active: []*domain.Database{db1},
		All:    []*domain.Database{db1, db2},
		Locks:  []domain.LockDescriptor{{ID: "orca.structure", Type: domain.WriteLock, Owner: "node-a", Instance: "i-1"}},
		View:   []string{"node-a", "node-b"},
	}

	server := NewServer(cluster, "0", slog.New(slog.NewTextHandler(io.Discard, nil)))

	return httptest.NewServer(server.createRouter()), cluster
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, contentTypeJSON, resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))

	return resp.StatusCode
}

func TestServer_Members(t *testing.T) {
	ts, _ := newTestServer()
	defer ts.Close()

	var resp membersResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/members", &resp))

	assert.Equal(t, "node-b", resp.NodeID)
	assert.Equal(t, "node-a", resp.Coordinator)
	assert.Equal(t, []string{"node-a", "node-b"}, resp.Members)
}

func TestServer_Databases(t *testing.T) {
	ts, _ := newTestServer()
	defer ts.Close()

	var statuses []databaseStatus
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/databases", &statuses))

	assert.Equal(t, []databaseStatus{
		{ID: "db1", Weight: 2, Active: true},
		{ID: "db2", Weight: 1, Active: false},
	}, statuses)

	var status databaseStatus
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/databases/db2", &status))
	assert.False(t, status.Active)

	var errResp errorResponse
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/databases/db9", &errResp))
	assert.Contains(t, errResp.Error, "db9")
}

func TestServer_Locks(t *testing.T) {
	ts, _ := newTestServer()
	defer ts.Close()

	var locks []domain.LockDescriptor
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/locks", &locks))

	require.Len(t, locks, 1)
	assert.Equal(t, "node-a", locks[0].Owner)
}
