package orca

import (
	"context"

	orca "github.com/ovaladares/orca/pkg"
	"github.com/ovaladares/orca/pkg/discovery"
	"github.com/ovaladares/orca/pkg/dispatcher"
	"github.com/ovaladares/orca/pkg/domain"
	"github.com/ovaladares/orca/pkg/durability"
	"github.com/ovaladares/orca/pkg/invocation"
	"github.com/ovaladares/orca/pkg/storage"
)

// Cluster coordinates a set of replica databases across the members running it.
// It is the client-facing wrapper around the internal cluster implementation.
type Cluster struct {
	internal *orca.LocalCluster
}

// NewCluster creates a Cluster of databases whose members gossip through serf.
//
// Parameters:
//   - bindAddr: The address the membership layer binds to (format: "host:port")
//   - seedNodes: Addresses of existing members to join; empty starts a new cluster
//   - databases: Every replica the cluster may activate
//   - config: Configuration options, merged over the defaults
func NewCluster(bindAddr string, seedNodes []string, databases []*domain.Database, config *Config) (*Cluster, error) {
	conf := NewConfig(config)

	clusterManager, err := orca.NewClusterManager(conf.DiscoveryBackend, conf.NodeID, bindAddr, seedNodes, conf.MaxPayloadSize, conf.Logger)
	if err != nil {
		return nil, err
	}

	return NewClusterWithManager(clusterManager, databases, conf)
}

// NewClusterWithManager creates a Cluster on a cluster manager that is not yet connected.
func NewClusterWithManager(clusterManager discovery.ClusterManager, databases []*domain.Database, config *Config) (*Cluster, error) {
	conf := NewConfig(config)

	conf.Logger.Debug("Creating new local cluster", "databases", len(databases))

	localCluster, err := orca.NewLocalCluster(conf.Logger, clusterManager, &orca.ClusterConfig{
		Databases:       databases,
		BalancerFactory: conf.Balancer,
		Workers:         conf.Workers,
		Durability:      conf.Durability,
		StatePath:       conf.StatePath,
		Standalone:      conf.Standalone,
		Classifier:      conf.Classifier,
		Resolver:        conf.Resolver,
		LockConfig: &storage.DistributedLockConfig{
			AcquireTimeout: conf.LockConfig.AcquireTimeout,
			MinBackoff:     conf.LockConfig.MinBackoff,
			MaxBackoff:     conf.LockConfig.MaxBackoff,
		},
		DispatcherConfig: &dispatcher.Config{
			Timeout: conf.DispatcherConfig.Timeout,
		},
		RecoveryTimeout: conf.RecoveryTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Cluster{internal: localCluster}, nil
}

// Connect joins the cluster and restores the active databases.
// It must be called before any invocation.
func (c *Cluster) Connect(ctx context.Context) error {
	return c.internal.Connect(ctx)
}

// Disconnect leaves the cluster.
func (c *Cluster) Disconnect() error {
	return c.internal.Disconnect()
}

func (c *Cluster) GetNodeID() string {
	return c.internal.GetNodeID()
}

// Activate brings a configured database back into the active set on every member.
func (c *Cluster) Activate(ctx context.Context, id string) error {
	return c.internal.Activate(ctx, id)
}

// Deactivate removes a database from the active set on every member.
// The last active database cannot be removed.
func (c *Cluster) Deactivate(id string) error {
	return c.internal.DeactivateID(id)
}

// ActiveDatabases returns the databases invocations currently run on, ordered by ID.
func (c *Cluster) ActiveDatabases() []*domain.Database {
	return c.internal.Balancer().All()
}

// Databases returns every configured database, ordered by ID.
func (c *Cluster) Databases() []*domain.Database {
	return c.internal.Databases()
}

// Members returns the node IDs of the current view, coordinator first.
func (c *Cluster) Members() ([]string, error) {
	members, err := c.internal.Members()
	if err != nil {
		return nil, err
	}

	return discovery.NodeIDs(members), nil
}

// GetLocks lists the write locks currently held in the cluster.
func (c *Cluster) GetLocks() []domain.LockDescriptor {
	return c.internal.LockManager().Locks()
}

// ReadLock returns a handle on a lock shared by readers of this member.
func (c *Cluster) ReadLock(id string) storage.Lock {
	return c.internal.LockManager().ReadLock(id)
}

// WriteLock returns a handle on a lock excluding every other holder in the cluster.
func (c *Cluster) WriteLock(id string) storage.Lock {
	return c.internal.LockManager().WriteLock(id)
}

// Internal exposes the cluster strategies run against.
func (c *Cluster) Internal() invocation.Cluster {
	return c.internal
}

// Invoke runs invoker on the databases chosen by strategy.
func Invoke[T, R any](ctx context.Context, c *Cluster, strategy invocation.Strategy[T, R], invoker invocation.Invoker[T, R]) (*invocation.Results[R], error) {
	return strategy.Invoke(ctx, c.internal, invoker)
}

// InvokePhase runs invoker like Invoke, recording it as phase of transactionID
// so that it can be recovered if this member crashes midway.
func InvokePhase[T, R any](ctx context.Context, c *Cluster, strategy invocation.Strategy[T, R], transactionID string, phase domain.Phase, invoker invocation.Invoker[T, R]) (*invocation.Results[R], error) {
	return durability.Strategy(c.internal.Durability(), strategy, transactionID, phase).Invoke(ctx, c.internal, invoker)
}
