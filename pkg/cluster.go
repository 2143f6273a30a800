package orca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ovaladares/orca/pkg/balancer"
	"github.com/ovaladares/orca/pkg/discovery"
	"github.com/ovaladares/orca/pkg/dispatcher"
	"github.com/ovaladares/orca/pkg/domain"
	"github.com/ovaladares/orca/pkg/durability"
	"github.com/ovaladares/orca/pkg/invocation"
	"github.com/ovaladares/orca/pkg/state"
	"github.com/ovaladares/orca/pkg/storage"
)

// StructureLock is the cluster write lock serializing activations.
const StructureLock = "orca.structure"

// DefaultRecoveryTimeout bounds the recovery of the invocations of a crashed member.
const DefaultRecoveryTimeout = time.Minute

var (
	ErrUnknownDatabase   = errors.New("unknown database")
	ErrLastActive        = errors.New("cannot deactivate the last active database")
	ErrAlreadyActive     = errors.New("database already active")
	ErrNotConnected      = errors.New("cluster not connected")
	ErrAlreadyConnected  = errors.New("cluster already connected")
	ErrUnknownDiscovery  = errors.New("unknown discovery provider")
	ErrNoDatabases       = errors.New("no databases configured")
	ErrDuplicateDatabase = errors.New("duplicate database id")

	errRequested = errors.New("deactivation requested")
)

// ClusterConfig contains all configuration parameters for a LocalCluster.
type ClusterConfig struct {
	// Databases are every replica the cluster may activate.
	Databases []*domain.Database

	// BalancerFactory builds the selection policy. Defaults to balancer.NewSimple.
	BalancerFactory balancer.Factory

	// Workers bounds the invocations running at once across every strategy.
	Workers int

	Durability durability.Granularity

	// StatePath is the file persisting the active set and the durability log.
	// Empty keeps the state in memory.
	StatePath string

	// Standalone keeps locks and state local to this process, without
	// exchanging them with other members.
	Standalone bool

	Classifier domain.FailureClassifier
	Resolver   durability.Resolver

	LockConfig       *storage.DistributedLockConfig
	DispatcherConfig *dispatcher.Config

	// RecoveryTimeout bounds the recovery of a crashed member's invocations.
	RecoveryTimeout time.Duration
}

// LocalCluster wires membership, locks, state, balancing and durability for
// the replicas of one cluster.
type LocalCluster struct {
	logg *slog.Logger

	clusterManager discovery.ClusterManager
	lockManager    storage.LockManager
	stateManager   state.StateManager
	balancer       balancer.Balancer
	executor       *invocation.Executor
	durability     durability.Durability

	// recovery settles a crashed member's log without touching local state
	recovery durability.Durability

	databases map[string]*domain.Database
	conf      *ClusterConfig

	// mu serializes changes of the active set
	mu        sync.Mutex
	connected bool
}

// NewLocalCluster creates a cluster on top of a cluster manager that is not
// yet connected.
func NewLocalCluster(logg *slog.Logger, clusterManager discovery.ClusterManager, conf *ClusterConfig) (*LocalCluster, error) {
	if conf == nil || len(conf.Databases) == 0 {
		return nil, ErrNoDatabases
	}

	databases := make(map[string]*domain.Database, len(conf.Databases))
	for _, db := range conf.Databases {
		if _, ok := databases[db.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDatabase, db.ID)
		}

		databases[db.ID] = db
	}

	factory := conf.BalancerFactory
	if factory == nil {
		factory = balancer.NewSimple
	}

	if conf.Classifier == nil {
		conf.Classifier = domain.DefaultClassifier{}
	}

	if conf.RecoveryTimeout <= 0 {
		conf.RecoveryTimeout = DefaultRecoveryTimeout
	}

	c := &LocalCluster{
		logg:           logg.With("component", "cluster"),
		clusterManager: clusterManager,
		balancer:       factory(nil),
		executor:       invocation.NewExecutor(conf.Workers),
		databases:      databases,
		conf:           conf,
	}

	local := state.NewLocalStateManager(conf.StatePath, logg)

	if conf.Standalone {
		c.lockManager = storage.NewLocalLockManager(clusterManager.GetNodeID())
		c.stateManager = local
	} else {
		distributed := state.NewDistributedStateManager(local, clusterManager, conf.DispatcherConfig, logg)
		distributed.SetCrashHandler(c.recoverMember)
		distributed.SetActivationListener(c)

		c.lockManager = storage.NewDistributedLockManager(clusterManager, conf.LockConfig, conf.DispatcherConfig, logg)
		c.stateManager = distributed
	}

	var err error

	c.durability, err = durability.New(conf.Durability, c.stateManager, logg)
	if err != nil {
		return nil, err
	}

	c.recovery, err = durability.New(conf.Durability, nil, logg)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// NewClusterManager creates the discovery provider named by provider.
func NewClusterManager(provider, nodeID, bindAddr string, seedNodes []string, maxPayloadSize int, logg *slog.Logger) (discovery.ClusterManager, error) {
	switch provider {
	case "serf", "":
		return discovery.NewSerfDiscover(nodeID, bindAddr, seedNodes, maxPayloadSize, logg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDiscovery, provider)
	}
}

// Connect joins the cluster, copies the locks and state of the existing
// members, restores the active set and settles the invocations this node left
// interrupted.
func (c *LocalCluster) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return ErrAlreadyConnected
	}

	if err := c.clusterManager.Connect(); err != nil {
		return fmt.Errorf("failed to connect to cluster manager: %w", err)
	}

	c.logg.Debug("Cluster manager connected", "node_id", c.GetNodeID())

	if err := c.lockManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start lock manager: %w", err)
	}

	if err := c.stateManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start state manager: %w", err)
	}

	ids, known := c.stateManager.ActiveDatabases()
	if !known {
		ids = make([]string, 0, len(c.databases))
		for id := range c.databases {
			ids = append(ids, id)
		}

		if err := c.stateManager.SetActiveDatabases(ids); err != nil {
			return fmt.Errorf("failed to store active databases: %w", err)
		}
	}

	for _, id := range ids {
		db, ok := c.databases[id]
		if !ok {
			c.logg.Warn("Ignoring active database missing from configuration", "database", id)
			continue
		}

		c.balancer.Add(db)
	}

	c.connected = true

	c.logg.Info("Cluster connected", "node_id", c.GetNodeID(), "active", domain.IDs(c.balancer.All()))

	if _, err := c.durability.Recover(ctx, c.stateManager.Recover(), c.balancer.All(), c.conf.Resolver, c.conf.Classifier); err != nil {
		return fmt.Errorf("failed to recover interrupted invocations: %w", err)
	}

	return nil
}

// Disconnect leaves the cluster. Locks held by this node are released by the
// other members once they observe its departure.
func (c *LocalCluster) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}

	c.connected = false

	if err := c.stateManager.Stop(); err != nil {
		c.logg.Warn("Failed to stop state manager", "error", err)
	}

	if err := c.lockManager.Stop(); err != nil {
		c.logg.Warn("Failed to stop lock manager", "error", err)
	}

	if err := c.clusterManager.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from cluster manager: %w", err)
	}

	c.logg.Info("Cluster disconnected", "node_id", c.GetNodeID())

	return nil
}

func (c *LocalCluster) GetNodeID() string {
	return c.clusterManager.GetNodeID()
}

// Activate adds a configured database back to the active set. Activations are
// serialized cluster-wide by StructureLock.
func (c *LocalCluster) Activate(ctx context.Context, id string) error {
	db, ok := c.databases[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, id)
	}

	lock := c.lockManager.WriteLock(StructureLock)
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire structure lock: %w", err)
	}
	defer lock.Unlock()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}

	added := c.balancer.Add(db)
	c.mu.Unlock()

	if !added {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}

	// recorded outside mu, peers apply the change on their own cluster
	if err := c.stateManager.Activated(id); err != nil {
		c.balancer.Remove(db)
		return fmt.Errorf("failed to record activation of %s: %w", id, err)
	}

	c.logg.Info("Database activated", "database", id)

	return nil
}

// Deactivate removes db from the active set because of cause. It refuses to
// remove the last active database.
func (c *LocalCluster) Deactivate(db *domain.Database, cause error) bool {
	c.mu.Lock()
	removed := c.balancer.Size() > 1 && c.balancer.Remove(db)
	c.mu.Unlock()

	if !removed {
		return false
	}

	if err := c.stateManager.Deactivated(db.ID); err != nil {
		c.logg.Error("Failed to record deactivation", "database", db.ID, "error", err)
	}

	c.logg.Warn("Database deactivated", "database", db.ID, "cause", cause)

	return true
}

// DeactivateID deactivates a configured database on request.
func (c *LocalCluster) DeactivateID(id string) error {
	db, ok := c.databases[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, id)
	}

	if !c.Deactivate(db, errRequested) && c.balancer.Contains(db) {
		return fmt.Errorf("%w: %s", ErrLastActive, id)
	}

	return nil
}

// RemoteActivated applies an activation made by another member.
func (c *LocalCluster) RemoteActivated(member, id string) {
	db, ok := c.databases[id]
	if !ok {
		c.logg.Warn("Ignoring activation of unknown database", "database", id, "member", member)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.balancer.Add(db) {
		c.logg.Info("Database activated by member", "database", id, "member", member)
	}
}

// RemoteDeactivated applies a deactivation made by another member.
func (c *LocalCluster) RemoteDeactivated(member, id string) {
	db, ok := c.databases[id]
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.balancer.Remove(db) {
		c.logg.Warn("Database deactivated by member", "database", id, "member", member)
	}
}

func (c *LocalCluster) Balancer() balancer.Balancer {
	return c.balancer
}

func (c *LocalCluster) Classifier() domain.FailureClassifier {
	return c.conf.Classifier
}

func (c *LocalCluster) Executor() *invocation.Executor {
	return c.executor
}

func (c *LocalCluster) Durability() durability.Durability {
	return c.durability
}

func (c *LocalCluster) LockManager() storage.LockManager {
	return c.lockManager
}

// Databases returns every configured database, ordered by ID.
func (c *LocalCluster) Databases() []*domain.Database {
	databases := make([]*domain.Database, 0, len(c.databases))
	for _, db := range c.databases {
		databases = append(databases, db)
	}

	domain.SortDatabases(databases)

	return databases
}

// Members returns the current view, coordinator first.
func (c *LocalCluster) Members() ([]*discovery.Member, error) {
	members, err := c.clusterManager.GetMembers()
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}

	return members, nil
}

// recoverMember settles the invocations a crashed member left in flight.
func (c *LocalCluster) recoverMember(member string, log domain.Log) {
	ctx, cancel := context.WithTimeout(context.Background(), c.conf.RecoveryTimeout)
	defer cancel()

	recoveries, err := c.recovery.Recover(ctx, log, c.balancer.All(), c.conf.Resolver, c.conf.Classifier)
	if err != nil {
		c.logg.Error("Failed to recover invocations of crashed member", "member", member, "error", err)
		return
	}

	for _, recovery := range recoveries {
		if !recovery.Complete() {
			c.logg.Warn("Invocation of crashed member left unresolved", "member", member, "event", recovery.Event.String(), "failed", len(recovery.Failed))
		}
	}
}
