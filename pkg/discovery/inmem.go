package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// InmemNetwork connects InmemDiscover nodes living in the same process.
// It is used by tests and by single process deployments.
type InmemNetwork struct {
	mu     sync.RWMutex
	nodes  map[string]*InmemDiscover
	joined int64
}

func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		nodes: make(map[string]*InmemDiscover),
	}
}

// NewNode creates a node attached to the network. It is not a member until Connect.
func (n *InmemNetwork) NewNode(nodeID string, logg *slog.Logger) *InmemDiscover {
	return &InmemDiscover{
		network:       n,
		nodeID:        nodeID,
		queryHandlers: make(map[string]QueryHandler),
		logg:          logg.With("component", "inmem_discovery", "node_id", nodeID),
	}
}

// Kill removes a node without a graceful leave, as if its process crashed.
// The other members observe a member-failed event.
func (n *InmemNetwork) Kill(nodeID string) {
	n.remove(nodeID, MemberFailedEventType)
}

func (n *InmemNetwork) add(node *InmemDiscover) error {
	n.mu.Lock()

	if _, exists := n.nodes[node.nodeID]; exists {
		n.mu.Unlock()
		return fmt.Errorf("node %s already joined", node.nodeID)
	}

	n.joined++
	node.joinedAt = n.joined
	n.nodes[node.nodeID] = node
	peers := n.peersLocked()

	n.mu.Unlock()

	n.broadcast(peers, MemberJoinEventType, MemberJoinEvent{Nodes: []string{node.nodeID}})

	return nil
}

func (n *InmemNetwork) remove(nodeID string, eventType string) {
	n.mu.Lock()

	if _, exists := n.nodes[nodeID]; !exists {
		n.mu.Unlock()
		return
	}

	delete(n.nodes, nodeID)
	peers := n.peersLocked()

	n.mu.Unlock()

	n.broadcast(peers, eventType, MemberLeaveEvent{Nodes: []string{nodeID}})
}

func (n *InmemNetwork) peersLocked() []*InmemDiscover {
	peers := make([]*InmemDiscover, 0, len(n.nodes))

	for _, node := range n.nodes {
		peers = append(peers, node)
	}

	return peers
}

func (n *InmemNetwork) broadcast(peers []*InmemDiscover, eventType string, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		return
	}

	event := &ClusterEvent{Type: eventType, Body: b}

	for _, peer := range peers {
		peer.notifyHandlers(event)
	}
}

func (n *InmemNetwork) members() []*Member {
	n.mu.RLock()
	defer n.mu.RUnlock()

	members := make([]*Member, 0, len(n.nodes))

	for _, node := range n.nodes {
		members = append(members, &Member{
			NodeID: node.nodeID,
			Addr:   "inmem",
			Alive:  true,
			Joined: node.joinedAt,
		})
	}

	SortMembers(members)

	return members
}

func (n *InmemNetwork) node(nodeID string) (*InmemDiscover, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	node, ok := n.nodes[nodeID]

	return node, ok
}

// InmemDiscover is a ClusterManager backed by an InmemNetwork.
type InmemDiscover struct {
	network       *InmemNetwork
	nodeID        string
	joinedAt      int64
	handlers      []func(*ClusterEvent)
	queryHandlers map[string]QueryHandler
	mu            sync.RWMutex
	logg          *slog.Logger
}

func (d *InmemDiscover) Connect() error {
	if err := d.network.add(d); err != nil {
		return fmt.Errorf("failed to join in-memory network: %w", err)
	}

	d.logg.Debug("Joined in-memory network")

	return nil
}

func (d *InmemDiscover) Disconnect() error {
	d.network.remove(d.nodeID, MemberLeaveEventType)

	d.logg.Debug("Left in-memory network")

	return nil
}

func (d *InmemDiscover) GetNodeID() string {
	return d.nodeID
}

func (d *InmemDiscover) GetMembers() ([]*Member, error) {
	return d.network.members(), nil
}

func (d *InmemDiscover) GetMembersCount() (int, error) {
	return len(d.network.members()), nil
}

func (d *InmemDiscover) Query(ctx context.Context, name string, payload []byte, targets []string) (map[string][]byte, error) {
	type answer struct {
		from    string
		payload []byte
	}

	results := make(map[string][]byte, len(targets))
	answers := make(chan answer, len(targets))
	expected := 0

	for _, target := range targets {
		node, ok := d.network.node(target)
		if !ok {
			continue
		}

		node.mu.RLock()
		handler, ok := node.queryHandlers[name]
		node.mu.RUnlock()

		if !ok {
			continue
		}

		expected++

		go func(from string, h QueryHandler) {
			resp, err := h(payload)
			if err != nil {
				return
			}

			// a node killed while answering never gets its answer out
			if _, alive := d.network.node(from); !alive {
				return
			}

			answers <- answer{from: from, payload: resp}
		}(target, handler)
	}

	for len(results) < expected {
		select {
		case a := <-answers:
			results[a.from] = a.payload
		case <-ctx.Done():
			return results, nil
		}
	}

	return results, nil
}

func (d *InmemDiscover) RegisterEventHandler(handler func(*ClusterEvent)) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers = append(d.handlers, handler)

	return nil
}

func (d *InmemDiscover) RegisterQueryHandler(name string, handler QueryHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.queryHandlers[name]; exists {
		return fmt.Errorf("query handler %s already registered", name)
	}

	d.queryHandlers[name] = handler

	return nil
}

func (d *InmemDiscover) notifyHandlers(event *ClusterEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, handler := range d.handlers {
		go func(h func(*ClusterEvent)) {
			h(event)
		}(handler)
	}
}
