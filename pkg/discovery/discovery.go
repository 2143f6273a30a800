package discovery

import (
	"context"
	"strings"

	"golang.org/x/exp/slices"
)

// Member is a node of the cluster as seen by the discovery layer.
type Member struct {
	NodeID string
	Addr   string
	Port   uint16
	Tags   map[string]string
	Alive  bool

	// Joined orders members: the oldest member is the coordinator.
	Joined int64
}

// JoinedTag is the member tag carrying the unix nanos at which a node joined.
const JoinedTag = "joined"

const MemberJoinEventType = "member-join"
const MemberLeaveEventType = "member-leave"
const MemberFailedEventType = "member-failed"
const MemberUpdateEventType = "member-update"

type MemberJoinEvent struct {
	Nodes []string `json:"nodes"`
}

type MemberLeaveEvent struct {
	Nodes []string `json:"nodes"`
}

type MemberFailedEvent struct {
	Nodes []string `json:"nodes"`
}

type ClusterEvent struct {
	Type string `json:"type"`
	Body []byte `json:"body"`
}

// IsMembershipEvent reports whether the event changes the membership view.
func (e *ClusterEvent) IsMembershipEvent() bool {
	switch e.Type {
	case MemberJoinEventType, MemberLeaveEventType, MemberFailedEventType, MemberUpdateEventType:
		return true
	}

	return false
}

// QueryHandler answers a query addressed to this node.
// Returning an error means no answer is sent back.
type QueryHandler func(payload []byte) ([]byte, error)

// ClusterManager is an interface for service discovery
// It defines methods for connecting to a cluster, getting members
// and sending queries to other members
// It also provides methods for registering event and query handlers
type ClusterManager interface {
	// GetMembers returns the alive members, ordered the same way on every node.
	GetMembers() ([]*Member, error)
	GetMembersCount() (int, error)
	Connect() error
	Disconnect() error
	GetNodeID() string

	// Query sends payload to the named targets and waits for their answers
	// until ctx is done. Targets that did not answer are absent from the result.
	Query(ctx context.Context, name string, payload []byte, targets []string) (map[string][]byte, error)

	// RegisterEventHandler registers an event handler for cluster events
	// The handler will be called when a cluster event occurs
	RegisterEventHandler(handler func(*ClusterEvent)) error

	// RegisterQueryHandler registers the handler answering queries with the given name.
	RegisterQueryHandler(name string, handler QueryHandler) error
}

// SortMembers orders members by join time, then node ID.
func SortMembers(members []*Member) {
	slices.SortFunc(members, func(a, b *Member) int {
		if a.Joined != b.Joined {
			if a.Joined < b.Joined {
				return -1
			}

			return 1
		}

		return strings.Compare(a.NodeID, b.NodeID)
	})
}

// NodeIDs returns the node IDs of members, keeping their order.
func NodeIDs(members []*Member) []string {
	ids := make([]string, 0, len(members))

	for _, member := range members {
		ids = append(ids, member.NodeID)
	}

	return ids
}
