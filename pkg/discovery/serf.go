package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/serf/serf"
)

// DefaultMaxPayloadSize bounds query and response payloads sent through serf.
const DefaultMaxPayloadSize = 32 * 1024

type SerfDiscover struct {
	bindAddr       string
	seedNodes      []string
	eventsChan     chan serf.Event
	handlers       []func(*ClusterEvent)
	queryHandlers  map[string]QueryHandler
	mu             sync.RWMutex
	nodeID         string
	maxPayloadSize int
	serf           *serf.Serf
	logg           *slog.Logger
	doneChan       chan struct{}
}

// NewSerfDiscover creates a serf backed ClusterManager.
// An empty nodeID is replaced by a random one.
func NewSerfDiscover(nodeID, bindAddr string, seedNodes []string, maxPayloadSize int, logg *slog.Logger) *SerfDiscover {
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()
	}

	if maxPayloadSize <= 0 {
		maxPayloadSize = DefaultMaxPayloadSize
	}

	return &SerfDiscover{
		bindAddr:       bindAddr,
		seedNodes:      seedNodes,
		eventsChan:     make(chan serf.Event, 256),
		queryHandlers:  make(map[string]QueryHandler),
		nodeID:         nodeID,
		maxPayloadSize: maxPayloadSize,
		logg:           logg.With("component", "serf_discovery"),
	}
}

func (s *SerfDiscover) Connect() error {
	addr, err := net.ResolveTCPAddr("tcp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	serfConfig := serf.DefaultConfig()
	serfConfig.Init()

	serfConfig.MemberlistConfig.BindAddr = addr.IP.String()
	serfConfig.MemberlistConfig.BindPort = addr.Port
	serfConfig.LogOutput = io.Discard
	serfConfig.MemberlistConfig.LogOutput = io.Discard

	serfConfig.EventCh = s.eventsChan
	serfConfig.EnableNameConflictResolution = false
	serfConfig.NodeName = s.nodeID
	serfConfig.Tags[JoinedTag] = strconv.FormatInt(time.Now().UnixNano(), 10)
	serfConfig.QuerySizeLimit = s.maxPayloadSize
	serfConfig.QueryResponseSizeLimit = s.maxPayloadSize

	serfInstance, err := serf.Create(serfConfig)
	if err != nil {
		return fmt.Errorf("failed to create serf instance: %w", err)
	}

	s.serf = serfInstance
	s.doneChan = make(chan struct{})

	go s.processEvents()

	if len(s.seedNodes) == 0 {
		s.logg.Info("No seed nodes, starting a new cluster", "node_id", s.nodeID)

		return nil
	}

	joined, err := serfInstance.Join(s.seedNodes, true)
	if err != nil {
		s.logg.Warn("Failed to join cluster, running as standalone", "node_id", s.nodeID, "error", err)
	}

	s.logg.Info("Joined cluster", "node_id", s.nodeID, "known_nodes", joined)

	return nil
}

func (s *SerfDiscover) GetMembers() ([]*Member, error) {
	if s.serf == nil {
		return nil, fmt.Errorf("serf instance is not connected")
	}

	members := s.serf.Members()
	serfMembers := make([]*Member, 0, len(members))

	for _, member := range members {
		if member.Status != serf.StatusAlive {
			continue
		}

		joined, err := strconv.ParseInt(member.Tags[JoinedTag], 10, 64)
		if err != nil {
			s.logg.Warn("Member without a valid joined tag", "node_id", member.Name, "error", err)
		}

		serfMembers = append(serfMembers, &Member{
			NodeID: member.Name,
			Addr:   member.Addr.String(),
			Port:   member.Port,
			Tags:   member.Tags,
			Alive:  true,
			Joined: joined,
		})
	}

	SortMembers(serfMembers)

	return serfMembers, nil
}

func (s *SerfDiscover) Disconnect() error {
	if s.serf == nil {
		return fmt.Errorf("failed to disconnect from Serf cluster, Serf instance is not initialized")
	}

	if err := s.serf.Leave(); err != nil {
		s.logg.Warn("Failed to leave Serf cluster gracefully", "node_id", s.nodeID, "error", err)
	}

	if err := s.serf.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown Serf instance: %w", err)
	}

	close(s.doneChan)

	s.logg.Info("Disconnected from Serf cluster", "node_id", s.nodeID)

	s.serf = nil

	return nil
}

func (s *SerfDiscover) GetNodeID() string {
	return s.nodeID
}

func (s *SerfDiscover) GetMembersCount() (int, error) {
	members, err := s.GetMembers()
	if err != nil {
		return 0, fmt.Errorf("failed to get members: %w", err)
	}

	return len(members), nil
}

func (s *SerfDiscover) Query(ctx context.Context, name string, payload []byte, targets []string) (map[string][]byte, error) {
	results := make(map[string][]byte, len(targets))

	if len(targets) == 0 {
		return results, nil
	}

	if s.serf == nil {
		return nil, fmt.Errorf("serf instance is not connected")
	}

	params := s.serf.DefaultQueryParams()
	params.FilterNodes = targets

	if deadline, ok := ctx.Deadline(); ok {
		params.Timeout = time.Until(deadline)

		if params.Timeout <= 0 {
			return results, nil
		}
	}

	resp, err := s.serf.Query(name, payload, params)
	if err != nil {
		return nil, fmt.Errorf("failed to send query %s: %w", name, err)
	}
	defer resp.Close()

	for len(results) < len(targets) {
		select {
		case r, ok := <-resp.ResponseCh():
			if !ok {
				return results, nil
			}

			results[r.From] = r.Payload
		case <-ctx.Done():
			return results, nil
		}
	}

	return results, nil
}

func (s *SerfDiscover) processEvents() {
	for {
		select {
		case evt := <-s.eventsChan:
			if query, ok := evt.(*serf.Query); ok {
				s.handleQuery(query)
				continue
			}

			event, err := s.convertSerfEvent(evt)
			if err != nil {
				s.logg.Error("Failed to convert Serf event", "error", err)
				continue
			}

			if event == nil {
				continue
			}

			s.notifyHandlers(event)
		case <-s.doneChan:
			s.logg.Info("Stopping event processing")
			return
		}
	}
}

func (s *SerfDiscover) handleQuery(query *serf.Query) {
	s.mu.RLock()
	handler, ok := s.queryHandlers[query.Name]
	s.mu.RUnlock()

	if !ok {
		s.logg.Debug("No handler registered for query", "query", query.Name)
		return
	}

	go func() {
		resp, err := handler(query.Payload)
		if err != nil {
			s.logg.Warn("Query handler failed", "query", query.Name, "error", err)
			return
		}

		if err := query.Respond(resp); err != nil {
			s.logg.Warn("Failed to respond to query", "query", query.Name, "error", err)
		}
	}()
}

func (s *SerfDiscover) notifyHandlers(event *ClusterEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.handlers) == 0 {
		s.logg.Debug("No handlers registered for event", "event_type", event.Type)
		return
	}

	s.logg.Debug("Notifying handlers for event", "event_type", event.Type)

	for _, handler := range s.handlers {
		go func(h func(*ClusterEvent)) {
			h(event)
		}(handler)
	}
}

func (s *SerfDiscover) RegisterEventHandler(handler func(*ClusterEvent)) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers = append(s.handlers, handler)

	return nil
}

func (s *SerfDiscover) RegisterQueryHandler(name string, handler QueryHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queryHandlers[name]; exists {
		return fmt.Errorf("query handler %s already registered", name)
	}

	s.queryHandlers[name] = handler

	return nil
}

func (s *SerfDiscover) convertSerfEvent(e serf.Event) (*ClusterEvent, error) {
	switch e.EventType() {
	case serf.EventMemberJoin:
		return memberEvent(MemberJoinEventType, MemberJoinEvent{Nodes: memberNames(e)})
	case serf.EventMemberLeave:
		return memberEvent(MemberLeaveEventType, MemberLeaveEvent{Nodes: memberNames(e)})
	case serf.EventMemberFailed:
		return memberEvent(MemberFailedEventType, MemberFailedEvent{Nodes: memberNames(e)})
	case serf.EventMemberUpdate:
		return memberEvent(MemberUpdateEventType, MemberJoinEvent{Nodes: memberNames(e)})
	case serf.EventMemberReap:
		return nil, nil
	case serf.EventUser:
		userEvent := e.(serf.UserEvent)
		return &ClusterEvent{
			Type: userEvent.Name,
			Body: userEvent.Payload,
		}, nil
	}

	return nil, fmt.Errorf("unknown event type: %s", e.EventType())
}

func memberNames(e serf.Event) []string {
	var nodes []string

	for _, member := range e.(serf.MemberEvent).Members {
		nodes = append(nodes, member.Name)
	}

	return nodes
}

func memberEvent(eventType string, body any) (*ClusterEvent, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	return &ClusterEvent{
		Type: eventType,
		Body: b,
	}, nil
}
