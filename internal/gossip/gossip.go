// Package gossip advertises cluster members and their lifecycle state over
// memberlist. It is advisory only: the coordinator's control links stay the
// source of truth for ring membership, and a gossip leave merely makes the
// coordinator probe the node sooner.
package gossip

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/ringdb/internal/config"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Role distinguishes coordinators from storage nodes in the member list.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleStorage     Role = "storage"
)

// Meta is the per-member payload carried in memberlist node metadata.
type Meta struct {
	NodeID string `json:"node_id"`
	Role   Role   `json:"role"`
	State  string `json:"state"`
}

// Member is a live view of one gossip peer.
type Member struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
	Meta Meta   `json:"meta"`
}

// Service manages cluster membership and state propagation
type Service struct {
	memberlist *memberlist.Memberlist
	logger     *zap.Logger

	mu   sync.RWMutex
	meta Meta

	onLeave func(nodeID string)
}

// Options configure a Service beyond the shared gossip config.
type Options struct {
	Name  string
	Role  Role
	State string
	// OnLeave runs on the memberlist event goroutine for every departed member.
	OnLeave func(nodeID string)
}

// New creates the memberlist instance and joins the configured seeds.
func New(cfg config.GossipConfig, opts Options, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		logger:  logger.With(zap.String("component", "gossip")),
		meta:    Meta{NodeID: opts.Name, Role: opts.Role, State: opts.State},
		onLeave: opts.OnLeave,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = opts.Name
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}
	if stdLogger, err := zap.NewStdLogAt(s.logger, zap.DebugLevel); err == nil {
		mlConfig.Logger = stdLogger
	}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			s.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return s, nil
}

// Addr returns the bound gossip address, useful when BindPort was 0.
func (s *Service) Addr() string {
	n := s.memberlist.LocalNode()
	return fmt.Sprintf("%s:%d", n.Addr, n.Port)
}

// SetState updates the advertised lifecycle state.
func (s *Service) SetState(state string) {
	s.mu.Lock()
	if s.meta.State == state {
		s.mu.Unlock()
		return
	}
	s.meta.State = state
	s.mu.Unlock()

	if err := s.memberlist.UpdateNode(time.Second); err != nil {
		s.logger.Debug("Failed to push state update", zap.Error(err))
	}
}

// Members returns every live member sorted by name.
func (s *Service) Members() []Member {
	nodes := s.memberlist.Members()
	out := make([]Member, 0, len(nodes))
	for _, n := range nodes {
		m := Member{Name: n.Name, Addr: n.Address()}
		if len(n.Meta) > 0 {
			if err := json.Unmarshal(n.Meta, &m.Meta); err != nil {
				s.logger.Debug("Ignoring malformed member metadata", zap.String("member", n.Name))
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Leave broadcasts a graceful departure and shuts down.
func (s *Service) Leave(timeout time.Duration) error {
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// Shutdown stops gossip without announcing a leave.
func (s *Service) Shutdown() error {
	return s.memberlist.Shutdown()
}

func (s *Service) encodeMeta() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, _ := json.Marshal(s.meta)
	return data
}

// NodeMeta implements memberlist.Delegate
func (s *Service) NodeMeta(limit int) []byte {
	data := s.encodeMeta()
	if len(data) > limit {
		s.logger.Warn("Node metadata exceeds gossip limit", zap.Int("size", len(data)), zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

type eventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Member joined",
		zap.String("member", node.Name),
		zap.String("addr", node.Address()))
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Member left", zap.String("member", node.Name))
	if d.service.onLeave != nil && node.Name != d.service.meta.NodeID {
		d.service.onLeave(node.Name)
	}
}

// NotifyUpdate is called when a node's metadata changes
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Member updated", zap.String("member", node.Name))
}
