// Package cluster gossips which node is active for which partition,
// using memberlist to propagate node health the same way a cluster
// gossip layer propagates CPU/memory metrics, with the payload swapped
// for per-partition role and HPS.
package cluster

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Role is what a node claims to be for a given partition.
type Role string

const (
	RoleActive  Role = "active"
	RoleReplica Role = "replica"
)

// PartitionState is the per-partition fact a node gossips about itself.
type PartitionState struct {
	VBID      string `json:"vbid"`
	Role      Role   `json:"role"`
	HPS       int64  `json:"hps"`
	UpdatedAt int64  `json:"updated_at"`
}

// Config configures the membership gossip layer.
type Config struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// Membership tracks this node's and its peers' per-partition roles via
// memberlist gossip.
type Membership struct {
	config     Config
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger

	mu     sync.RWMutex
	local  map[string]PartitionState
	remote map[string]map[string]PartitionState // nodeID -> vbid -> state
}

// New creates a Membership and joins the configured seed nodes.
func New(cfg Config, nodeID string, logger *zap.Logger) (*Membership, error) {
	m := &Membership{
		config: cfg,
		nodeID: nodeID,
		logger: logger,
		local:  make(map[string]PartitionState),
		remote: make(map[string]map[string]PartitionState),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = m
	mlConfig.Events = &eventDelegate{membership: m}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to create memberlist: %w", err)
	}
	m.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}

	return m, nil
}

// UpdatePartitionState records this node's current role and HPS for a
// partition, to be gossiped on the next exchange.
func (m *Membership) UpdatePartitionState(vbid string, role Role, hps int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[vbid] = PartitionState{VBID: vbid, Role: role, HPS: hps, UpdatedAt: time.Now().Unix()}
}

// ActiveNodeFor returns which node claims to be active for vbid, if
// any node (including this one) has announced that role.
func (m *Membership) ActiveNodeFor(vbid string) (nodeID string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, exists := m.local[vbid]; exists && s.Role == RoleActive {
		return m.nodeID, true
	}
	for peer, states := range m.remote {
		if s, exists := states[vbid]; exists && s.Role == RoleActive {
			return peer, true
		}
	}
	return "", false
}

// NodeMeta implements memberlist.Delegate.
func (m *Membership) NodeMeta(limit int) []byte {
	return m.encodeLocal(limit)
}

// NotifyMsg implements memberlist.Delegate. User messages carry no
// sender identity at this layer, so peer state is only ever picked up
// from NodeMeta via NotifyJoin/NotifyUpdate below; this is a logging
// hook only.
func (m *Membership) NotifyMsg(data []byte) {
	m.logger.Debug("received unattributed gossip message", zap.Int("bytes", len(data)))
}

// GetBroadcasts implements memberlist.Delegate.
func (m *Membership) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate.
func (m *Membership) LocalState(join bool) []byte {
	return m.encodeLocal(0)
}

// MergeRemoteState implements memberlist.Delegate. Like NotifyMsg, the
// push/pull state sync carries no per-node attribution at this layer;
// per-peer state arrives via NodeMeta on join/update instead.
func (m *Membership) MergeRemoteState(buf []byte, join bool) {}

func (m *Membership) encodeLocal(limit int) []byte {
	m.mu.RLock()
	data, err := json.Marshal(m.local)
	m.mu.RUnlock()
	if err != nil {
		m.logger.Warn("failed to encode local partition state", zap.Error(err))
		return nil
	}
	if limit > 0 && len(data) > limit {
		return data[:limit]
	}
	return data
}

func (m *Membership) mergeFrom(nodeID string, data []byte) {
	var states map[string]PartitionState
	if err := json.Unmarshal(data, &states); err != nil {
		m.logger.Warn("failed to decode gossiped partition state", zap.Error(err))
		return
	}
	if nodeID == "" {
		return
	}
	m.mu.Lock()
	m.remote[nodeID] = states
	m.mu.Unlock()
}

// NumMembers returns the current count of nodes memberlist believes are
// alive in the cluster, for gossip health metrics.
func (m *Membership) NumMembers() int {
	return m.memberlist.NumMembers()
}

// Shutdown leaves the cluster and stops the memberlist transport.
func (m *Membership) Shutdown() error {
	if err := m.memberlist.Leave(5 * time.Second); err != nil {
		m.logger.Warn("error leaving cluster", zap.Error(err))
	}
	return m.memberlist.Shutdown()
}

type eventDelegate struct {
	membership *Membership
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.membership.logger.Info("node joined", zap.String("node_id", node.Name), zap.String("addr", node.Addr.String()))
	d.membership.mergeFrom(node.Name, node.Meta)
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.membership.logger.Info("node left", zap.String("node_id", node.Name))
	d.membership.mu.Lock()
	delete(d.membership.remote, node.Name)
	d.membership.mu.Unlock()
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.membership.logger.Debug("node updated", zap.String("node_id", node.Name))
	d.membership.mergeFrom(node.Name, node.Meta)
}
