// Package coordinator owns the hash ring. A single event loop admits joining
// nodes, watches every node link for leave requests and failures, and runs
// rebalances one at a time so ring changes never overlap.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/ringdb/internal/config"
	"github.com/devrev/ringdb/internal/gossip"
	"github.com/devrev/ringdb/internal/hashring"
	"github.com/devrev/ringdb/internal/metastore"
	"github.com/devrev/ringdb/internal/metrics"
	"github.com/devrev/ringdb/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config holds the coordinator's runtime settings.
type Config struct {
	ListenAddr        string
	HandshakeTimeout  time.Duration
	MaxFrameSize      int
	ReplicaFactor     int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	FailureTimeout    time.Duration
	CallTimeout       time.Duration
	TransferTimeout   time.Duration
}

// NewConfig maps the file configuration onto a coordinator Config.
func NewConfig(c *config.CoordinatorConfig) Config {
	return Config{
		ListenAddr:        net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port)),
		HandshakeTimeout:  c.Server.HandshakeTimeout,
		MaxFrameSize:      c.Server.MaxFrameSize,
		ReplicaFactor:     c.Ring.ReplicaFactor,
		PollInterval:      c.FailureDetection.PollInterval,
		HeartbeatInterval: c.FailureDetection.HeartbeatInterval,
		FailureTimeout:    c.FailureDetection.FailureTimeout,
		CallTimeout:       c.Rebalance.CallTimeout,
		TransferTimeout:   c.Rebalance.TransferTimeout,
	}
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:0"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.ReplicaFactor <= 0 {
		c.ReplicaFactor = hashring.DefaultReplicaFactor
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.FailureTimeout <= c.HeartbeatInterval {
		c.FailureTimeout = 5 * c.HeartbeatInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 5 * time.Minute
	}
}

// NodeView is one ring member as reported over HTTP.
type NodeView struct {
	ID       string   `json:"id"`
	Hash     string   `json:"hash"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Replicas []string `json:"replicas"`
}

// RingView is an immutable snapshot of the committed ring.
type RingView struct {
	Version int64      `json:"version"`
	Ring    string     `json:"ring"`
	Nodes   []NodeView `json:"nodes"`
}

type joinEvent struct {
	conn *protocol.Conn
	host string
	port int
}

type transferEvent struct {
	req    TransferRequest
	result chan error
}

type suspectEvent struct {
	id string
}

// Coordinator tracks membership and drives every ring change.
type Coordinator struct {
	cfg     Config
	journal metastore.RingJournal
	metrics *metrics.CoordinatorMetrics
	logger  *zap.Logger
	gossip  *gossip.Service

	listener net.Listener
	events   chan interface{}

	// Owned by the event loop.
	ring    *hashring.Ring
	handles map[string]*NodeHandle
	version int64

	view atomic.Pointer[RingView]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. journal and reg may be nil.
func New(cfg Config, journal metastore.RingJournal, reg prometheus.Registerer, logger *zap.Logger) *Coordinator {
	cfg.setDefaults()
	if journal == nil {
		journal = metastore.NewMemoryJournal()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		cfg:     cfg,
		journal: journal,
		metrics: metrics.NewCoordinatorMetrics(reg),
		logger:  logger,
		events:  make(chan interface{}, 64),
		ring:    hashring.New(),
		handles: make(map[string]*NodeHandle),
	}
	c.publish()
	return c
}

// AttachGossip lets gossip leave notifications trigger early probes.
func (c *Coordinator) AttachGossip(gs *gossip.Service) {
	c.gossip = gs
}

// Start binds the node listener and launches the event loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if snap, err := c.journal.Latest(ctx); err == nil {
		c.version = snap.Version
		c.logger.Info("Resuming ring versions from journal", zap.Int64("version", snap.Version))
	} else if !errors.Is(err, metastore.ErrNoSnapshot) {
		c.logger.Warn("Failed to read ring journal", zap.Error(err))
	}
	c.publish()

	listener, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.ListenAddr, err)
	}
	c.listener = listener
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(2)
	go c.acceptLoop()
	go c.run()

	c.logger.Info("Coordinator listening", zap.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound node-facing address.
func (c *Coordinator) Addr() string {
	return c.listener.Addr().String()
}

// Stop closes the listener and every node link.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	_ = c.listener.Close()
	c.wg.Wait()
	for _, h := range c.handles {
		h.Close()
	}
	c.logger.Info("Coordinator stopped")
}

// View returns the last committed ring.
func (c *Coordinator) View() *RingView {
	return c.view.Load()
}

// Suspect asks the event loop to probe a node right away.
func (c *Coordinator) Suspect(id string) {
	select {
	case c.events <- suspectEvent{id: id}:
	default:
		c.logger.Debug("Event queue full, dropping suspicion", zap.String("node_id", id))
	}
}

func (c *Coordinator) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		go c.handshake(protocol.NewConn(conn, c.cfg.MaxFrameSize))
	}
}

// handshake reads the CONNECT frame and queues the join.
func (c *Coordinator) handshake(conn *protocol.Conn) {
	remote := conn.RemoteAddr().String()
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	msg, err := conn.ReadMessage()
	if err != nil {
		c.logger.Debug("Handshake failed", zap.String("remote", remote), zap.Error(err))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	port, perr := strconv.Atoi(msg.Value)
	if msg.Status != protocol.StatusConnect || msg.Key == "" || perr != nil || port < 1 || port > 65535 {
		c.logger.Warn("Rejecting connection without a valid CONNECT",
			zap.String("remote", remote), zap.String("message", msg.String()))
		_ = conn.WriteMessage(protocol.Failed("expected CONNECT host port"))
		_ = conn.Close()
		return
	}

	select {
	case c.events <- joinEvent{conn: conn, host: msg.Key, port: port}:
	case <-c.ctx.Done():
		_ = conn.Close()
	}
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			switch e := ev.(type) {
			case joinEvent:
				c.addNode(e)
			case transferEvent:
				e.result <- c.transferRange(e.req)
			case suspectEvent:
				c.probe(e.id)
			}
		case <-ticker.C:
			c.poll()
		}
	}
}

// poll checks every link without blocking. Dead links and silent nodes are
// removed and pending leave requests are served.
func (c *Coordinator) poll() {
	now := time.Now()
	for _, id := range c.sortedIDs() {
		h, ok := c.handles[id]
		if !ok {
			continue
		}

		c.drainInbox(h)
		switch {
		case h.leaving.Load():
			c.deleteNode(h)
		case !h.alive():
			c.removeLostNode(h, "link closed")
		case now.Sub(h.LastSeen()) > c.cfg.FailureTimeout:
			c.removeLostNode(h, "heartbeat timeout")
		case !h.suspectedAt.IsZero() && h.LastSeen().Before(h.suspectedAt) &&
			now.Sub(h.suspectedAt) > c.cfg.HeartbeatInterval:
			c.removeLostNode(h, "probe unanswered")
		case !h.suspectedAt.IsZero() && h.LastSeen().After(h.suspectedAt):
			h.suspectedAt = time.Time{}
		}
	}
}

func (c *Coordinator) drainInbox(h *NodeHandle) {
	for {
		select {
		case msg := <-h.inbox:
			h.logger.Warn("Unsolicited message from node", zap.String("message", msg.String()))
		default:
			return
		}
	}
}

func (c *Coordinator) probe(id string) {
	h, ok := c.handles[id]
	if !ok {
		return
	}
	h.logger.Info("Probing suspected node")
	h.suspectedAt = time.Now()
	if err := h.send(protocol.NewMessage(protocol.StatusWagwan, "")); err != nil {
		c.removeLostNode(h, "probe failed")
	}
}

func (c *Coordinator) sortedIDs() []string {
	ids := make([]string, 0, len(c.handles))
	for id := range c.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// publish refreshes the snapshot served to readers outside the loop.
func (c *Coordinator) publish() {
	view := &RingView{Version: c.version, Ring: c.ring.String()}
	for _, e := range c.ring.Entries() {
		nv := NodeView{
			ID:    e.ID,
			Hash:  e.Hash.String(),
			Start: e.Range.Start.String(),
			End:   e.Range.End.String(),
		}
		for _, r := range c.ring.Replicas(e.ID, c.cfg.ReplicaFactor) {
			nv.Replicas = append(nv.Replicas, r.ID)
		}
		view.Nodes = append(view.Nodes, nv)
	}
	c.view.Store(view)
}

// commit makes next the authoritative ring and records it.
func (c *Coordinator) commit(next *hashring.Ring, reason metastore.Reason, node, opID string) {
	c.ring = next
	c.version++
	c.publish()

	c.metrics.RingVersion.Set(float64(c.version))
	c.metrics.NodesActive.Set(float64(next.Len()))

	snap := metastore.Snapshot{
		Version:     c.version,
		OperationID: opID,
		Reason:      reason,
		Node:        node,
		Ring:        next.String(),
		Members:     next.Len(),
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.CallTimeout)
	defer cancel()
	if err := c.journal.Record(ctx, snap); err != nil {
		c.logger.Error("Failed to journal ring", zap.Int64("version", c.version), zap.Error(err))
	}

	c.logger.Info("Ring committed",
		zap.Int64("version", c.version),
		zap.String("reason", string(reason)),
		zap.String("node_id", node),
		zap.Int("members", next.Len()))
}
