// Package node implements a storage node: it serves client reads and writes
// for the arc of the ring it owns and executes the coordinator's control
// instructions (metadata pushes, state changes and range transfers).
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/ringdb/internal/cache"
	"github.com/devrev/ringdb/internal/config"
	"github.com/devrev/ringdb/internal/gossip"
	"github.com/devrev/ringdb/internal/hashring"
	"github.com/devrev/ringdb/internal/metrics"
	"github.com/devrev/ringdb/internal/protocol"
	"github.com/devrev/ringdb/internal/store"
	"github.com/devrev/ringdb/internal/util/workerpool"
	"github.com/devrev/ringdb/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keyLockStripes = 256

// Config holds everything a node needs besides its store and cache.
type Config struct {
	Host          string
	AdvertiseHost string
	Port          int

	CoordinatorAddr   string
	RetryInterval     time.Duration
	MaxRetries        int
	ActivationTimeout time.Duration

	MaxConnections  int
	QueueSize       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxFrameSize    int

	RequestsPerSecond float64
	Burst             int

	Gossip config.GossipConfig
}

// NewConfig maps the file configuration onto a node Config.
func NewConfig(c *config.NodeConfig) Config {
	return Config{
		Host:              c.Server.Host,
		AdvertiseHost:     c.Server.AdvertiseHost,
		Port:              c.Server.Port,
		CoordinatorAddr:   c.Coordinator.Addr(),
		RetryInterval:     c.Coordinator.RetryInterval,
		MaxRetries:        c.Coordinator.MaxRetries,
		ActivationTimeout: c.Coordinator.RetryInterval * time.Duration(c.Coordinator.MaxRetries),
		MaxConnections:    c.Server.MaxConnections,
		QueueSize:         c.Server.QueueSize,
		ReadTimeout:       c.Server.ReadTimeout,
		WriteTimeout:      c.Server.WriteTimeout,
		ShutdownTimeout:   c.Server.ShutdownTimeout,
		MaxFrameSize:      c.Server.MaxFrameSize,
		RequestsPerSecond: c.RateLimit.RequestsPerSecond,
		Burst:             c.RateLimit.Burst,
		Gossip:            c.Gossip,
	}
}

func (c *Config) setDefaults() {
	if c.AdvertiseHost == "" {
		c.AdvertiseHost = "127.0.0.1"
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.ActivationTimeout <= 0 {
		c.ActivationTimeout = c.RetryInterval * time.Duration(c.MaxRetries)
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 64
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
}

// Node is one storage node process.
type Node struct {
	cfg       Config
	store     store.Store
	cache     cache.Cache
	validator *validation.Validator
	limiter   *rate.Limiter
	reg       prometheus.Registerer
	logger    *zap.Logger

	id       string
	host     string
	port     int
	metrics  *metrics.NodeMetrics
	pool     *workerpool.Pool
	gossip   *gossip.Service
	listener net.Listener
	coord    *protocol.Conn

	ring  atomic.Pointer[hashring.Ring]
	state atomic.Value
	// Set once Start has assigned id and pool; readers on other goroutines check it first.
	bound atomic.Bool

	keyLocks [keyLockStripes]sync.Mutex
	// opMu serializes range transfers and range deletes.
	opMu sync.Mutex

	clientHandlers  map[protocol.Status]clientHandler
	controlHandlers map[protocol.Status]controlHandler

	activated    chan struct{}
	activateOnce sync.Once
	stopped      chan struct{}
	stopOnce     sync.Once
	linkDown     chan struct{}
	linkOnce     sync.Once
	shuttingDown atomic.Bool
	gossipOnce   sync.Once
	closeOnce    sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node. reg may be nil, in which case a private registry is used.
func New(cfg Config, st store.Store, c cache.Cache, reg prometheus.Registerer, logger *zap.Logger) *Node {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if c == nil {
		c = cache.New(cache.StrategyNone, 0, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		store:     st,
		cache:     c,
		validator: validation.NewValidatorWithLimits(validation.MaxKeySize, validation.MaxValueSize),
		reg:       reg,
		logger:    logger,
		activated: make(chan struct{}),
		stopped:   make(chan struct{}),
		linkDown:  make(chan struct{}),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	n.state.Store(protocol.StateStopped)
	n.clientHandlers = n.newClientHandlers()
	n.controlHandlers = n.newControlHandlers()
	return n
}

// ID returns the node's ring identity, or "" until Start has bound the listener.
func (n *Node) ID() string {
	if !n.bound.Load() {
		return ""
	}
	return n.id
}

// Addr returns the advertised client address.
func (n *Node) Addr() string {
	return n.ID()
}

// State returns the current lifecycle state.
func (n *Node) State() protocol.NodeState {
	return n.state.Load().(protocol.NodeState)
}

// Ring returns the last ring snapshot pushed by the coordinator, or nil.
func (n *Node) Ring() *hashring.Ring {
	return n.ring.Load()
}

// CacheStats exposes the cache counters.
func (n *Node) CacheStats() cache.Stats {
	return n.cache.Stats()
}

// PoolStats exposes the connection worker pool counters.
func (n *Node) PoolStats() workerpool.Stats {
	if !n.bound.Load() {
		return workerpool.Stats{}
	}
	return n.pool.Stats()
}

// Stats is the snapshot served on the admin /stats route.
type Stats struct {
	NodeID string             `json:"node_id"`
	State  protocol.NodeState `json:"state"`
	Cache  cache.Stats        `json:"cache"`
	Pool   workerpool.Stats   `json:"pool"`
}

// Stats is safe to call from any goroutine, before or during Start.
func (n *Node) Stats() Stats {
	return Stats{
		NodeID: n.ID(),
		State:  n.State(),
		Cache:  n.CacheStats(),
		Pool:   n.PoolStats(),
	}
}

// Ready reports nil once the node serves client traffic.
func (n *Node) Ready(context.Context) error {
	if s := n.State(); s != protocol.StateActive {
		return fmt.Errorf("node is %s", s)
	}
	return nil
}

// Start binds the client listener, registers with the coordinator and blocks
// until the coordinator activates the node.
func (n *Node) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	n.listener = listener
	n.host = n.cfg.AdvertiseHost
	n.port = listener.Addr().(*net.TCPAddr).Port
	n.id = hashring.NodeID(n.host, n.port)
	n.logger = n.logger.With(zap.String("node_id", n.id))

	n.metrics = metrics.NewNodeMetrics(n.reg, n.id)
	n.setState(protocol.StateStopped)

	n.pool = workerpool.New(workerpool.Config{
		Name:       "client-connections",
		MaxWorkers: n.cfg.MaxConnections,
		QueueSize:  n.cfg.QueueSize,
		Logger:     n.logger,
	})
	n.bound.Store(true)

	n.wg.Add(1)
	go n.acceptLoop()

	if n.cfg.Gossip.Enabled {
		gs, err := gossip.New(n.cfg.Gossip, gossip.Options{
			Name:  n.id,
			Role:  gossip.RoleStorage,
			State: string(protocol.StateStopped),
		}, n.logger)
		if err != nil {
			n.logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			n.gossip = gs
		}
	}

	n.logger.Info("Storage node listening", zap.String("address", listener.Addr().String()))

	if err := n.register(ctx); err != nil {
		n.Kill()
		return err
	}
	if err := n.waitActive(ctx); err != nil {
		n.Kill()
		return err
	}
	return nil
}

// Activated is closed the first time the node becomes ACTIVE.
func (n *Node) Activated() <-chan struct{} {
	return n.activated
}

// LinkDown is closed when the coordinator link ends.
func (n *Node) LinkDown() <-chan struct{} {
	return n.linkDown
}

func (n *Node) setState(s protocol.NodeState) {
	n.state.Store(s)
	if n.metrics != nil {
		n.metrics.SetState(string(s),
			string(protocol.StateStopped), string(protocol.StateActive), string(protocol.StateWriteLocked))
	}
	if n.gossip != nil {
		n.gossip.SetState(string(s))
	}

	if s == protocol.StateActive {
		n.activateOnce.Do(func() { close(n.activated) })
	}
}

func (n *Node) setRing(r *hashring.Ring) {
	n.ring.Store(r)
	if n.metrics != nil {
		n.metrics.RingMembers.Set(float64(r.Len()))
	}
}

func (n *Node) lockKey(h hashring.Hash) *sync.Mutex {
	return &n.keyLocks[h.Lo%keyLockStripes]
}

// Shutdown leaves the cluster gracefully: the node asks the coordinator to
// move its data away and waits to be stopped. It keeps serving meanwhile;
// the coordinator write-locks it before the hand-off starts.
func (n *Node) Shutdown(ctx context.Context) error {
	if !n.shuttingDown.CompareAndSwap(false, true) {
		return errors.New("shutdown already in progress")
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.ShutdownTimeout)
	defer cancel()

	var err error
	if n.coord != nil && n.State() != protocol.StateStopped {
		n.logger.Info("Requesting graceful leave")
		if werr := n.coord.WriteMessage(protocol.NewMessage(protocol.StatusShuttingDown, n.id)); werr != nil {
			err = fmt.Errorf("failed to notify coordinator: %w", werr)
		} else {
			select {
			case <-n.stopped:
				n.logger.Info("Coordinator released node")
			case <-n.linkDown:
				n.logger.Warn("Coordinator link closed during leave")
			case <-ctx.Done():
				err = fmt.Errorf("graceful leave timed out: %w", ctx.Err())
			}
		}
	}

	n.state.Store(protocol.StateStopped)
	n.stopGossip(true)
	n.close()
	return err
}

// Kill drops every connection without telling the coordinator, as a crash would.
func (n *Node) Kill() {
	n.shuttingDown.Store(true)
	n.state.Store(protocol.StateStopped)
	n.stopGossip(false)
	n.close()
}

func (n *Node) stopGossip(leave bool) {
	if n.gossip == nil {
		return
	}
	n.gossipOnce.Do(func() {
		var err error
		if leave {
			err = n.gossip.Leave(time.Second)
		} else {
			err = n.gossip.Shutdown()
		}
		if err != nil {
			n.logger.Debug("Gossip shutdown failed", zap.Error(err))
		}
	})
}

func (n *Node) close() {
	n.closeOnce.Do(func() {
		n.cancel()
		if n.listener != nil {
			_ = n.listener.Close()
		}
		if n.coord != nil {
			_ = n.coord.Close()
		}
		if n.pool != nil {
			if err := n.pool.Stop(n.cfg.ShutdownTimeout); err != nil {
				n.logger.Warn("Worker pool did not drain", zap.Error(err))
			}
		}
		n.wg.Wait()
		n.logger.Info("Storage node stopped")
	})
}
