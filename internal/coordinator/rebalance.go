package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/devrev/ringdb/internal/hashring"
	"github.com/devrev/ringdb/internal/metastore"
	"github.com/devrev/ringdb/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	kindJoin     = "join"
	kindLeave    = "leave"
	kindTransfer = "transfer"
)

// TransferRequest moves Range from Donor to the adjacent Receiver.
type TransferRequest struct {
	Donor    string
	Receiver string
	Range    hashring.Range
}

// ErrBadTransfer marks requests rejected before any node was contacted.
var ErrBadTransfer = errors.New("bad transfer request")

// RequestTransfer queues an explicit range transfer and waits for its outcome.
func (c *Coordinator) RequestTransfer(ctx context.Context, req TransferRequest) error {
	ev := transferEvent{req: req, result: make(chan error, 1)}
	select {
	case c.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errors.New("coordinator stopped")
	}
	select {
	case err := <-ev.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) pushRing(h *NodeHandle, r *hashring.Ring) error {
	_, err := h.call(protocol.NewMessage(protocol.StatusUpdateMetadata, r.String()),
		c.cfg.CallTimeout, protocol.StatusUpdateMetadataSuccess)
	return err
}

func (c *Coordinator) setState(h *NodeHandle, s protocol.NodeState) error {
	_, err := h.call(protocol.NewMessage(protocol.StatusSetState, string(s)),
		c.cfg.CallTimeout, protocol.StatusSetStateSuccess)
	return err
}

// runTransfer sends REBALANCE or TRANSFER to the donor and returns the
// number of keys it reports as sent.
func (c *Coordinator) runTransfer(donor *NodeHandle, status protocol.Status, receiver string, rng hashring.Range) (int, error) {
	var ok, failed protocol.Status
	if status == protocol.StatusRebalance {
		ok, failed = protocol.StatusRebalanceSuccess, protocol.StatusRebalanceError
	} else {
		ok, failed = protocol.StatusTransferSuccess, protocol.StatusTransferError
	}

	resp, err := donor.call(protocol.NewMessageWithValue(status, receiver, rng.String()), c.cfg.TransferTimeout, ok, failed)
	if err != nil {
		return 0, err
	}
	moved, _ := strconv.Atoi(resp.Key)
	if resp.Status == failed {
		return moved, fmt.Errorf("donor %s reported %s after %d keys: %s", donor.id, resp.Status, moved, resp.Value)
	}
	return moved, nil
}

// rebalance moves handoff.Range from the donor to the receiver under the
// tentative ring next. It does not commit; the donor is left write locked.
func (c *Coordinator) rebalance(next *hashring.Ring, handoff hashring.Handoff, donor, receiver *NodeHandle) (int, error) {
	if err := c.pushRing(receiver, next); err != nil {
		return 0, fmt.Errorf("receiver metadata: %w", err)
	}
	if err := c.setState(donor, protocol.StateWriteLocked); err != nil {
		return 0, fmt.Errorf("donor write lock: %w", err)
	}
	return c.runTransfer(donor, protocol.StatusRebalance, receiver.id, handoff.Range)
}

// broadcast pushes the committed ring to every connected member in parallel.
// Failures are logged; an unreachable node is caught by the next poll.
func (c *Coordinator) broadcast() {
	g := new(errgroup.Group)
	for _, e := range c.ring.Entries() {
		h, ok := c.handles[e.ID]
		if !ok {
			continue
		}
		ring := c.ring
		g.Go(func() error {
			if err := c.pushRing(h, ring); err != nil {
				h.logger.Warn("Failed to push ring", zap.Error(err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("Ring broadcast incomplete", zap.Int64("version", c.version), zap.Error(err))
	}
}

func (c *Coordinator) observe(kind string, start time.Time, moved int, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.metrics.RebalancesTotal.WithLabelValues(kind, result).Inc()
	c.metrics.RebalanceDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	c.metrics.KeysMovedTotal.Add(float64(moved))
}

// addNode admits a node that sent CONNECT.
func (c *Coordinator) addNode(ev joinEvent) {
	id := hashring.NodeID(ev.host, ev.port)
	logger := c.logger.With(zap.String("node_id", id))

	if _, exists := c.handles[id]; exists {
		logger.Warn("Rejecting duplicate registration")
		_ = ev.conn.WriteMessage(protocol.Failed("node already registered"))
		_ = ev.conn.Close()
		return
	}

	next := c.ring.Clone()
	handoff, err := next.AddServer(ev.host, ev.port)
	if err != nil {
		logger.Error("Cannot place node on ring", zap.Error(err))
		_ = ev.conn.WriteMessage(protocol.Failed(err.Error()))
		_ = ev.conn.Close()
		return
	}

	h := newNodeHandle(ev.conn, ev.host, ev.port, c.logger)
	opID := uuid.New().String()
	start := time.Now()

	if handoff.Donor == "" {
		if err := c.pushRing(h, next); err != nil {
			logger.Error("Bootstrap failed", zap.Error(err))
			h.Close()
			return
		}
		c.commit(next, metastore.ReasonJoin, id, opID)
		if err := c.setState(h, protocol.StateActive); err != nil {
			logger.Warn("Failed to activate first node", zap.Error(err))
		}
		c.admit(h)
		return
	}

	donor, ok := c.handles[handoff.Donor]
	if !ok {
		logger.Error("Donor has no link", zap.String("donor", handoff.Donor))
		h.Close()
		return
	}

	logger.Info("Rebalancing for join",
		zap.String("operation_id", opID),
		zap.String("donor", donor.id),
		zap.String("range", handoff.Range.String()))

	moved, err := c.rebalance(next, handoff, donor, h)
	c.observe(kindJoin, start, moved, err)
	if err != nil {
		logger.Error("Join rebalance failed, ring unchanged",
			zap.String("operation_id", opID),
			zap.String("donor", donor.id),
			zap.Int("keys_moved", moved),
			zap.Error(err))
		if err := c.setState(donor, protocol.StateActive); err != nil {
			donor.logger.Warn("Failed to unlock donor", zap.Error(err))
		}
		h.Close()
		return
	}

	c.commit(next, metastore.ReasonJoin, id, opID)
	c.admit(h)
	c.broadcast()
	if err := c.setState(donor, protocol.StateActive); err != nil {
		donor.logger.Warn("Failed to unlock donor", zap.Error(err))
	}
	if err := c.setState(h, protocol.StateActive); err != nil {
		logger.Warn("Failed to activate node", zap.Error(err))
	}

	logger.Info("Node joined",
		zap.String("operation_id", opID),
		zap.Int("keys_moved", moved),
		zap.Duration("duration", time.Since(start)))
}

func (c *Coordinator) admit(h *NodeHandle) {
	c.handles[h.id] = h
	c.metrics.NodesActive.Set(float64(c.ring.Len()))
	h.startHeartbeat(c.cfg.HeartbeatInterval, c.metrics.HeartbeatsTotal.Inc)
}

// deleteNode serves a graceful leave: the node's arc and data go to its
// successor, then the node is stopped.
func (c *Coordinator) deleteNode(h *NodeHandle) {
	logger := h.logger
	opID := uuid.New().String()
	start := time.Now()

	next := c.ring.Clone()
	handoff, err := next.RemoveServer(h.host, h.port)
	if err != nil {
		logger.Error("Leaving node not on ring", zap.Error(err))
		c.dropHandle(h)
		return
	}

	if handoff == nil {
		logger.Warn("Last node leaving, its data stays behind")
		c.commit(next, metastore.ReasonLeave, h.id, opID)
		c.stopNode(h)
		return
	}

	receiver, ok := c.handles[handoff.Receiver]
	if !ok {
		logger.Error("Receiver has no link", zap.String("receiver", handoff.Receiver))
		c.removeLostNode(h, "successor unreachable")
		return
	}

	logger.Info("Rebalancing for leave",
		zap.String("operation_id", opID),
		zap.String("receiver", receiver.id),
		zap.String("range", handoff.Range.String()))

	moved, err := c.rebalance(next, *handoff, h, receiver)
	c.observe(kindLeave, start, moved, err)
	if err != nil {
		logger.Error("Leave rebalance failed, removing node without transfer",
			zap.String("operation_id", opID),
			zap.Int("keys_moved", moved),
			zap.Error(err))
		c.removeLostNode(h, "leave rebalance failed")
		return
	}

	delete(c.handles, h.id)
	c.commit(next, metastore.ReasonLeave, h.id, opID)
	c.broadcast()
	c.stopNode(h)

	logger.Info("Node left",
		zap.String("operation_id", opID),
		zap.Int("keys_moved", moved),
		zap.Duration("duration", time.Since(start)))
}

func (c *Coordinator) stopNode(h *NodeHandle) {
	if err := c.setState(h, protocol.StateStopped); err != nil {
		h.logger.Warn("Failed to stop node", zap.Error(err))
	}
	c.dropHandle(h)
}

func (c *Coordinator) dropHandle(h *NodeHandle) {
	delete(c.handles, h.id)
	h.Close()
}

// removeLostNode repairs the ring around a node that vanished. Its data is
// not recovered.
func (c *Coordinator) removeLostNode(h *NodeHandle, reason string) {
	h.logger.Warn("Removing lost node", zap.String("reason", reason))
	c.metrics.LostNodesTotal.Inc()
	c.dropHandle(h)

	next := c.ring.Clone()
	if _, err := next.RemoveServer(h.host, h.port); err != nil {
		h.logger.Error("Lost node not on ring", zap.Error(err))
		return
	}
	c.commit(next, metastore.ReasonLost, h.id, uuid.New().String())
	c.broadcast()
}

// transferRange moves the boundary between two adjacent members.
func (c *Coordinator) transferRange(req TransferRequest) error {
	donor, ok := c.handles[req.Donor]
	if !ok {
		return fmt.Errorf("%w: %w: %s", ErrBadTransfer, hashring.ErrNodeNotFound, req.Donor)
	}
	receiver, ok := c.handles[req.Receiver]
	if !ok {
		return fmt.Errorf("%w: %w: %s", ErrBadTransfer, hashring.ErrNodeNotFound, req.Receiver)
	}

	next := c.ring.Clone()
	if err := next.MoveRange(req.Donor, req.Receiver, req.Range); err != nil {
		return fmt.Errorf("%w: %w", ErrBadTransfer, err)
	}

	opID := uuid.New().String()
	start := time.Now()
	logger := c.logger.With(
		zap.String("operation_id", opID),
		zap.String("donor", donor.id),
		zap.String("receiver", receiver.id),
		zap.String("range", req.Range.String()))
	logger.Info("Starting explicit transfer")

	moved, err := c.explicitTransfer(next, req, donor, receiver)
	c.observe(kindTransfer, start, moved, err)
	if err != nil {
		logger.Error("Explicit transfer failed, ring unchanged", zap.Int("keys_moved", moved), zap.Error(err))
		if err := c.pushRing(receiver, c.ring); err != nil {
			receiver.logger.Warn("Failed to restore ring", zap.Error(err))
		}
		if err := c.setState(donor, protocol.StateActive); err != nil {
			donor.logger.Warn("Failed to unlock donor", zap.Error(err))
		}
		return err
	}

	c.commit(next, metastore.ReasonTransfer, donor.id, opID)
	c.broadcast()

	resp, err := donor.call(protocol.NewMessage(protocol.StatusDeleteKeyrange, req.Range.String()),
		c.cfg.TransferTimeout, protocol.StatusDeleteKeyrangeSuccess, protocol.StatusDeleteKeyrangeError)
	if err != nil || resp.Status != protocol.StatusDeleteKeyrangeSuccess {
		logger.Warn("Donor kept copies of transferred keys", zap.Error(err), zap.String("reply", resp.String()))
	}
	if err := c.setState(donor, protocol.StateActive); err != nil {
		donor.logger.Warn("Failed to unlock donor", zap.Error(err))
	}

	logger.Info("Explicit transfer completed", zap.Int("keys_moved", moved), zap.Duration("duration", time.Since(start)))
	return nil
}

func (c *Coordinator) explicitTransfer(next *hashring.Ring, req TransferRequest, donor, receiver *NodeHandle) (int, error) {
	if err := c.setState(donor, protocol.StateWriteLocked); err != nil {
		return 0, fmt.Errorf("donor write lock: %w", err)
	}
	if err := c.pushRing(receiver, next); err != nil {
		return 0, fmt.Errorf("receiver metadata: %w", err)
	}
	return c.runTransfer(donor, protocol.StatusTransfer, receiver.id, req.Range)
}
