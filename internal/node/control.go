package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/devrev/ringdb/internal/hashring"
	"github.com/devrev/ringdb/internal/protocol"
	"go.uber.org/zap"
)

// controlHandler answers one coordinator instruction. Handlers marked async
// run off the read loop so heartbeats keep flowing during long transfers.
type controlHandler struct {
	async bool
	fn    func(ctx context.Context, msg protocol.Message) protocol.Message
}

func (n *Node) newControlHandlers() map[protocol.Status]controlHandler {
	return map[protocol.Status]controlHandler{
		protocol.StatusUpdateMetadata: {fn: n.handleUpdateMetadata},
		protocol.StatusSetState:       {fn: n.handleSetState},
		protocol.StatusWagwan:         {fn: n.handleWagwan},
		protocol.StatusRebalance:      {async: true, fn: n.handleRebalance},
		protocol.StatusTransfer:       {async: true, fn: n.handleTransfer},
		protocol.StatusDeleteKeyrange: {async: true, fn: n.handleDeleteKeyrange},
	}
}

// register dials the coordinator, retrying on failure, and announces the
// node's address.
func (n *Node) register(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxRetries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, n.cfg.RetryInterval)
		conn, err := protocol.Dial(dialCtx, n.cfg.CoordinatorAddr, n.cfg.MaxFrameSize)
		cancel()
		if err == nil {
			err = conn.WriteMessage(protocol.NewMessageWithValue(protocol.StatusConnect, n.host, strconv.Itoa(n.port)))
			if err == nil {
				n.coord = conn
				n.logger.Info("Registered with coordinator",
					zap.String("coordinator", n.cfg.CoordinatorAddr),
					zap.Int("attempt", attempt))
				n.wg.Add(1)
				go n.controlLoop()
				return nil
			}
			_ = conn.Close()
		}
		lastErr = err

		n.logger.Warn("Failed to register with coordinator",
			zap.String("coordinator", n.cfg.CoordinatorAddr),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", n.cfg.MaxRetries),
			zap.Error(err))

		if attempt < n.cfg.MaxRetries {
			select {
			case <-time.After(n.cfg.RetryInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed to register with coordinator after %d attempts: %w", n.cfg.MaxRetries, lastErr)
}

// waitActive blocks until the coordinator assigns a range and activates the node.
func (n *Node) waitActive(ctx context.Context) error {
	timer := time.NewTimer(n.cfg.ActivationTimeout)
	defer timer.Stop()

	select {
	case <-n.activated:
		n.logger.Info("Storage node active")
		return nil
	case <-n.linkDown:
		return errors.New("coordinator closed the link before activating the node")
	case <-timer.C:
		return fmt.Errorf("not activated within %s", n.cfg.ActivationTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) controlLoop() {
	defer n.wg.Done()
	defer n.linkOnce.Do(func() { close(n.linkDown) })

	for {
		msg, err := n.coord.ReadMessage()
		if err != nil {
			if n.shuttingDown.Load() || protocol.IsClosed(err) {
				n.logger.Info("Coordinator link closed")
			} else {
				n.logger.Error("Coordinator link failed", zap.Error(err))
			}
			return
		}

		h, ok := n.controlHandlers[msg.Status]
		if !ok {
			n.logger.Warn("Unexpected control message", zap.String("message", msg.String()))
			n.reply(protocol.Failed("unexpected control message " + string(msg.Status)))
			continue
		}
		if !h.async {
			n.reply(h.fn(n.ctx, msg))
			// Released only after the ack is on the wire, since Shutdown closes the link.
			if n.shuttingDown.Load() && n.State() == protocol.StateStopped {
				n.stopOnce.Do(func() { close(n.stopped) })
			}
			continue
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.opMu.Lock()
			defer n.opMu.Unlock()
			n.reply(h.fn(n.ctx, msg))
		}()
	}
}

func (n *Node) reply(m protocol.Message) {
	if err := n.coord.WriteMessage(m); err != nil && !protocol.IsClosed(err) {
		n.logger.Warn("Failed to reply to coordinator", zap.String("status", string(m.Status)), zap.Error(err))
	}
}

func (n *Node) handleUpdateMetadata(_ context.Context, msg protocol.Message) protocol.Message {
	r, err := hashring.Parse(msg.Key)
	if err != nil {
		n.logger.Error("Rejecting metadata", zap.Error(err))
		return protocol.NewMessageWithValue(protocol.StatusUpdateMetadataError, "", err.Error())
	}
	n.setRing(r)

	fields := []zap.Field{zap.Int("members", r.Len())}
	if e, ok := r.Entry(n.id); ok {
		fields = append(fields, zap.String("range", e.Range.String()))
	}
	n.logger.Info("Metadata updated", fields...)
	return protocol.NewMessage(protocol.StatusUpdateMetadataSuccess, "")
}

func (n *Node) handleSetState(_ context.Context, msg protocol.Message) protocol.Message {
	state, ok := protocol.ParseNodeState(msg.Key)
	if !ok {
		return protocol.NewMessageWithValue(protocol.StatusSetStateError, msg.Key, "unknown state")
	}
	prev := n.State()
	n.setState(state)
	n.logger.Info("State changed", zap.String("from", string(prev)), zap.String("to", string(state)))
	return protocol.NewMessage(protocol.StatusSetStateSuccess, string(state))
}

func (n *Node) handleWagwan(context.Context, protocol.Message) protocol.Message {
	return protocol.NewMessage(protocol.StatusWagwan, "")
}

func (n *Node) handleRebalance(ctx context.Context, msg protocol.Message) protocol.Message {
	return n.runTransfer(ctx, msg, true, protocol.StatusRebalanceSuccess, protocol.StatusRebalanceError)
}

func (n *Node) handleTransfer(ctx context.Context, msg protocol.Message) protocol.Message {
	return n.runTransfer(ctx, msg, false, protocol.StatusTransferSuccess, protocol.StatusTransferError)
}

func (n *Node) runTransfer(ctx context.Context, msg protocol.Message, move bool, ok, failed protocol.Status) protocol.Message {
	rng, err := hashring.ParseRange(msg.Value)
	if err != nil || msg.Key == "" {
		return protocol.NewMessageWithValue(failed, "0", fmt.Sprintf("malformed %s request", msg.Status))
	}

	moved, err := n.pushRange(ctx, msg.Key, rng, move)
	defer n.cache.Clear()
	if err != nil {
		n.logger.Error("Range transfer failed",
			zap.String("receiver", msg.Key),
			zap.String("range", rng.String()),
			zap.Int("keys_moved", moved),
			zap.Error(err))
		return protocol.NewMessageWithValue(failed, strconv.Itoa(moved), err.Error())
	}
	return protocol.NewMessage(ok, strconv.Itoa(moved))
}

func (n *Node) handleDeleteKeyrange(ctx context.Context, msg protocol.Message) protocol.Message {
	rng, err := hashring.ParseRange(msg.Key)
	if err != nil {
		return protocol.NewMessageWithValue(protocol.StatusDeleteKeyrangeError, "0", err.Error())
	}
	deleted, err := n.deleteRange(ctx, rng)
	n.cache.Clear()
	if err != nil {
		n.logger.Error("Range delete failed", zap.String("range", rng.String()), zap.Error(err))
		return protocol.NewMessageWithValue(protocol.StatusDeleteKeyrangeError, strconv.Itoa(deleted), err.Error())
	}
	n.logger.Info("Range deleted", zap.String("range", rng.String()), zap.Int("keys_deleted", deleted))
	return protocol.NewMessage(protocol.StatusDeleteKeyrangeSuccess, strconv.Itoa(deleted))
}
