package coordinator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/ringdb/internal/hashring"
	"github.com/devrev/ringdb/internal/protocol"
	"go.uber.org/zap"
)

const inboxSize = 64

// NodeHandle is the coordinator's proxy for one connected storage node. A
// reader goroutine records liveness and leave requests and moves replies into
// the inbox; only the event loop consumes it, either inside call or while
// polling.
type NodeHandle struct {
	id   string
	host string
	port int

	conn   *protocol.Conn
	inbox  chan protocol.Message
	done   chan struct{}
	logger *zap.Logger

	lastSeen atomic.Int64
	leaving  atomic.Bool

	// Owned by the event loop.
	suspectedAt time.Time

	closeOnce sync.Once
	stopBeat  chan struct{}
}

func newNodeHandle(conn *protocol.Conn, host string, port int, logger *zap.Logger) *NodeHandle {
	id := hashring.NodeID(host, port)
	h := &NodeHandle{
		id:       id,
		host:     host,
		port:     port,
		conn:     conn,
		inbox:    make(chan protocol.Message, inboxSize),
		done:     make(chan struct{}),
		stopBeat: make(chan struct{}),
		logger:   logger.With(zap.String("node_id", id)),
	}
	h.touch()
	go h.readLoop()
	return h
}

// ID returns host:port.
func (h *NodeHandle) ID() string {
	return h.id
}

func (h *NodeHandle) touch() {
	h.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen is the arrival time of the last frame from the node.
func (h *NodeHandle) LastSeen() time.Time {
	return time.Unix(0, h.lastSeen.Load())
}

func (h *NodeHandle) readLoop() {
	defer close(h.done)
	for {
		msg, err := h.conn.ReadMessage()
		if err != nil {
			if !protocol.IsClosed(err) {
				h.logger.Warn("Node link failed", zap.Error(err))
			}
			return
		}
		h.touch()
		switch msg.Status {
		case protocol.StatusWagwan:
			continue
		case protocol.StatusShuttingDown:
			h.logger.Info("Node requested to leave")
			h.leaving.Store(true)
			continue
		}
		select {
		case h.inbox <- msg:
		default:
			h.logger.Warn("Node inbox full, dropping frame", zap.String("status", string(msg.Status)))
		}
	}
}

// alive reports false once the link is gone.
func (h *NodeHandle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// startHeartbeat sends WAGWAN every interval until the handle closes.
func (h *NodeHandle) startHeartbeat(interval time.Duration, sent func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := h.send(protocol.NewMessage(protocol.StatusWagwan, "")); err != nil {
					return
				}
				if sent != nil {
					sent()
				}
			case <-h.stopBeat:
				return
			case <-h.done:
				return
			}
		}
	}()
}

func (h *NodeHandle) send(msg protocol.Message) error {
	_ = h.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return h.conn.WriteMessage(msg)
}

// call sends msg and waits for a reply whose status is one of expect.
func (h *NodeHandle) call(msg protocol.Message, timeout time.Duration, expect ...protocol.Status) (protocol.Message, error) {
	// Replies that arrived after an earlier call timed out.
	for drained := false; !drained; {
		select {
		case stale := <-h.inbox:
			h.logger.Debug("Discarding stale reply", zap.String("message", stale.String()))
		default:
			drained = true
		}
	}

	if err := h.send(msg); err != nil {
		return protocol.Message{}, fmt.Errorf("send %s to %s: %w", msg.Status, h.id, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-h.inbox:
		for _, s := range expect {
			if resp.Status == s {
				return resp, nil
			}
		}
		return resp, fmt.Errorf("%w: %s answered %s with %q", protocol.ErrUnexpectedStatus, h.id, msg.Status, resp.String())
	case <-h.done:
		return protocol.Message{}, fmt.Errorf("node %s disconnected during %s", h.id, msg.Status)
	case <-timer.C:
		return protocol.Message{}, fmt.Errorf("node %s did not answer %s within %s", h.id, msg.Status, timeout)
	}
}

// Close drops the link.
func (h *NodeHandle) Close() {
	h.closeOnce.Do(func() {
		close(h.stopBeat)
		_ = h.conn.Close()
	})
}
