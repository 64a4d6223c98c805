package node

import (
	"context"
	"errors"
	"net"
	"time"

	kverrors "github.com/devrev/ringdb/internal/errors"
	"github.com/devrev/ringdb/internal/protocol"
	"github.com/devrev/ringdb/internal/util/workerpool"
	"go.uber.org/zap"
)

type clientHandler func(ctx context.Context, msg protocol.Message) protocol.Message

func (n *Node) newClientHandlers() map[protocol.Status]clientHandler {
	return map[protocol.Status]clientHandler{
		protocol.StatusGet:         n.handleGet,
		protocol.StatusPut:         n.handlePut,
		protocol.StatusKeyrange:    n.handleKeyrange,
		protocol.StatusTransferPut: n.handleTransferPut,
	}
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			n.logger.Warn("Accept failed", zap.Error(err))
			continue
		}

		fc := protocol.NewConn(conn, n.cfg.MaxFrameSize)
		task := workerpool.Task{
			ID: conn.RemoteAddr().String(),
			Run: func(ctx context.Context) error {
				n.serveClient(ctx, fc)
				return nil
			},
			Drop: func() { _ = fc.Close() },
		}
		if !n.pool.TrySubmit(task) {
			n.metrics.ConnectionsRejected.Inc()
			n.logger.Warn("Rejecting connection, worker pool saturated",
				zap.String("remote", conn.RemoteAddr().String()))
			_ = fc.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout))
			_ = fc.WriteMessage(protocol.Failed(kverrors.Busy().Error()))
			_ = fc.Close()
		}
	}
}

// serveClient runs the request loop of one client or peer connection.
func (n *Node) serveClient(ctx context.Context, c *protocol.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer c.Close()

	n.metrics.ConnectionsActive.Inc()
	defer n.metrics.ConnectionsActive.Dec()

	remote := c.RemoteAddr().String()
	for {
		_ = c.SetReadDeadline(time.Now().Add(n.cfg.ReadTimeout))
		msg, err := c.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				n.logger.Warn("Dropping client, frame too large", zap.String("remote", remote))
				_ = c.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout))
				_ = c.WriteMessage(protocol.Failed(kverrors.FrameTooLarge(n.cfg.MaxFrameSize).Error()))
			case protocol.IsTimeout(err):
				n.logger.Debug("Closing idle client", zap.String("remote", remote))
			case !protocol.IsClosed(err):
				n.logger.Debug("Client read failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		reply := n.dispatchClient(ctx, msg)

		_ = c.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout))
		if err := c.WriteMessage(reply); err != nil {
			n.logger.Debug("Client write failed", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}

func (n *Node) dispatchClient(ctx context.Context, msg protocol.Message) protocol.Message {
	start := time.Now()
	op := string(msg.Status)

	var reply protocol.Message
	handler, ok := n.clientHandlers[msg.Status]
	switch {
	case !ok:
		op = "unknown"
		reply = protocol.Failed("unknown command: " + msg.String())
	case n.limiter != nil && msg.Status != protocol.StatusTransferPut && !n.limiter.Allow():
		n.metrics.RateLimitedTotal.Inc()
		reply = protocol.Failed(kverrors.RateLimited().Error())
	default:
		reply = handler(ctx, msg)
	}

	n.metrics.RequestsTotal.WithLabelValues(op, string(reply.Status)).Inc()
	n.metrics.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return reply
}

// errorReply turns a failed client operation into its wire reply.
func (n *Node) errorReply(failed protocol.Status, key string, err error) protocol.Message {
	var kvErr *kverrors.KVError
	if !errors.As(err, &kvErr) {
		return protocol.NewMessageWithValue(failed, key, err.Error())
	}

	switch kvErr.Code {
	case kverrors.ErrCodeNotResponsible:
		ringStr := ""
		if r := n.Ring(); r != nil {
			ringStr = r.String()
		}
		return protocol.NewMessage(protocol.StatusServerNotResponsible, ringStr)
	case kverrors.ErrCodeWriteLocked, kverrors.ErrCodeStopped:
		return protocol.NewMessage(kvErr.ResponseStatus(), "")
	case kverrors.ErrCodeKeyNotFound:
		return protocol.NewMessage(protocol.StatusGetError, key)
	case kverrors.ErrCodeStoreFailed, kverrors.ErrCodeDiskFull, kverrors.ErrCodeCorruptedData, kverrors.ErrCodeInternal:
		return protocol.NewMessageWithValue(failed, key, kvErr.Message)
	}
	return protocol.Failed(kvErr.Error())
}
