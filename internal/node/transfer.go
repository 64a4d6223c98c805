package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	kverrors "github.com/devrev/ringdb/internal/errors"
	"github.com/devrev/ringdb/internal/hashring"
	"github.com/devrev/ringdb/internal/protocol"
	"github.com/devrev/ringdb/internal/store"
	"go.uber.org/zap"
)

// keysIn lists the stored keys whose hash falls inside rng.
func (n *Node) keysIn(ctx context.Context, rng hashring.Range) ([]string, error) {
	keys, err := n.store.ListKeys(ctx)
	if err != nil {
		return nil, kverrors.StoreFailed("list", "", err)
	}
	var out []string
	for _, k := range keys {
		if rng.Contains(hashring.HashOf(k)) {
			out = append(out, k)
		}
	}
	return out, nil
}

// pushRange copies every key in rng to receiver over a peer connection. With
// move set, the local copies are deleted once every key was accepted. A
// failed send aborts the remainder; keys already sent stay on the receiver.
func (n *Node) pushRange(ctx context.Context, receiver string, rng hashring.Range, move bool) (int, error) {
	keys, err := n.keysIn(ctx, rng)
	if err != nil {
		return 0, err
	}

	logger := n.logger.With(zap.String("receiver", receiver), zap.String("range", rng.String()))
	logger.Info("Starting range transfer", zap.Int("keys", len(keys)), zap.Bool("move", move))
	if len(keys) == 0 {
		return 0, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.WriteTimeout)
	peer, err := protocol.Dial(dialCtx, receiver, n.cfg.MaxFrameSize)
	cancel()
	if err != nil {
		return 0, kverrors.TransferFailed(receiver, 0, err)
	}
	defer peer.Close()

	sent := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return sent, kverrors.TransferFailed(receiver, sent, err)
		}

		value, err := n.store.Get(ctx, key)
		if errors.Is(err, store.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return sent, kverrors.TransferFailed(receiver, sent, err)
		}

		_ = peer.SetDeadline(time.Now().Add(n.cfg.WriteTimeout))
		resp, err := peer.Exchange(protocol.NewMessageWithValue(protocol.StatusTransferPut, key, string(value)))
		if err != nil {
			return sent, kverrors.TransferFailed(receiver, sent, err)
		}
		if resp.Status != protocol.StatusPutSuccess && resp.Status != protocol.StatusPutUpdate {
			return sent, kverrors.TransferFailed(receiver, sent,
				fmt.Errorf("%w: %s for key %s", protocol.ErrUnexpectedStatus, resp.Status, key))
		}
		sent++
		n.metrics.KeysTransferredTotal.Inc()
	}

	if move {
		for _, key := range keys {
			if _, err := n.store.Delete(ctx, key); err != nil {
				logger.Warn("Failed to delete moved key", zap.String("key", key), zap.Error(err))
			}
		}
	}

	logger.Info("Range transfer completed", zap.Int("keys_moved", sent))
	return sent, nil
}

// deleteRange removes every local key in rng.
func (n *Node) deleteRange(ctx context.Context, rng hashring.Range) (int, error) {
	keys, err := n.keysIn(ctx, rng)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, key := range keys {
		existed, err := n.store.Delete(ctx, key)
		if err != nil {
			return deleted, kverrors.StoreFailed("delete", key, err)
		}
		if existed {
			deleted++
		}
	}
	n.metrics.KeysDeletedTotal.Add(float64(deleted))
	return deleted, nil
}
