package node

import (
	"context"
	"errors"

	kverrors "github.com/devrev/ringdb/internal/errors"
	"github.com/devrev/ringdb/internal/hashring"
	"github.com/devrev/ringdb/internal/protocol"
	"github.com/devrev/ringdb/internal/store"
	"go.uber.org/zap"
)

// owns checks the key against the current snapshot.
func (n *Node) owns(key string) (hashring.Hash, error) {
	h := hashring.HashOf(key)
	r := n.Ring()
	if r == nil {
		return h, kverrors.NotResponsible(key)
	}
	owner, err := r.FindByHash(h)
	if err != nil || owner.ID != n.id {
		return h, kverrors.NotResponsible(key)
	}
	return h, nil
}

func (n *Node) handleGet(ctx context.Context, msg protocol.Message) protocol.Message {
	value, err := n.Get(ctx, msg.Key)
	if err != nil {
		return n.errorReply(protocol.StatusGetError, msg.Key, err)
	}
	return protocol.NewMessageWithValue(protocol.StatusGetSuccess, msg.Key, string(value))
}

// deleteIntent reports whether a PUT carries no value, an empty one or the
// literal null marker.
func deleteIntent(msg protocol.Message) bool {
	return !msg.HasValue || msg.Value == "" || msg.Value == "null"
}

func (n *Node) handlePut(ctx context.Context, msg protocol.Message) protocol.Message {
	if deleteIntent(msg) {
		existed, err := n.Delete(ctx, msg.Key)
		if err != nil {
			return n.errorReply(protocol.StatusDeleteError, msg.Key, err)
		}
		if !existed {
			return protocol.NewMessage(protocol.StatusDeleteError, msg.Key)
		}
		return protocol.NewMessage(protocol.StatusDeleteSuccess, msg.Key)
	}

	existed, err := n.Put(ctx, msg.Key, []byte(msg.Value))
	if err != nil {
		return n.errorReply(protocol.StatusPutError, msg.Key, err)
	}
	if existed {
		return protocol.NewMessage(protocol.StatusPutUpdate, msg.Key)
	}
	return protocol.NewMessage(protocol.StatusPutSuccess, msg.Key)
}

func (n *Node) handleKeyrange(context.Context, protocol.Message) protocol.Message {
	if n.State() == protocol.StateStopped {
		return protocol.NewMessage(protocol.StatusServerStopped, "")
	}
	r := n.Ring()
	if r == nil {
		return protocol.NewMessage(protocol.StatusKeyrangeSuccess, "")
	}
	return protocol.NewMessage(protocol.StatusKeyrangeSuccess, r.String())
}

// handleTransferPut accepts a key pushed by a donor during a range move. It
// ignores the lifecycle state: a joining node is still STOPPED and a donor's
// neighbour may be write locked.
func (n *Node) handleTransferPut(ctx context.Context, msg protocol.Message) protocol.Message {
	if err := n.validator.ValidateWrite(msg.Key, []byte(msg.Value)); err != nil {
		return n.errorReply(protocol.StatusPutError, msg.Key, err)
	}
	if deleteIntent(msg) {
		return protocol.NewMessageWithValue(protocol.StatusPutError, msg.Key, "transferred value is empty")
	}
	h, err := n.owns(msg.Key)
	if err != nil {
		return n.errorReply(protocol.StatusPutError, msg.Key, err)
	}

	existed, err := n.write(ctx, h, msg.Key, []byte(msg.Value))
	if err != nil {
		return n.errorReply(protocol.StatusPutError, msg.Key, err)
	}
	n.metrics.KeysReceivedTotal.Inc()
	if existed {
		return protocol.NewMessage(protocol.StatusPutUpdate, msg.Key)
	}
	return protocol.NewMessage(protocol.StatusPutSuccess, msg.Key)
}

// Get reads key through the cache.
func (n *Node) Get(ctx context.Context, key string) ([]byte, error) {
	if err := n.validator.ValidateKey(key); err != nil {
		return nil, err
	}
	if n.State() == protocol.StateStopped {
		return nil, kverrors.Stopped()
	}
	h, err := n.owns(key)
	if err != nil {
		return nil, err
	}

	mu := n.lockKey(h)
	mu.Lock()
	defer mu.Unlock()

	if value, ok := n.cache.Get(key); ok {
		n.metrics.CacheHitsTotal.Inc()
		return value, nil
	}
	n.metrics.CacheMissesTotal.Inc()

	value, err := n.store.Get(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, kverrors.KeyNotFound(key)
	}
	if err != nil {
		n.logger.Error("Store read failed", zap.String("key", key), zap.Error(err))
		if kverrors.IsKVError(err) {
			return nil, err
		}
		return nil, kverrors.StoreFailed("get", key, err)
	}
	n.cache.Put(key, value)
	return value, nil
}

// Put writes key through to the store and reports whether it existed.
func (n *Node) Put(ctx context.Context, key string, value []byte) (bool, error) {
	h, err := n.checkWrite(key, value)
	if err != nil {
		return false, err
	}
	return n.write(ctx, h, key, value)
}

// Delete removes key and reports whether it existed.
func (n *Node) Delete(ctx context.Context, key string) (bool, error) {
	h, err := n.checkWrite(key, nil)
	if err != nil {
		return false, err
	}

	mu := n.lockKey(h)
	mu.Lock()
	defer mu.Unlock()

	n.cache.Delete(key)
	existed, err := n.store.Delete(ctx, key)
	if err != nil {
		n.logger.Error("Store delete failed", zap.String("key", key), zap.Error(err))
		if kverrors.IsKVError(err) {
			return false, err
		}
		return false, kverrors.StoreFailed("delete", key, err)
	}
	return existed, nil
}

func (n *Node) checkWrite(key string, value []byte) (hashring.Hash, error) {
	if err := n.validator.ValidateWrite(key, value); err != nil {
		return hashring.Hash{}, err
	}
	state := n.State()
	if state == protocol.StateStopped {
		return hashring.Hash{}, kverrors.Stopped()
	}
	h, err := n.owns(key)
	if err != nil {
		return h, err
	}
	if state == protocol.StateWriteLocked {
		return h, kverrors.WriteLocked()
	}
	return h, nil
}

func (n *Node) write(ctx context.Context, h hashring.Hash, key string, value []byte) (bool, error) {
	mu := n.lockKey(h)
	mu.Lock()
	defer mu.Unlock()

	existed, err := n.store.Put(ctx, key, value)
	if err != nil {
		n.cache.Delete(key)
		n.logger.Error("Store write failed", zap.String("key", key), zap.Error(err))
		if kverrors.IsKVError(err) {
			return false, err
		}
		return false, kverrors.StoreFailed("put", key, err)
	}
	n.cache.Put(key, value)
	return existed, nil
}
