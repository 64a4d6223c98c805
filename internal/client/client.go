// Package client talks the storage node wire protocol. It learns the ring
// from SERVER_NOT_RESPONSIBLE replies and routes each key to its owner.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kverrors "github.com/devrev/ringdb/internal/errors"
	"github.com/devrev/ringdb/internal/hashring"
	"github.com/devrev/ringdb/internal/protocol"
	"go.uber.org/zap"
)

// Config holds client settings.
type Config struct {
	Seeds          []string
	MaxRedirects   int
	MaxRetries     int
	Backoff        time.Duration
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	MaxFrameSize   int
}

func (c *Config) setDefaults() {
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
}

// peer is one pooled connection; mu serializes request/response pairs.
type peer struct {
	mu   sync.Mutex
	conn *protocol.Conn
}

// Client routes requests across the cluster.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	ring  *hashring.Ring
	peers map[string]*peer
	seed  int
}

// New creates a client. At least one seed node is required.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if len(cfg.Seeds) == 0 {
		return nil, errors.New("at least one seed node is required")
	}
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		peers:  make(map[string]*peer),
	}, nil
}

// Ring returns the last ring learned from the cluster, or nil.
func (c *Client) Ring() *hashring.Ring {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ring
}

// Get returns the value stored under key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	resp, err := c.do(ctx, key, protocol.NewMessage(protocol.StatusGet, key))
	if err != nil {
		return "", err
	}
	switch resp.Status {
	case protocol.StatusGetSuccess:
		return resp.Value, nil
	case protocol.StatusGetError:
		if resp.Value != "" {
			return "", kverrors.StoreFailed("get", key, errors.New(resp.Value))
		}
		return "", kverrors.KeyNotFound(key)
	}
	return "", unexpected(resp)
}

// Put stores value under key and reports whether it replaced an existing value.
func (c *Client) Put(ctx context.Context, key, value string) (bool, error) {
	if value == "" || value == "null" {
		return false, kverrors.NewKVError(kverrors.ErrCodeProtocol, "empty or null value deletes a key, use Delete", nil).
			WithDetail("key", key)
	}
	resp, err := c.do(ctx, key, protocol.NewMessageWithValue(protocol.StatusPut, key, value))
	if err != nil {
		return false, err
	}
	switch resp.Status {
	case protocol.StatusPutSuccess:
		return false, nil
	case protocol.StatusPutUpdate:
		return true, nil
	case protocol.StatusPutError:
		return false, kverrors.StoreFailed("put", key, errors.New(resp.Value))
	}
	return false, unexpected(resp)
}

// Delete removes key and reports whether it existed.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	resp, err := c.do(ctx, key, protocol.NewMessage(protocol.StatusPut, key))
	if err != nil {
		return false, err
	}
	switch resp.Status {
	case protocol.StatusDeleteSuccess:
		return true, nil
	case protocol.StatusDeleteError:
		if resp.HasValue && resp.Value != "" {
			return false, kverrors.StoreFailed("delete", key, errors.New(resp.Value))
		}
		return false, nil
	}
	return false, unexpected(resp)
}

// Keyrange asks a seed for the ring and caches it.
func (c *Client) Keyrange(ctx context.Context) (*hashring.Ring, error) {
	var lastErr error
	for range c.cfg.Seeds {
		addr := c.nextSeed()
		resp, err := c.exchange(ctx, addr, protocol.NewMessage(protocol.StatusKeyrange, ""))
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Status != protocol.StatusKeyrangeSuccess {
			lastErr = unexpected(resp)
			continue
		}
		r, err := hashring.Parse(resp.Key)
		if err != nil {
			return nil, kverrors.Protocol("malformed ring in KEYRANGE reply", err)
		}
		c.setRing(r)
		return r, nil
	}
	return nil, fmt.Errorf("no seed answered KEYRANGE: %w", lastErr)
}

// Close drops every pooled connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, p := range c.peers {
		_ = p.conn.Close()
		delete(c.peers, addr)
	}
}

// do sends msg to the owner of key, following redirects and backing off
// while the owner is locked or stopped.
func (c *Client) do(ctx context.Context, key string, msg protocol.Message) (protocol.Message, error) {
	addr := c.route(key)
	redirects, retries := 0, 0
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return protocol.Message{}, err
		}

		resp, err := c.exchange(ctx, addr, msg)
		if err != nil {
			retries++
			lastErr = err
			if retries > c.cfg.MaxRetries {
				return protocol.Message{}, fmt.Errorf("request for %s failed after %d attempts: %w", key, retries, lastErr)
			}
			c.logger.Debug("Request failed, trying another node", zap.String("address", addr), zap.Error(err))
			c.forgetRing()
			addr = c.nextSeed()
			continue
		}

		switch resp.Status {
		case protocol.StatusServerNotResponsible:
			redirects++
			if redirects > c.cfg.MaxRedirects {
				return protocol.Message{}, kverrors.NotResponsible(key).WithDetail("redirects", redirects)
			}
			next, ok := c.learn(resp.Key, key)
			if !ok {
				addr = c.nextSeed()
				continue
			}
			c.logger.Debug("Redirected", zap.String("key", key), zap.String("from", addr), zap.String("to", next))
			addr = next

		case protocol.StatusServerWriteLock, protocol.StatusServerStopped:
			retries++
			if retries > c.cfg.MaxRetries {
				if resp.Status == protocol.StatusServerWriteLock {
					return protocol.Message{}, kverrors.WriteLocked()
				}
				return protocol.Message{}, kverrors.Stopped()
			}
			if err := c.sleep(ctx, retries); err != nil {
				return protocol.Message{}, err
			}
			// The ring may have moved while we waited.
			addr = c.route(key)

		case protocol.StatusFailed:
			reason := resp.Value
			if reason == "" {
				reason = resp.Key
			}
			return protocol.Message{}, kverrors.Protocol(fmt.Sprintf("%s rejected request: %s", addr, reason), nil)

		default:
			return resp, nil
		}
	}
}

// learn adopts the ring carried by a redirect and returns the key's owner.
func (c *Client) learn(ringStr, key string) (string, bool) {
	r, err := hashring.Parse(ringStr)
	if err != nil {
		c.logger.Warn("Ignoring malformed ring in redirect", zap.Error(err))
		return "", false
	}
	owner, err := r.FindServer(key)
	if err != nil {
		return "", false
	}
	c.setRing(r)
	return owner, true
}

func (c *Client) route(key string) string {
	if r := c.Ring(); r != nil {
		if owner, err := r.FindServer(key); err == nil {
			return owner
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Seeds[c.seed]
}

func (c *Client) nextSeed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seed = (c.seed + 1) % len(c.cfg.Seeds)
	return c.cfg.Seeds[c.seed]
}

func (c *Client) setRing(r *hashring.Ring) {
	c.mu.Lock()
	c.ring = r
	c.mu.Unlock()
}

func (c *Client) forgetRing() {
	c.setRing(nil)
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	d := c.cfg.Backoff << (attempt - 1)
	if limit := 5 * time.Second; d > limit || d <= 0 {
		d = limit
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) exchange(ctx context.Context, addr string, msg protocol.Message) (protocol.Message, error) {
	p, err := c.peer(ctx, addr)
	if err != nil {
		return protocol.Message{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetDeadline(deadline)

	resp, err := p.conn.Exchange(msg)
	if err != nil {
		c.drop(addr, p)
		return protocol.Message{}, err
	}
	return resp, nil
}

func (c *Client) peer(ctx context.Context, addr string) (*peer, error) {
	c.mu.RLock()
	p, ok := c.peers[addr]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := protocol.Dial(dialCtx, addr, c.cfg.MaxFrameSize)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.peers[addr]; ok {
		_ = conn.Close()
		return existing, nil
	}
	p = &peer{conn: conn}
	c.peers[addr] = p
	return p, nil
}

func (c *Client) drop(addr string, p *peer) {
	_ = p.conn.Close()
	c.mu.Lock()
	if c.peers[addr] == p {
		delete(c.peers, addr)
	}
	c.mu.Unlock()
}

func unexpected(resp protocol.Message) error {
	return fmt.Errorf("%w: %s", protocol.ErrUnexpectedStatus, resp.String())
}
