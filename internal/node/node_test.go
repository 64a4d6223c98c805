package node

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devrev/ringdb/internal/cache"
	"github.com/devrev/ringdb/internal/hashring"
	"github.com/devrev/ringdb/internal/protocol"
	"github.com/devrev/ringdb/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeCoordinator plays the coordinator side of one node's control link.
type fakeCoordinator struct {
	ln   net.Listener
	conn *protocol.Conn
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeCoordinator{ln: ln}
	t.Cleanup(func() {
		_ = ln.Close()
		if f.conn != nil {
			_ = f.conn.Close()
		}
	})
	return f
}

func (f *fakeCoordinator) accept(t *testing.T) (string, int) {
	conn, err := f.ln.Accept()
	require.NoError(t, err)
	f.conn = protocol.NewConn(conn, 0)
	_ = f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	msg, err := f.conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.StatusConnect, msg.Status)
	port, err := strconv.Atoi(msg.Value)
	require.NoError(t, err)
	return msg.Key, port
}

func (f *fakeCoordinator) call(t *testing.T, msg protocol.Message) protocol.Message {
	require.NoError(t, f.conn.WriteMessage(msg))
	_ = f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := f.conn.ReadMessage()
	require.NoError(t, err)
	return resp
}

func (f *fakeCoordinator) pushRing(t *testing.T, r *hashring.Ring) {
	resp := f.call(t, protocol.NewMessage(protocol.StatusUpdateMetadata, r.String()))
	require.Equal(t, protocol.StatusUpdateMetadataSuccess, resp.Status)
}

func (f *fakeCoordinator) setState(t *testing.T, s protocol.NodeState) {
	resp := f.call(t, protocol.NewMessage(protocol.StatusSetState, string(s)))
	require.Equal(t, protocol.StatusSetStateSuccess, resp.Status)
}

func testConfig(coordAddr string) Config {
	return Config{
		Host:              "127.0.0.1",
		AdvertiseHost:     "127.0.0.1",
		Port:              0,
		CoordinatorAddr:   coordAddr,
		RetryInterval:     100 * time.Millisecond,
		MaxRetries:        3,
		ActivationTimeout: 5 * time.Second,
		MaxConnections:    8,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      2 * time.Second,
		ShutdownTimeout:   2 * time.Second,
	}
}

type startedNode struct {
	node  *Node
	coord *fakeCoordinator
	st    *store.MemoryStore
	ring  *hashring.Ring

	// Identity as announced in CONNECT.
	host string
	port int
	id   string
}

// startNode boots a node and lets the fake coordinator register it without
// activating it.
func startNode(t *testing.T, mutate func(*Config)) (*startedNode, <-chan error) {
	coord := newFakeCoordinator(t)
	cfg := testConfig(coord.ln.Addr().String())
	if mutate != nil {
		mutate(&cfg)
	}
	st := store.NewMemoryStore()
	n := New(cfg, st, cache.New(cache.StrategyLRU, 16, nil), nil, zap.NewNop())

	errCh := make(chan error, 1)
	go func() { errCh <- n.Start(context.Background()) }()

	host, port := coord.accept(t)
	assert.Equal(t, "127.0.0.1", host)
	t.Cleanup(n.Kill)
	return &startedNode{
		node:  n,
		coord: coord,
		st:    st,
		host:  host,
		port:  port,
		id:    hashring.NodeID(host, port),
	}, errCh
}

// startActiveNode boots a node that owns the whole ring.
func startActiveNode(t *testing.T, mutate func(*Config)) *startedNode {
	sn, errCh := startNode(t, mutate)
	sn.ring = hashring.New()
	_, err := sn.ring.AddServer(sn.host, sn.port)
	require.NoError(t, err)

	sn.coord.pushRing(t, sn.ring)
	sn.coord.setState(t, protocol.StateActive)
	require.NoError(t, <-errCh)
	return sn
}

func dialNode(t *testing.T, addr string) *protocol.Conn {
	conn, err := protocol.Dial(context.Background(), addr, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func exchange(t *testing.T, c *protocol.Conn, msg protocol.Message) protocol.Message {
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	resp, err := c.Exchange(msg)
	require.NoError(t, err)
	return resp
}

func TestNode_ClientOperations(t *testing.T) {
	sn := startActiveNode(t, nil)
	assert.Equal(t, protocol.StateActive, sn.node.State())
	c := dialNode(t, sn.id)

	tests := []struct {
		name   string
		req    protocol.Message
		status protocol.Status
		value  string
	}{
		{"put new", protocol.NewMessageWithValue(protocol.StatusPut, "k1", "hello world"), protocol.StatusPutSuccess, ""},
		{"put existing", protocol.NewMessageWithValue(protocol.StatusPut, "k1", "hello again"), protocol.StatusPutUpdate, ""},
		{"get", protocol.NewMessage(protocol.StatusGet, "k1"), protocol.StatusGetSuccess, "hello again"},
		{"delete via empty value", protocol.NewMessageWithValue(protocol.StatusPut, "k1", ""), protocol.StatusDeleteSuccess, ""},
		{"delete missing via absent value", protocol.NewMessage(protocol.StatusPut, "k1"), protocol.StatusDeleteError, ""},
		{"put again", protocol.NewMessageWithValue(protocol.StatusPut, "k1", "v"), protocol.StatusPutSuccess, ""},
		{"delete via literal null", protocol.NewMessageWithValue(protocol.StatusPut, "k1", "null"), protocol.StatusDeleteSuccess, ""},
		{"get missing", protocol.NewMessage(protocol.StatusGet, "k1"), protocol.StatusGetError, ""},
		{"key too long", protocol.NewMessage(protocol.StatusGet, strings.Repeat("k", 21)), protocol.StatusFailed, ""},
		{"empty key", protocol.NewMessage(protocol.StatusGet, ""), protocol.StatusFailed, ""},
		{"unknown command", protocol.NewMessage(protocol.StatusWagwan, ""), protocol.StatusFailed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := exchange(t, c, tt.req)
			assert.Equal(t, tt.status, resp.Status, resp.String())
			if tt.value != "" {
				assert.Equal(t, tt.value, resp.Value)
			}
		})
	}
}

func TestNode_Keyrange(t *testing.T) {
	sn := startActiveNode(t, nil)
	c := dialNode(t, sn.id)

	resp := exchange(t, c, protocol.NewMessage(protocol.StatusKeyrange, ""))
	require.Equal(t, protocol.StatusKeyrangeSuccess, resp.Status)
	assert.Equal(t, sn.ring.String(), resp.Key)
}

func TestNode_CacheReadThrough(t *testing.T) {
	sn := startActiveNode(t, nil)
	ctx := context.Background()

	_, err := sn.st.Put(ctx, "direct", []byte("from-store"))
	require.NoError(t, err)

	v, err := sn.node.Get(ctx, "direct")
	require.NoError(t, err)
	assert.Equal(t, "from-store", string(v))

	v, err = sn.node.Get(ctx, "direct")
	require.NoError(t, err)
	assert.Equal(t, "from-store", string(v))

	stats := sn.node.CacheStats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 1, stats.Entries)
}

func TestNode_StateGates(t *testing.T) {
	sn := startActiveNode(t, nil)
	c := dialNode(t, sn.id)

	resp := exchange(t, c, protocol.NewMessageWithValue(protocol.StatusPut, "k1", "v1"))
	require.Equal(t, protocol.StatusPutSuccess, resp.Status)

	sn.coord.setState(t, protocol.StateWriteLocked)
	resp = exchange(t, c, protocol.NewMessageWithValue(protocol.StatusPut, "k1", "v2"))
	assert.Equal(t, protocol.StatusServerWriteLock, resp.Status)
	resp = exchange(t, c, protocol.NewMessage(protocol.StatusGet, "k1"))
	assert.Equal(t, protocol.StatusGetSuccess, resp.Status)
	assert.Equal(t, "v1", resp.Value)

	sn.coord.setState(t, protocol.StateStopped)
	resp = exchange(t, c, protocol.NewMessage(protocol.StatusGet, "k1"))
	assert.Equal(t, protocol.StatusServerStopped, resp.Status)
	resp = exchange(t, c, protocol.NewMessageWithValue(protocol.StatusPut, "k1", "v3"))
	assert.Equal(t, protocol.StatusServerStopped, resp.Status)

	resp = sn.coord.call(t, protocol.NewMessage(protocol.StatusSetState, "PAUSED"))
	assert.Equal(t, protocol.StatusSetStateError, resp.Status)
}

func keyOwnedBy(t *testing.T, r *hashring.Ring, id string) string {
	for i := 0; i < 10000; i++ {
		k := fmt.Sprintf("key-%d", i)
		owner, err := r.FindServer(k)
		require.NoError(t, err)
		if owner == id {
			return k
		}
	}
	t.Fatalf("no key owned by %s", id)
	return ""
}

func TestNode_NotResponsibleCarriesRing(t *testing.T) {
	sn := startActiveNode(t, nil)

	r := sn.ring.Clone()
	_, err := r.AddServer("127.0.0.1", 1)
	require.NoError(t, err)
	sn.coord.pushRing(t, r)

	c := dialNode(t, sn.id)
	resp = exchange(t, c, protocol.NewMessageWithValue(protocol.StatusTransferPut, own, "null"))
	assert.Equal(t, protocol.StatusPutError, resp.Status, "null is a delete marker, never a value")
	v, err := sn.st.Get(context.Background(), own)
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	foreign := keyOwnedBy(t, r, hashring.NodeID("127.0.0.1", 1))

	for _, req := range []protocol.Message{
		protocol.NewMessage(protocol.StatusGet, foreign),
		protocol.NewMessageWithValue(protocol.StatusPut, foreign, "v"),
	} {
		resp := exchange(t, c, req)
		require.Equal(t, protocol.StatusServerNotResponsible, resp.Status)
		parsed, err := hashring.Parse(resp.Key)
		require.NoError(t, err)
		assert.Equal(t, r.String(), parsed.String())
	}

	own := keyOwnedBy(t, r, sn.id)
	resp := exchange(t, c, protocol.NewMessageWithValue(protocol.StatusPut, own, "v"))
	assert.Equal(t, protocol.StatusPutSuccess, resp.Status)
}

func TestNode_RebalanceMovesRangeToReceiver(t *testing.T) {
	donor := startActiveNode(t, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := donor.node.Put(ctx, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value %d", i)))
		require.NoError(t, err)
	}

	receiver, errCh := startNode(t, nil)
	next := donor.ring.Clone()
	handoff, err := next.AddServer(receiver.host, receiver.port)
	require.NoError(t, err)
	require.Equal(t, donor.id, handoff.Donor)

	var expected []string
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%d", i)
		if handoff.Range.Contains(hashring.HashOf(k)) {
			expected = append(expected, k)
		}
	}

	receiver.coord.pushRing(t, next)
	donor.coord.setState(t, protocol.StateWriteLocked)
	resp := donor.coord.call(t, protocol.NewMessageWithValue(protocol.StatusRebalance, receiver.id, handoff.Range.String()))
	require.Equal(t, protocol.StatusRebalanceSuccess, resp.Status, resp.String())
	assert.Equal(t, strconv.Itoa(len(expected)), resp.Key)

	donor.coord.pushRing(t, next)
	donor.coord.setState(t, protocol.StateActive)
	receiver.coord.setState(t, protocol.StateActive)
	require.NoError(t, <-errCh)

	for _, k := range expected {
		v, err := receiver.node.Get(ctx, k)
		require.NoError(t, err, k)
		assert.Contains(t, string(v), "value ")

		_, err = donor.st.Get(ctx, k)
		assert.ErrorIs(t, err, store.ErrKeyNotFound)
	}

	remaining, err := donor.st.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 50-len(expected))
}

func TestNode_TransferCopiesThenDeleteKeyrange(t *testing.T) {
	donor := startActiveNode(t, nil)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_, err := donor.node.Put(ctx, fmt.Sprintf("key-%d", i), []byte("v"))
		require.NoError(t, err)
	}

	receiver, errCh := startNode(t, nil)
	next := donor.ring.Clone()
	handoff, err := next.AddServer(receiver.host, receiver.port)
	require.NoError(t, err)
	receiver.coord.pushRing(t, next)

	resp := donor.coord.call(t, protocol.NewMessageWithValue(protocol.StatusTransfer, receiver.id, handoff.Range.String()))
	require.Equal(t, protocol.StatusTransferSuccess, resp.Status, resp.String())
	moved, err := strconv.Atoi(resp.Key)
	require.NoError(t, err)

	keys, err := donor.st.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 30, "transfer must not delete on the donor")

	resp = donor.coord.call(t, protocol.NewMessage(protocol.StatusDeleteKeyrange, handoff.Range.String()))
	require.Equal(t, protocol.StatusDeleteKeyrangeSuccess, resp.Status)
	assert.Equal(t, strconv.Itoa(moved), resp.Key)

	keys, err = donor.st.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 30-moved)

	received, err := receiver.st.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, received, moved)

	receiver.coord.setState(t, protocol.StateActive)
	require.NoError(t, <-errCh)
}

func TestNode_RebalanceToUnreachableReceiverFails(t *testing.T) {
	donor := startActiveNode(t, nil)
	_, err := donor.node.Put(context.Background(), "k1", []byte("v"))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	full := hashring.FullRange(hashring.HashOf(donor.id))
	resp := donor.coord.call(t, protocol.NewMessageWithValue(protocol.StatusRebalance, dead, full.String()))
	assert.Equal(t, protocol.StatusRebalanceError, resp.Status)

	_, err = donor.st.Get(context.Background(), "k1")
	assert.NoError(t, err, "a failed push must keep local data")
}

func TestNode_TransferPutChecksOwnership(t *testing.T) {
	sn := startActiveNode(t, nil)
	r := sn.ring.Clone()
	_, err := r.AddServer("127.0.0.1", 1)
	require.NoError(t, err)
	sn.coord.pushRing(t, r)
	sn.coord.setState(t, protocol.StateWriteLocked)

	c := dialNode(t, sn.id)
	own := keyOwnedBy(t, r, sn.id)
	resp := exchange(t, c, protocol.NewMessageWithValue(protocol.StatusTransferPut, own, "v"))
	assert.Equal(t, protocol.StatusPutSuccess, resp.Status, "transfer puts bypass the write lock")

	resp = exchange(t, c, protocol.NewMessageWithValue(protocol.StatusTransferPut, own, "null"))
	assert.Equal(t, protocol.StatusPutError, resp.Status, "null is a delete marker, never a value")
	v, err := sn.st.Get(context.Background(), own)
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	foreign := keyOwnedBy(t, r, hashring.NodeID("127.0.0.1", 1))
	resp = exchange(t, c, protocol.NewMessageWithValue(protocol.StatusTransferPut, foreign, "v"))
	assert.Equal(t, protocol.StatusServerNotResponsible, resp.Status)
}

func TestNode_Heartbeat(t *testing.T) {
	sn := startActiveNode(t, nil)
	resp := sn.coord.call(t, protocol.NewMessage(protocol.StatusWagwan, ""))
	assert.Equal(t, protocol.StatusWagwan, resp.Status)
}

func TestNode_GracefulShutdown(t *testing.T) {
	sn := startActiveNode(t, nil)

	done := make(chan error, 1)
	go func() { done <- sn.node.Shutdown(context.Background()) }()

	_ = sn.coord.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := sn.coord.conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.StatusShuttingDown, msg.Status)
	assert.Equal(t, sn.id, msg.Key)
	assert.Equal(t, protocol.StateActive, sn.node.State(), "only the coordinator write-locks a leaving node")

	c := dialNode(t, sn.id)
	resp := exchange(t, c, protocol.NewMessageWithValue(protocol.StatusPut, "late", "v"))
	assert.Equal(t, protocol.StatusPutSuccess, resp.Status)

	sn.coord.setState(t, protocol.StateWriteLocked)
	resp = exchange(t, c, protocol.NewMessageWithValue(protocol.StatusPut, "late", "v2"))
	assert.Equal(t, protocol.StatusServerWriteLock, resp.Status)

	sn.coord.setState(t, protocol.StateStopped)
	require.NoError(t, <-done)
	assert.Equal(t, protocol.StateStopped, sn.node.State())
}

func TestNode_ShutdownTimesOut(t *testing.T) {
	sn := startActiveNode(t, func(c *Config) { c.ShutdownTimeout = 200 * time.Millisecond })
	err := sn.node.Shutdown(context.Background())
	assert.Error(t, err)
}

func TestNode_StartFailsWithoutCoordinator(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig(addr)
	cfg.MaxRetries = 2
	n := New(cfg, store.NewMemoryStore(), nil, nil, zap.NewNop())
	assert.Error(t, n.Start(context.Background()))
}

func TestNode_StatsDuringStart(t *testing.T) {
	coord := newFakeCoordinator(t)
	n := New(testConfig(coord.ln.Addr().String()), store.NewMemoryStore(), cache.New(cache.StrategyFIFO, 4, nil), nil, zap.NewNop())

	before := n.Stats()
	assert.Empty(t, before.NodeID)
	assert.Equal(t, protocol.StateStopped, before.State)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = n.Stats()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- n.Start(context.Background()) }()
	host, port := coord.accept(t)
	t.Cleanup(n.Kill)
	close(stop)
	wg.Wait()

	after := n.Stats()
	assert.Equal(t, hashring.NodeID(host, port), after.NodeID)
	assert.Equal(t, "client-connections", after.Pool.Name)
}

func TestNode_StartFailsWhenLinkDrops(t *testing.T) {
	sn, errCh := startNode(t, nil)
	require.NoError(t, sn.coord.conn.Close())
	assert.Error(t, <-errCh)
}

func TestNode_RejectsWhenPoolSaturated(t *testing.T) {
	sn := startActiveNode(t, func(c *Config) {
		c.MaxConnections = 1
		c.QueueSize = 0
	})

	first := dialNode(t, sn.id)
	resp := exchange(t, first, protocol.NewMessage(protocol.StatusKeyrange, ""))
	require.Equal(t, protocol.StatusKeyrangeSuccess, resp.Status)

	second := dialNode(t, sn.id)
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFailed, resp.Status)
	assert.Contains(t, resp.Value, "busy")
	assert.Equal(t, uint64(1), sn.node.PoolStats().Rejected)
}

func TestNode_RateLimit(t *testing.T) {
	sn := startActiveNode(t, func(c *Config) {
		c.RequestsPerSecond = 0.001
		c.Burst = 1
	})
	c := dialNode(t, sn.id)

	resp := exchange(t, c, protocol.NewMessage(protocol.StatusKeyrange, ""))
	assert.Equal(t, protocol.StatusKeyrangeSuccess, resp.Status)
	resp = exchange(t, c, protocol.NewMessage(protocol.StatusKeyrange, ""))
	assert.Equal(t, protocol.StatusFailed, resp.Status)
	assert.Contains(t, resp.Value, "rate limit")
}

func TestNode_OversizeFrameDropsConnection(t *testing.T) {
	sn := startActiveNode(t, func(c *Config) { c.MaxFrameSize = 128 })

	conn, err := net.Dial("tcp", sn.id)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(strings.Repeat("x", 300)))
	require.NoError(t, err)

	c := protocol.NewConn(conn, 0)
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFailed, resp.Status)

	_, err = c.ReadMessage()
	assert.Error(t, err)
}
