package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/ringdb/internal/cache"
	"github.com/devrev/ringdb/internal/hashring"
	"github.com/devrev/ringdb/internal/metastore"
	"github.com/devrev/ringdb/internal/node"
	"github.com/devrev/ringdb/internal/protocol"
	"github.com/devrev/ringdb/internal/store"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:0",
		HandshakeTimeout:  time.Second,
		PollInterval:      20 * time.Millisecond,
		HeartbeatInterval: 100 * time.Millisecond,
		FailureTimeout:    time.Second,
		CallTimeout:       2 * time.Second,
		TransferTimeout:   5 * time.Second,
	}
}

func startCoordinator(t *testing.T, journal metastore.RingJournal) *Coordinator {
	c := New(testConfig(), journal, nil, zap.NewNop())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

type testNode struct {
	node *node.Node
	st   *store.MemoryStore
}

func startNode(t *testing.T, c *Coordinator) *testNode {
	st := store.NewMemoryStore()
	n := node.New(node.Config{
		Host:              "127.0.0.1",
		AdvertiseHost:     "127.0.0.1",
		CoordinatorAddr:   c.Addr(),
		RetryInterval:     100 * time.Millisecond,
		MaxRetries:        3,
		ActivationTimeout: 10 * time.Second,
		MaxConnections:    8,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      2 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}, st, cache.New(cache.StrategyFIFO, 32, nil), nil, zap.NewNop())
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Kill)
	return &testNode{node: n, st: st}
}

func exchange(t *testing.T, addr string, msg protocol.Message) protocol.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := protocol.Dial(ctx, addr, 0)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	resp, err := conn.Exchange(msg)
	require.NoError(t, err)
	return resp
}

// putKeys writes n keys through whichever node owns each of them.
func putKeys(t *testing.T, c *Coordinator, n int) map[string]string {
	ring, err := hashring.Parse(c.View().Ring)
	require.NoError(t, err)

	keys := make(map[string]string, n)
	for i := 0; i < n; i++ {
		key, value := fmt.Sprintf("key-%03d", i), fmt.Sprintf("value-%03d", i)
		owner, err := ring.FindServer(key)
		require.NoError(t, err)
		resp := exchange(t, owner, protocol.NewMessageWithValue(protocol.StatusPut, key, value))
		require.Equal(t, protocol.StatusPutSuccess, resp.Status, resp.String())
		keys[key] = value
	}
	return keys
}

func requireReadable(t *testing.T, c *Coordinator, keys map[string]string) {
	ring, err := hashring.Parse(c.View().Ring)
	require.NoError(t, err)
	for key, value := range keys {
		owner, err := ring.FindServer(key)
		require.NoError(t, err)
		resp := exchange(t, owner, protocol.NewMessage(protocol.StatusGet, key))
		require.Equal(t, protocol.StatusGetSuccess, resp.Status, "key %s on %s: %s", key, owner, resp.String())
		assert.Equal(t, value, resp.Value)
	}
}

func storedKeys(t *testing.T, st *store.MemoryStore) []string {
	keys, err := st.ListKeys(context.Background())
	require.NoError(t, err)
	return keys
}

func waitMembers(t *testing.T, c *Coordinator, n int) {
	require.Eventually(t, func() bool {
		return len(c.View().Nodes) == n
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCoordinator_FirstNodeOwnsWholeRing(t *testing.T) {
	journal := metastore.NewMemoryJournal()
	c := startCoordinator(t, journal)
	a := startNode(t, c)

	view := c.View()
	require.Len(t, view.Nodes, 1)
	assert.Equal(t, a.node.ID(), view.Nodes[0].ID)
	assert.EqualValues(t, 1, view.Version)

	ring := a.node.Ring()
	require.NotNil(t, ring)
	entry, ok := ring.Entry(a.node.ID())
	require.True(t, ok)
	assert.True(t, entry.Range.IsFull())
	assert.Equal(t, protocol.StateActive, a.node.State())

	latest, err := journal.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metastore.ReasonJoin, latest.Reason)
	assert.Equal(t, a.node.ID(), latest.Node)
	assert.NotEmpty(t, latest.OperationID)
}

func TestCoordinator_JoinMovesKeys(t *testing.T) {
	c := startCoordinator(t, nil)
	a := startNode(t, c)
	keys := putKeys(t, c, 60)

	b := startNode(t, c)
	view := c.View()
	require.Len(t, view.Nodes, 2)
	assert.EqualValues(t, 2, view.Version)

	// Both nodes hold the committed ring once the joiner is active.
	assert.Equal(t, view.Ring, a.node.Ring().String())
	assert.Equal(t, view.Ring, b.node.Ring().String())
	assert.Equal(t, protocol.StateActive, a.node.State())

	ring, err := hashring.Parse(view.Ring)
	require.NoError(t, err)
	for _, key := range storedKeys(t, a.st) {
		owner, err := ring.FindServer(key)
		require.NoError(t, err)
		assert.Equal(t, a.node.ID(), owner, "donor kept %s", key)
	}
	for _, key := range storedKeys(t, b.st) {
		owner, err := ring.FindServer(key)
		require.NoError(t, err)
		assert.Equal(t, b.node.ID(), owner, "receiver got %s", key)
	}
	assert.Equal(t, len(keys), len(storedKeys(t, a.st))+len(storedKeys(t, b.st)))
	requireReadable(t, c, keys)
}

func TestCoordinator_LostNodeIsRemoved(t *testing.T) {
	journal := metastore.NewMemoryJournal()
	c := startCoordinator(t, journal)
	a := startNode(t, c)
	b := startNode(t, c)
	waitMembers(t, c, 2)

	b.node.Kill()
	waitMembers(t, c, 1)

	assert.Equal(t, a.node.ID(), c.View().Nodes[0].ID)
	require.Eventually(t, func() bool {
		return a.node.Ring().Len() == 1
	}, 5*time.Second, 20*time.Millisecond)

	latest, err := journal.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metastore.ReasonLost, latest.Reason)
	assert.Equal(t, b.node.ID(), latest.Node)
}

func TestCoordinator_GracefulLeaveHandsDataToSuccessor(t *testing.T) {
	journal := metastore.NewMemoryJournal()
	c := startCoordinator(t, journal)
	a := startNode(t, c)
	b := startNode(t, c)
	keys := putKeys(t, c, 60)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.node.Shutdown(ctx))

	waitMembers(t, c, 1)
	assert.Equal(t, protocol.StateStopped, b.node.State())
	assert.Empty(t, storedKeys(t, b.st))
	assert.Len(t, storedKeys(t, a.st), len(keys))
	requireReadable(t, c, keys)

	latest, err := journal.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metastore.ReasonLeave, latest.Reason)
}

func TestCoordinator_LastNodeLeaves(t *testing.T) {
	c := startCoordinator(t, nil)
	a := startNode(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.node.Shutdown(ctx))

	waitMembers(t, c, 0)
	assert.Empty(t, c.View().Ring)
}

// edgeRange returns a range at the start of the donor's arc that holds key.
func edgeRange(t *testing.T, ring *hashring.Ring, donor string, keys map[string]string) (hashring.Range, string) {
	entry, ok := ring.Entry(donor)
	require.True(t, ok)
	for key := range keys {
		h := hashring.HashOf(key)
		if entry.Range.Contains(h) && h != entry.Hash {
			return hashring.Range{Start: entry.Range.Start, End: h}, key
		}
	}
	t.Fatalf("no key owned by %s", donor)
	return hashring.Range{}, ""
}

func TestCoordinator_ExplicitTransfer(t *testing.T) {
	journal := metastore.NewMemoryJournal()
	c := startCoordinator(t, journal)
	a := startNode(t, c)
	b := startNode(t, c)
	keys := putKeys(t, c, 60)

	ring, err := hashring.Parse(c.View().Ring)
	require.NoError(t, err)
	// Donate from whichever node holds data.
	if len(storedKeys(t, a.st)) == 0 {
		a, b = b, a
	}
	rng, key := edgeRange(t, ring, a.node.ID(), keys)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.RequestTransfer(ctx, TransferRequest{
		Donor:    a.node.ID(),
		Receiver: b.node.ID(),
		Range:    rng,
	}))

	next, err := hashring.Parse(c.View().Ring)
	require.NoError(t, err)
	owner, err := next.FindServer(key)
	require.NoError(t, err)
	assert.Equal(t, b.node.ID(), owner)

	_, err = a.st.Get(context.Background(), key)
	assert.Error(t, err, "donor should have dropped %s", key)
	value, err := b.st.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, keys[key], string(value))

	assert.Equal(t, protocol.StateActive, a.node.State())
	assert.Equal(t, c.View().Ring, a.node.Ring().String())
	requireReadable(t, c, keys)

	latest, err := journal.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metastore.ReasonTransfer, latest.Reason)
}

func TestCoordinator_RejectsInvalidTransfer(t *testing.T) {
	c := startCoordinator(t, nil)
	a := startNode(t, c)
	entry, ok := a.node.Ring().Entry(a.node.ID())
	require.True(t, ok)

	err := c.RequestTransfer(context.Background(), TransferRequest{
		Donor:    a.node.ID(),
		Receiver: "127.0.0.1:1",
		Range:    entry.Range,
	})
	require.ErrorIs(t, err, ErrBadTransfer)
	require.ErrorIs(t, err, hashring.ErrNodeNotFound)
	assert.EqualValues(t, 1, c.View().Version)
}

func TestCoordinator_RejectsBadHandshake(t *testing.T) {
	c := startCoordinator(t, nil)

	resp := exchange(t, c.Addr(), protocol.NewMessage(protocol.StatusGet, "key"))
	assert.Equal(t, protocol.StatusFailed, resp.Status)
	assert.Empty(t, c.View().Nodes)
}

func TestCoordinator_ResumesVersionFromJournal(t *testing.T) {
	journal := metastore.NewMemoryJournal()
	require.NoError(t, journal.Record(context.Background(), metastore.Snapshot{Version: 7, Reason: metastore.ReasonJoin}))

	c := startCoordinator(t, journal)
	assert.EqualValues(t, 7, c.View().Version)

	startNode(t, c)
	assert.EqualValues(t, 8, c.View().Version)
}

func TestCoordinator_HTTPRoutes(t *testing.T) {
	c := startCoordinator(t, nil)
	a := startNode(t, c)
	b := startNode(t, c)

	router := mux.NewRouter()
	c.RegisterRoutes(router)

	serve := func(method, path string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := serve(http.MethodGet, "/ring", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view RingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.EqualValues(t, 2, view.Version)
	assert.Len(t, view.Nodes, 2)
	for _, nv := range view.Nodes {
		assert.NotEmpty(t, nv.Replicas)
	}

	rec = serve(http.MethodGet, "/ring/history?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Snapshots []metastore.Snapshot `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Snapshots, 1)
	assert.EqualValues(t, 2, history.Snapshots[0].Version)

	rec = serve(http.MethodGet, "/ring/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(http.MethodGet, "/members", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(http.MethodPost, "/transfer", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(http.MethodPost, "/transfer", []byte(`{"donor":"x","receiver":"y","start":"nope","end":"0"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A full arc would take the donor's own position.
	entry, ok := a.node.Ring().Entry(a.node.ID())
	require.True(t, ok)
	body, err := json.Marshal(transferBody{Donor: a.node.ID(), Receiver: b.node.ID(), Start: entry.Range.Start.String(), End: entry.Range.End.String()})
	require.NoError(t, err)
	rec = serve(http.MethodPost, "/transfer", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, 2, c.View().Version)
}
