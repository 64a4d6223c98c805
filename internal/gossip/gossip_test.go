package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/devrev/ringdb/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testGossipConfig(seeds ...string) config.GossipConfig {
	return config.GossipConfig{
		Enabled:        true,
		BindAddr:       "127.0.0.1",
		BindPort:       0,
		SeedNodes:      seeds,
		GossipInterval: 50 * time.Millisecond,
		ProbeTimeout:   100 * time.Millisecond,
		ProbeInterval:  200 * time.Millisecond,
	}
}

func TestService_MembershipAndState(t *testing.T) {
	var mu sync.Mutex
	var left []string

	coord, err := New(testGossipConfig(), Options{
		Name: "coordinator",
		Role: RoleCoordinator,
		OnLeave: func(nodeID string) {
			mu.Lock()
			left = append(left, nodeID)
			mu.Unlock()
		},
	}, zap.NewNop())
	require.NoError(t, err)
	defer coord.Shutdown()

	node, err := New(testGossipConfig(coord.Addr()), Options{
		Name:  "127.0.0.1:7001",
		Role:  RoleStorage,
		State: "STOPPED",
	}, zap.NewNop())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(coord.Members()) == 2 }, 5*time.Second, 20*time.Millisecond)

	node.SetState("ACTIVE")
	require.Eventually(t, func() bool {
		for _, m := range coord.Members() {
			if m.Name == "127.0.0.1:7001" {
				return m.Meta.State == "ACTIVE" && m.Meta.Role == RoleStorage
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, node.Leave(time.Second))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(left) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"127.0.0.1:7001"}, left)
	mu.Unlock()
}

func TestService_NodeMetaLimit(t *testing.T) {
	s := &Service{logger: zap.NewNop(), meta: Meta{NodeID: "n", State: "ACTIVE"}}
	assert.NotEmpty(t, s.NodeMeta(512))
	assert.Nil(t, s.NodeMeta(4))
}
