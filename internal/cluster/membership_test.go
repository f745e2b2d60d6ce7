package cluster

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMembership(t *testing.T) *Membership {
	return &Membership{
		nodeID: "node-a",
		logger: zap.NewNop(),
		local:  make(map[string]PartitionState),
		remote: make(map[string]map[string]PartitionState),
	}
}

func TestMembership_UpdateAndEncodeLocal(t *testing.T) {
	m := newTestMembership(t)
	m.UpdatePartitionState("vb0", RoleActive, 10)

	data := m.encodeLocal(0)
	var states map[string]PartitionState
	require.NoError(t, json.Unmarshal(data, &states))
	assert.Equal(t, RoleActive, states["vb0"].Role)
	assert.Equal(t, int64(10), states["vb0"].HPS)
}

func TestMembership_ActiveNodeFor_Local(t *testing.T) {
	m := newTestMembership(t)
	m.UpdatePartitionState("vb0", RoleActive, 5)

	node, ok := m.ActiveNodeFor("vb0")
	require.True(t, ok)
	assert.Equal(t, "node-a", node)

	_, ok = m.ActiveNodeFor("vb1")
	assert.False(t, ok)
}

func TestMembership_ActiveNodeFor_Remote(t *testing.T) {
	m := newTestMembership(t)
	m.mergeFrom("node-b", mustMarshal(map[string]PartitionState{
		"vb2": {VBID: "vb2", Role: RoleActive, HPS: 42},
	}))

	node, ok := m.ActiveNodeFor("vb2")
	require.True(t, ok)
	assert.Equal(t, "node-b", node)
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
