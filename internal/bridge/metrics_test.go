package bridge

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointKey(t *testing.T) {
	assert.Equal(t, "graphql:Bookmarks", EndpointKey("https://x.test/i/api/graphql/ABC123/Bookmarks?variables=%7B%7D"))
	assert.Equal(t, "/api/items", EndpointKey("https://x.test/api/items?page=2"))
}

func TestMetrics_CountersAndSnapshot(t *testing.T) {
	clk := newClock()
	m := NewMetrics("inst", 10, clk.now)

	m.Received("graphql:Bookmarks", "u1", 200, true)
	m.Duplicate("graphql:Bookmarks")
	m.MissingContext("graphql:Bookmarks")
	m.Processed("graphql:Bookmarks")
	m.Repaired()

	s := m.Snapshot()
	assert.Equal(t, int64(1), s.MessagesReceived)
	assert.Equal(t, int64(1), s.LegacyShape)
	assert.Equal(t, int64(1), s.SkippedDuplicate)
	assert.Equal(t, int64(1), s.MissingContext)
	assert.Equal(t, int64(1), s.ResponsesProcessed)
	assert.Equal(t, int64(1), s.RepairCount)
	ep := s.Endpoints["graphql:Bookmarks"]
	require.NotNil(t, ep)
	assert.Equal(t, 200, ep.LastStatus)
	assert.Equal(t, "u1", ep.LastURL)

	ep.Received = 99
	assert.Equal(t, int64(1), m.Snapshot().Endpoints["graphql:Bookmarks"].Received)
}

func TestMetrics_EvictsOldestEndpoint(t *testing.T) {
	clk := newClock()
	m := NewMetrics("inst", 3, clk.now)
	for i := 0; i < 3; i++ {
		m.Received(fmt.Sprintf("k%d", i), "", 200, false)
		clk.advance(time.Second)
	}
	m.Received("k0", "", 200, false)
	clk.advance(time.Second)
	m.Received("k3", "", 200, false)

	s := m.Snapshot()
	assert.Len(t, s.Endpoints, 3)
	assert.Contains(t, s.Endpoints, "k0")
	assert.NotContains(t, s.Endpoints, "k1")
}
