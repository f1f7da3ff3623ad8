package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/heitortanoue/plotrepl/internal/config"
	"github.com/heitortanoue/plotrepl/pkg/network"
	"github.com/heitortanoue/plotrepl/pkg/plot"
)

type testNode struct {
	engine    *Engine
	transport *network.Transport
	clock     clockwork.FakeClock
}

func startNode(t *testing.T, id uint32, local ...plot.Plot) *testNode {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NodeID = id
	cfg.SecsBetweenRepl = 0
	cfg.SendTimeout = 2 * time.Second

	clock := clockwork.NewFakeClock()
	logger := zaptest.NewLogger(t)

	tr, err := network.NewTransport(cfg, clock, logger)
	require.NoError(t, err)
	require.NoError(t, tr.Bind("127.0.0.1", 0))
	require.NoError(t, tr.Listen())
	t.Cleanup(func() { _ = tr.Close(context.Background()) })

	e := New(cfg, tr, WithClock(clock), WithLogger(logger), WithSource(&mockSource{plots: local}))
	return &testNode{engine: e, transport: tr, clock: clock}
}

func connect(a, b *testNode) {
	a.transport.Peers().AddStatic(b.engine.station, fmt.Sprintf("http://%s", b.transport.Server().Addr()))
	b.transport.Peers().AddStatic(a.engine.station, fmt.Sprintf("http://%s", a.transport.Server().Addr()))
}

func (n *testNode) cycle(t *testing.T) {
	t.Helper()
	n.clock.Advance(time.Second)
	require.NoError(t, n.engine.RunCycle(context.Background()))
}

func TestTwoStationsConverge(t *testing.T) {
	leader := startNode(t, 1, plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 60, Latitude: 1.0, Longitude: 2.0})
	follower := startNode(t, 2,
		plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 50, Latitude: 1.0, Longitude: 2.0},
		plot.Plot{DroneID: 4, NodeID: 2, Timestamp: 55, Latitude: 3.0, Longitude: 3.0},
	)
	connect(leader, follower)

	// The follower broadcasts first; the leader reconciles its batch against its own plot.
	follower.cycle(t)
	leader.cycle(t)

	require.Equal(t, []plot.Plot{
		{DroneID: 1, NodeID: 1, Timestamp: 60, Latitude: 1.0, Longitude: 2.0},
		{DroneID: 4, NodeID: 2, Timestamp: 65, Latitude: 3.0, Longitude: 3.0},
	}, storedPlots(leader.engine))
	require.Equal(t, int64(10), leader.engine.SkewSnapshot()["ds2"])

	// The leader's plot reaches the follower, which infers its own offset the same way.
	follower.cycle(t)
	require.Equal(t, int64(10), follower.engine.SkewSnapshot()["ds2"])
	require.Equal(t, storedPlots(leader.engine), storedPlots(follower.engine))
}
