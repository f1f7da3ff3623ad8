package skew

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/heitortanoue/plotrepl/pkg/plot"
	"github.com/heitortanoue/plotrepl/pkg/store"
)

const (
	stationA plot.StationID = 1
	stationB plot.StationID = 2
	stationC plot.StationID = 3
)

func newStore(plots ...plot.Plot) *store.PlotStore {
	st := store.New(nil)
	for _, p := range plots {
		st.Append(p)
	}
	st.SortByTime()
	return st
}

func timestampsByStation(st *store.PlotStore) map[plot.StationID][]int64 {
	out := make(map[plot.StationID][]int64)
	for _, v := range st.Snapshot() {
		out[v.Plot.Station()] = append(out[v.Plot.Station()], v.Plot.Timestamp)
	}
	return out
}

func TestLeaderReferenceCorrection(t *testing.T) {
	st := newStore(
		plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 100, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 80, Latitude: 5, Longitude: 6},
	)
	r := NewResolver(0, zaptest.NewLogger(t))

	res, err := r.Run(st, plot.PriorityOrder{stationA, stationB})
	require.NoError(t, err)
	require.Equal(t, 2, res.Passes)
	require.Len(t, res.Resolved, 1)
	require.True(t, res.Resolved[0].ViaLeader)

	off, ok := r.SkewMap().Get(stationB)
	require.True(t, ok)
	require.Equal(t, int64(20), off)

	leaderOff, ok := r.SkewMap().Get(stationA)
	require.True(t, ok)
	require.Zero(t, leaderOff)

	got := timestampsByStation(st)
	require.Equal(t, []int64{100}, got[stationA])
	require.Equal(t, []int64{100}, got[stationB])

	for _, v := range st.Snapshot() {
		require.True(t, v.Status.Has(plot.StatusSyncd))
		require.False(t, v.Status.Has(plot.StatusSkewed))
		require.False(t, v.Status.Has(plot.StatusLeader), "leader marks are per pass")
	}
}

func TestResolutionIsIdempotent(t *testing.T) {
	st := newStore(
		plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 100, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 80, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 2, NodeID: 2, Timestamp: 90, Latitude: 7, Longitude: 8},
	)
	r := NewResolver(0, nil)
	order := plot.PriorityOrder{stationA, stationB}

	_, err := r.Run(st, order)
	require.NoError(t, err)
	before := timestampsByStation(st)
	require.ElementsMatch(t, []int64{100, 110}, before[stationB])

	res, err := r.Run(st, order)
	require.NoError(t, err)
	require.Empty(t, res.Resolved)
	require.Zero(t, res.Corrected)
	require.Equal(t, before, timestampsByStation(st))
}

func TestTransitiveResolutionWithinCycle(t *testing.T) {
	st := newStore(
		plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 100, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 80, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 2, NodeID: 2, Timestamp: 50, Latitude: 9, Longitude: 9},
		plot.Plot{DroneID: 2, NodeID: 3, Timestamp: 45, Latitude: 9, Longitude: 9},
	)
	r := NewResolver(0, nil)

	_, err := r.Run(st, plot.PriorityOrder{stationA, stationB, stationC})
	require.NoError(t, err)

	offC, ok := r.SkewMap().Get(stationC)
	require.True(t, ok)
	require.Equal(t, int64(25), offC)

	got := timestampsByStation(st)
	require.Equal(t, []int64{70}, got[stationC])
}

func TestTransitiveResolutionAcrossCycles(t *testing.T) {
	st := newStore(
		plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 100, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 80, Latitude: 5, Longitude: 6},
	)
	r := NewResolver(0, nil)
	order := plot.PriorityOrder{stationA}

	_, err := r.Run(st, order)
	require.NoError(t, err)

	// C only ever co-locates with B, never with the leader.
	st.Append(plot.Plot{DroneID: 4, NodeID: 2, Timestamp: 200, Latitude: 1, Longitude: 1})
	st.Append(plot.Plot{DroneID: 4, NodeID: 3, Timestamp: 170, Latitude: 1, Longitude: 1})
	st.SortByTime()

	res, err := r.Run(st, order)
	require.NoError(t, err)
	require.Len(t, res.Resolved, 1)
	require.Equal(t, stationC, res.Resolved[0].Station)
	require.Equal(t, stationB, res.Resolved[0].Reference)
	require.False(t, res.Resolved[0].ViaLeader)

	offC, _ := r.SkewMap().Get(stationC)
	require.Equal(t, int64(50), offC)

	got := timestampsByStation(st)
	require.Equal(t, []int64{220}, got[stationC])
	require.ElementsMatch(t, []int64{100, 220}, got[stationB])
}

func TestUnresolvableStationsAreDeferred(t *testing.T) {
	st := newStore(
		plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 80, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 1, NodeID: 3, Timestamp: 70, Latitude: 5, Longitude: 6},
	)
	r := NewResolver(0, nil)

	res, err := r.Run(st, plot.PriorityOrder{stationA})
	require.NoError(t, err)
	require.Empty(t, res.Resolved)
	require.Equal(t, 2, res.Deferred)
	require.Zero(t, r.SkewMap().Len())

	got := timestampsByStation(st)
	require.Equal(t, []int64{80}, got[stationB])
	require.Equal(t, []int64{70}, got[stationC])
}

func TestEqualTimestampsAreNotSkew(t *testing.T) {
	st := newStore(
		plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 100, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 100, Latitude: 5, Longitude: 6},
	)
	r := NewResolver(0, nil)

	res, err := r.Run(st, plot.PriorityOrder{stationA})
	require.NoError(t, err)
	require.Empty(t, res.Resolved)
	require.False(t, r.SkewMap().Has(stationB))
}

func TestDifferentDronesDoNotCoLocate(t *testing.T) {
	st := newStore(
		plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 100, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 2, NodeID: 2, Timestamp: 80, Latitude: 5, Longitude: 6},
	)
	r := NewResolver(0, nil)

	res, err := r.Run(st, plot.PriorityOrder{stationA})
	require.NoError(t, err)
	require.Empty(t, res.Resolved)
}

func TestStallIsReported(t *testing.T) {
	st := newStore(
		plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 100, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 80, Latitude: 5, Longitude: 6},
	)
	r := NewResolver(1, nil)

	res, err := r.Run(st, plot.PriorityOrder{stationA})
	require.ErrorIs(t, err, ErrStalled)
	require.Equal(t, 1, res.Passes)

	// The work done before the cap is kept and the next run settles.
	require.True(t, r.SkewMap().Has(stationB))
	_, err = r.Run(st, plot.PriorityOrder{stationA})
	require.NoError(t, err)
}

func TestInvalidateAllowsReinference(t *testing.T) {
	st := newStore(
		plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 100, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 80, Latitude: 5, Longitude: 6},
	)
	r := NewResolver(0, nil)
	order := plot.PriorityOrder{stationA}

	_, err := r.Run(st, order)
	require.NoError(t, err)

	require.True(t, r.Invalidate(stationB))
	require.False(t, r.Invalidate(stationB))

	st.Append(plot.Plot{DroneID: 3, NodeID: 1, Timestamp: 300, Latitude: 2, Longitude: 2})
	st.Append(plot.Plot{DroneID: 3, NodeID: 2, Timestamp: 290, Latitude: 2, Longitude: 2})
	st.SortByTime()

	_, err = r.Run(st, order)
	require.NoError(t, err)

	off, ok := r.SkewMap().Get(stationB)
	require.True(t, ok)
	require.Equal(t, int64(10), off)

	// The plot corrected under the old offset is not corrected again.
	require.ElementsMatch(t, []int64{100, 300}, timestampsByStation(st)[stationB])
}

func TestNewLeaderInheritsFrame(t *testing.T) {
	st := newStore(
		plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 100, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 80, Latitude: 5, Longitude: 6},
	)
	r := NewResolver(0, nil)

	_, err := r.Run(st, plot.PriorityOrder{stationA, stationB})
	require.NoError(t, err)

	// B takes over; C co-locates with B's raw plot and must land in A's frame.
	st.Append(plot.Plot{DroneID: 5, NodeID: 2, Timestamp: 400, Latitude: 3, Longitude: 3})
	st.Append(plot.Plot{DroneID: 5, NodeID: 3, Timestamp: 405, Latitude: 3, Longitude: 3})
	st.SortByTime()

	_, err = r.Run(st, plot.PriorityOrder{stationB, stationA})
	require.NoError(t, err)

	offB, _ := r.SkewMap().Get(stationB)
	require.Equal(t, int64(20), offB, "an existing offset is never overwritten")
	offC, _ := r.SkewMap().Get(stationC)
	require.Equal(t, int64(15), offC)
	require.Equal(t, []int64{420}, timestampsByStation(st)[stationC])
}

func TestGroupCoLocated(t *testing.T) {
	st := newStore(
		plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 10, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 2, NodeID: 2, Timestamp: 11, Latitude: 5, Longitude: 6},
		plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 12, Latitude: 5, Longitude: 7},
		plot.Plot{DroneID: 1, NodeID: 3, Timestamp: 13, Latitude: 5, Longitude: 6},
	)

	groups := groupCoLocated(st.Records())
	require.Len(t, groups, 3)

	var stations [][]plot.StationID
	for _, g := range groups {
		var ids []plot.StationID
		for _, rec := range g {
			ids = append(ids, rec.Station())
		}
		stations = append(stations, ids)
	}
	require.Equal(t, [][]plot.StationID{{stationA, stationC}, {stationB}, {stationB}}, stations)
}
