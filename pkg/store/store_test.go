package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

func timestamps(recs []*Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.Plot.Timestamp
	}
	return out
}

func find(s *PlotStore, h Handle) (*Record, bool) {
	for _, rec := range s.Records() {
		if rec.Handle() == h {
			return rec, true
		}
	}
	return nil, false
}

func TestAppendMarksNew(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	h1 := s.Append(plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 10})
	h2 := s.Append(plot.Plot{DroneID: 2, NodeID: 1, Timestamp: 5})

	require.NotEqual(t, h1, h2)
	require.Equal(t, 2, s.Size())

	rec, ok := find(s, h1)
	require.True(t, ok)
	require.True(t, rec.Has(plot.StatusNew))
	require.Equal(t, int64(10), rec.Captured)
	require.Equal(t, h1, rec.Handle())
}

func TestSortByTimeIsStable(t *testing.T) {
	s := New(nil)
	a := s.Append(plot.Plot{NodeID: 1, Timestamp: 20})
	b := s.Append(plot.Plot{NodeID: 2, Timestamp: 10})
	c := s.Append(plot.Plot{NodeID: 3, Timestamp: 20})
	d := s.Append(plot.Plot{NodeID: 4, Timestamp: 10})

	s.SortByTime()

	recs := s.Records()
	require.Equal(t, []int64{10, 10, 20, 20}, timestamps(recs))
	require.Equal(t, []Handle{b, d, a, c}, []Handle{
		recs[0].Handle(), recs[1].Handle(), recs[2].Handle(), recs[3].Handle(),
	})
}

func TestRemoveSetDuringTraversal(t *testing.T) {
	s := New(nil)
	for i := 0; i < 6; i++ {
		s.Append(plot.Plot{NodeID: uint32(i), Timestamp: int64(i)})
	}

	// Removing while walking a snapshot must neither skip nor revisit records.
	visited := 0
	for _, rec := range s.Records() {
		visited++
		if rec.Plot.NodeID%2 == 0 {
			require.Equal(t, 1, s.RemoveSet([]Handle{rec.Handle()}))
		}
	}
	require.Equal(t, 6, visited)
	require.Equal(t, 3, s.Size())

	for _, rec := range s.Records() {
		require.Equal(t, uint32(1), rec.Plot.NodeID%2)
	}
}

func TestRemoveSetIgnoresUnknownAndRepeated(t *testing.T) {
	s := New(nil)
	h := s.Append(plot.Plot{Timestamp: 1})
	s.Append(plot.Plot{Timestamp: 2})

	require.Equal(t, 1, s.RemoveSet([]Handle{h, h, 999}))
	require.Equal(t, 0, s.RemoveSet([]Handle{h}))
	require.Equal(t, 0, s.RemoveSet(nil))
	require.Equal(t, 1, s.Size())

	_, ok := find(s, h)
	require.False(t, ok)
}

func TestHandlesAreNotReused(t *testing.T) {
	s := New(nil)
	h1 := s.Append(plot.Plot{Timestamp: 1})
	s.RemoveSet([]Handle{h1})
	h2 := s.Append(plot.Plot{Timestamp: 1})
	require.NotEqual(t, h1, h2)
}

func TestSnapshotAndCapturedPlot(t *testing.T) {
	s := New(nil)
	h := s.Append(plot.Plot{DroneID: 1, NodeID: 2, Timestamp: 80})

	s.Update(func(recs []*Record) {
		recs[0].Plot.Timestamp = 100
		recs[0].Set(plot.StatusSyncd)
	})

	rec, _ := find(s, h)
	require.Equal(t, int64(80), rec.CapturedPlot().Timestamp)

	views := s.Snapshot()
	require.Len(t, views, 1)
	require.Equal(t, int64(100), views[0].Plot.Timestamp)
	require.Equal(t, int64(80), views[0].Captured)
	require.True(t, views[0].Status.Has(plot.StatusSyncd))

	stats := s.GetStats()
	require.Equal(t, 1, stats["total_plots"])
	require.Equal(t, 1, stats["pending_replicate"])
	require.Equal(t, map[string]int{"ds2": 1}, stats["stations"])
}

func TestMergeMarksNewOnlyWhenRelaying(t *testing.T) {
	s := New(nil)
	batch := []plot.Plot{{NodeID: 2, Timestamp: 5}, {NodeID: 2, Timestamp: 6}}

	quiet := s.Merge(batch, false)
	relayed := s.Merge(batch, true)
	require.Len(t, quiet, 2)
	require.Len(t, relayed, 2)
	require.Equal(t, 4, s.Size())

	for _, h := range quiet {
		rec, ok := find(s, h)
		require.True(t, ok)
		require.False(t, rec.Has(plot.StatusNew))
	}
	for _, h := range relayed {
		rec, _ := find(s, h)
		require.True(t, rec.Has(plot.StatusNew))
	}
	require.Equal(t, 2, s.GetStats()["pending_replicate"])
}
