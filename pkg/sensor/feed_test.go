package sensor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

const plotsCSV = `drone_id,node_id,timestamp,latitude,longitude
# station 1
1, 1, 30, 10.5, 20.25
2, 1, 10, 11.0, 21.0
# station 2
1, 2, 25, 10.5, 20.25
3, 1, 10, 12.0, 22.0
`

func TestParseCSV(t *testing.T) {
	plots, err := ParseCSV(strings.NewReader(plotsCSV))
	require.NoError(t, err)
	require.Len(t, plots, 4)
	require.Equal(t, plot.Plot{DroneID: 1, NodeID: 1, Timestamp: 30, Latitude: 10.5, Longitude: 20.25}, plots[0])

	noHeader, err := ParseCSV(strings.NewReader("4,2,5,1,1\n"))
	require.NoError(t, err)
	require.Equal(t, []plot.Plot{{DroneID: 4, NodeID: 2, Timestamp: 5, Latitude: 1, Longitude: 1}}, noHeader)
}

func TestParseCSVErrors(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("1,1,x,1,1\n"))
	require.ErrorContains(t, err, "timestamp")

	_, err = ParseCSV(strings.NewReader("1,1,1\n"))
	require.Error(t, err)
}

func TestFeedReleasesBySimulatedTime(t *testing.T) {
	plots, err := ParseCSV(strings.NewReader(plotsCSV))
	require.NoError(t, err)
	f := NewFeed(1, plots, 4, zaptest.NewLogger(t))

	require.Empty(t, f.Poll(5))

	due := f.Poll(10)
	require.Len(t, due, 2)
	for _, p := range due {
		require.Equal(t, int64(10), p.Timestamp)
		require.Equal(t, uint32(1), p.NodeID)
	}

	require.Empty(t, f.Poll(29))
	require.Equal(t, []plot.Plot{{DroneID: 1, NodeID: 1, Timestamp: 30, Latitude: 10.5, Longitude: 20.25}}, f.Poll(100))
	require.Empty(t, f.Poll(1000))

	stats := f.GetStats()
	require.Equal(t, 3, stats["scheduled"])
	require.Equal(t, 3, stats["released"])
}

func TestLoadFeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots.csv")
	require.NoError(t, os.WriteFile(path, []byte(plotsCSV), 0o600))

	f, err := LoadFeed(2, path, 1, nil)
	require.NoError(t, err)
	require.Len(t, f.Poll(100), 1)

	empty, err := LoadFeed(2, "", 1, nil)
	require.NoError(t, err)
	require.Empty(t, empty.Poll(100))

	_, err = LoadFeed(2, filepath.Join(t.TempDir(), "missing.csv"), 1, nil)
	require.Error(t, err)
}

func TestInject(t *testing.T) {
	f := NewFeed(3, nil, 1, nil)

	require.ErrorIs(t, f.Inject(plot.Plot{NodeID: 4}), ErrWrongStation)
	require.NoError(t, f.Inject(plot.Plot{NodeID: 3, DroneID: 8}))
	require.ErrorIs(t, f.Inject(plot.Plot{NodeID: 3, DroneID: 9}), ErrInjectFull)

	require.Equal(t, []plot.Plot{{NodeID: 3, DroneID: 8}}, f.Poll(0))
}

func TestInjectHandler(t *testing.T) {
	f := NewFeed(3, nil, 2, nil)

	body, err := json.Marshal(map[string]interface{}{"drone_id": 5, "timestamp": 12, "latitude": 1.5})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.InjectHandler(rec, httptest.NewRequest(http.MethodPost, "/plot", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []plot.Plot{{DroneID: 5, NodeID: 3, Timestamp: 12, Latitude: 1.5}}, f.Poll(0))

	rec = httptest.NewRecorder()
	f.InjectHandler(rec, httptest.NewRequest(http.MethodPost, "/plot", strings.NewReader(`{"node_id":9}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.InjectHandler(rec, httptest.NewRequest(http.MethodPost, "/plot", strings.NewReader(`not json`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
