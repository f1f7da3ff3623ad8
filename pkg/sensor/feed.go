package sensor

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/heitortanoue/plotrepl/pkg/network"
	"github.com/heitortanoue/plotrepl/pkg/plot"
)

var (
	ErrWrongStation = errors.New("sensor: plot belongs to another station")
	ErrInjectFull   = errors.New("sensor: injection buffer full")
)

// csvColumns is the layout of a plots file.
var csvColumns = []string{"drone_id", "node_id", "timestamp", "latitude", "longitude"}

// ParseCSV reads plots from r. A leading header row is skipped.
func ParseCSV(r io.Reader) ([]plot.Plot, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(csvColumns)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var plots []plot.Plot
	for line := 1; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return plots, nil
		}
		if err != nil {
			return nil, fmt.Errorf("plots csv: %w", err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), csvColumns[0]) {
			continue
		}

		p, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("plots csv line %d: %w", line, err)
		}
		plots = append(plots, p)
	}
}

func parseRow(row []string) (plot.Plot, error) {
	var (
		p   plot.Plot
		err error
	)
	field := func(i int) string { return strings.TrimSpace(row[i]) }

	drone, err := strconv.ParseUint(field(0), 10, 32)
	if err != nil {
		return p, fmt.Errorf("%s: %w", csvColumns[0], err)
	}
	node, err := strconv.ParseUint(field(1), 10, 32)
	if err != nil {
		return p, fmt.Errorf("%s: %w", csvColumns[1], err)
	}
	if p.Timestamp, err = strconv.ParseInt(field(2), 10, 64); err != nil {
		return p, fmt.Errorf("%s: %w", csvColumns[2], err)
	}
	if p.Latitude, err = strconv.ParseFloat(field(3), 64); err != nil {
		return p, fmt.Errorf("%s: %w", csvColumns[3], err)
	}
	if p.Longitude, err = strconv.ParseFloat(field(4), 64); err != nil {
		return p, fmt.Errorf("%s: %w", csvColumns[4], err)
	}
	p.DroneID = uint32(drone)
	p.NodeID = uint32(node)
	return p, nil
}

// Feed releases the sightings of one station into the engine as simulated time passes.
// Plots come from a preloaded schedule or are injected at runtime.
type Feed struct {
	station plot.StationID
	logger  *zap.Logger

	mutex     sync.Mutex
	scheduled []plot.Plot // ascending by timestamp
	released  int
	injected  chan plot.Plot
}

// NewFeed keeps the plots of station from schedule and drops the rest.
func NewFeed(station plot.StationID, schedule []plot.Plot, injectSize int, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	own := make([]plot.Plot, 0, len(schedule))
	for _, p := range schedule {
		if p.Station() == station {
			own = append(own, p)
		}
	}
	sort.SliceStable(own, func(i, j int) bool { return own[i].Timestamp < own[j].Timestamp })

	f := &Feed{
		station:   station,
		logger:    logger.Named("sensor"),
		scheduled: own,
		injected:  make(chan plot.Plot, injectSize),
	}
	f.logger.Info("sensor schedule loaded",
		zap.Int("plots", len(own)),
		zap.Int("ignored", len(schedule)-len(own)),
	)
	return f
}

// LoadFeed builds a feed from a plots file. An empty path gives an empty schedule.
func LoadFeed(station plot.StationID, path string, injectSize int, logger *zap.Logger) (*Feed, error) {
	if path == "" {
		return NewFeed(station, nil, injectSize, logger), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plots: %w", err)
	}
	defer file.Close()

	plots, err := ParseCSV(file)
	if err != nil {
		return nil, err
	}
	return NewFeed(station, plots, injectSize, logger), nil
}

// Poll returns every scheduled plot stamped at or before now, followed by anything
// injected since the last poll.
func (f *Feed) Poll(now int64) []plot.Plot {
	f.mutex.Lock()
	start := f.released
	for f.released < len(f.scheduled) && f.scheduled[f.released].Timestamp <= now {
		f.released++
	}
	due := append([]plot.Plot(nil), f.scheduled[start:f.released]...)
	f.mutex.Unlock()

	for {
		select {
		case p := <-f.injected:
			due = append(due, p)
		default:
			return due
		}
	}
}

// Inject queues a sighting for the next poll.
func (f *Feed) Inject(p plot.Plot) error {
	if p.Station() != f.station {
		return fmt.Errorf("%w: got %s, this is %s", ErrWrongStation, p.Station(), f.station)
	}
	select {
	case f.injected <- p:
		return nil
	default:
		return ErrInjectFull
	}
}

// InjectHandler accepts a JSON plot on POST /plot. A missing node_id means this station.
func (f *Feed) InjectHandler(w http.ResponseWriter, r *http.Request) {
	var p plot.Plot
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&p); err != nil {
		http.Error(w, fmt.Sprintf("decode plot: %v", err), http.StatusBadRequest)
		return
	}
	if p.NodeID == 0 {
		p.NodeID = uint32(f.station)
	}

	switch err := f.Inject(p); {
	case errors.Is(err, ErrWrongStation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrInjectFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		f.logger.Debug("plot injected", zap.Stringer("plot", p))
		network.WriteJSON(w, http.StatusAccepted, p)
	}
}

// GetStats returns feed statistics
func (f *Feed) GetStats() map[string]interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return map[string]interface{}{
		"station":   f.station.String(),
		"scheduled": len(f.scheduled),
		"released":  f.released,
		"injected":  len(f.injected),
	}
}
