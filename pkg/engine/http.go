package engine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heitortanoue/plotrepl/pkg/network"
	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// Attach plugs the engine's read endpoints into srv. The stats endpoint also reports
// the server's queue and peer table.
func (e *Engine) Attach(srv *network.Server) {
	e.networkStats = srv.GetStats
	srv.StatsHandler = e.handleStats
	srv.PlotsHandler = e.handlePlots
	srv.SkewHandler = e.handleSkew
	srv.InvalidateHandler = e.handleInvalidate
	srv.MetricsHandler = promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := e.GetStats()
	if e.networkStats != nil {
		stats["network"] = e.networkStats()
	}
	network.WriteJSON(w, http.StatusOK, stats)
}

// handlePlots lists the store. ?station=dsN limits the listing to one reporting station.
func (e *Engine) handlePlots(w http.ResponseWriter, r *http.Request) {
	views := e.store.Snapshot()

	if name := r.URL.Query().Get("station"); name != "" {
		id, err := plot.ParseStationID(e.cfg.StationPrefix, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filtered := views[:0]
		for _, v := range views {
			if v.Plot.Station() == id {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}

	network.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(views),
		"plots": views,
	})
}

// handleSkew lists the known offsets.
func (e *Engine) handleSkew(w http.ResponseWriter, r *http.Request) {
	network.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"station": e.cfg.StationName(),
		"offsets": e.SkewSnapshot(),
	})
}

// handleInvalidate queues ?station=dsN for skew re-inference.
func (e *Engine) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id, err := plot.ParseStationID(e.cfg.StationPrefix, r.URL.Query().Get("station"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !e.InvalidateSkew(id) {
		http.Error(w, "too many pending invalidations", http.StatusServiceUnavailable)
		return
	}
	network.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"queued": e.name(id)})
}
