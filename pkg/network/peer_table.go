package network

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// Peer is a replication partner reachable over HTTP.
type Peer struct {
	Station  plot.StationID `json:"station"`
	URL      string         `json:"url"`
	LastSeen time.Time      `json:"last_seen"`
	Static   bool           `json:"static"` // configured peers never expire
}

// PeerTable tracks the peers a batch is broadcast to.
type PeerTable struct {
	self    plot.StationID
	peers   map[plot.StationID]*Peer
	mutex   sync.RWMutex
	timeout time.Duration
	clock   clockwork.Clock
}

// NewPeerTable creates an empty table. Dynamic peers expire after timeout.
func NewPeerTable(self plot.StationID, timeout time.Duration, clock clockwork.Clock) *PeerTable {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PeerTable{
		self:    self,
		peers:   make(map[plot.StationID]*Peer),
		timeout: timeout,
		clock:   clock,
	}
}

// AddStatic registers a configured peer.
func (pt *PeerTable) AddStatic(id plot.StationID, url string) {
	if id == pt.self {
		return
	}
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	pt.peers[id] = &Peer{Station: id, URL: url, LastSeen: pt.clock.Now(), Static: true}
}

// Observe adds or refreshes a peer learned at runtime. An empty url keeps the known one.
// It reports whether the peer was not known before.
func (pt *PeerTable) Observe(id plot.StationID, url string) bool {
	if id == pt.self {
		return false
	}
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	now := pt.clock.Now()
	if peer, ok := pt.peers[id]; ok {
		peer.LastSeen = now
		if url != "" && !peer.Static {
			peer.URL = url
		}
		return false
	}
	if url == "" {
		return false
	}
	pt.peers[id] = &Peer{Station: id, URL: url, LastSeen: now}
	return true
}

// Remove drops a dynamic peer. Static peers stay.
func (pt *PeerTable) Remove(id plot.StationID) bool {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	peer, ok := pt.peers[id]
	if !ok || peer.Static {
		return false
	}
	delete(pt.peers, id)
	return true
}

func (pt *PeerTable) expired(peer *Peer, now time.Time) bool {
	return !peer.Static && pt.timeout > 0 && now.Sub(peer.LastSeen) >= pt.timeout
}

// Prune removes expired dynamic peers and returns how many were dropped.
func (pt *PeerTable) Prune() int {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	now := pt.clock.Now()
	removed := 0
	for id, peer := range pt.peers {
		if pt.expired(peer, now) {
			delete(pt.peers, id)
			removed++
		}
	}
	return removed
}

// Live returns the peers that have not expired, ordered by station id.
func (pt *PeerTable) Live() []Peer {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()

	now := pt.clock.Now()
	live := make([]Peer, 0, len(pt.peers))
	for _, peer := range pt.peers {
		if !pt.expired(peer, now) {
			live = append(live, *peer)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Station < live[j].Station })
	return live
}

// URLs returns the base url of every live peer.
func (pt *PeerTable) URLs() map[plot.StationID]string {
	live := pt.Live()
	urls := make(map[plot.StationID]string, len(live))
	for _, peer := range live {
		urls[peer.Station] = peer.URL
	}
	return urls
}

// Count returns the number of live peers.
func (pt *PeerTable) Count() int {
	return len(pt.Live())
}

// Stations returns this station plus every live peer, lowest id first.
func (pt *PeerTable) Stations() []plot.StationID {
	live := pt.Live()
	ids := make([]plot.StationID, 0, len(live)+1)
	ids = append(ids, pt.self)
	for _, peer := range live {
		ids = append(ids, peer.Station)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetStats returns peer table statistics
func (pt *PeerTable) GetStats() map[string]interface{} {
	live := pt.Live()
	static := 0
	for _, peer := range live {
		if peer.Static {
			static++
		}
	}
	return map[string]interface{}{
		"peers_live":      len(live),
		"peers_static":    static,
		"timeout_seconds": pt.timeout.Seconds(),
	}
}
