package admin

import (
	"runtime"
	"time"

	"github.com/codefionn/netcore/internal/dispatch"
	"github.com/codefionn/netcore/internal/server"
	"github.com/codefionn/netcore/internal/static"
)

// Snapshot is the document served at /stats
type Snapshot struct {
	Timestamp  time.Time       `json:"timestamp"`
	Uptime     string          `json:"uptime,omitempty"`
	Goroutines int             `json:"goroutines"`
	Requests   uint64          `json:"requests"`
	Sessions   int             `json:"websocket_sessions"`
	Pool       PoolStats       `json:"pool"`
	Listeners  []ListenerStats `json:"listeners"`
	Static     *StaticStats    `json:"static,omitempty"`
}

// PoolStats mirrors workerpool.Stats
type PoolStats struct {
	Workers   int    `json:"workers"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// ListenerStats describes one accept loop group
type ListenerStats struct {
	Port     int    `json:"port"`
	Type     string `json:"type"`
	Secure   bool   `json:"secure,omitempty"`
	Threads  int    `json:"threads"`
	Accepted uint64 `json:"accepted"`
}

// StaticStats mirrors static.Stats
type StaticStats struct {
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// Collector builds a SnapshotFunc over the running components. files may be nil.
func Collector(srv *server.Server, d *dispatch.Dispatcher, files *static.Cache) SnapshotFunc {
	started := time.Now()
	return func() Snapshot {
		pool := srv.Stats()
		snap := Snapshot{
			Uptime:     time.Since(started).Round(time.Second).String(),
			Goroutines: runtime.NumGoroutine(),
			Requests:   d.Requests(),
			Sessions:   d.Bridge().Hub().Count(),
			Pool: PoolStats{
				Workers:   pool.Workers,
				Running:   pool.Running,
				Queued:    pool.Queued,
				Completed: pool.Completed,
				Failed:    pool.Failed,
			},
			Listeners: []ListenerStats{},
		}

		for _, port := range srv.Ports() {
			for _, l := range srv.Listeners(port) {
				snap.Listeners = append(snap.Listeners, ListenerStats{
					Port:     l.Port(),
					Type:     l.Type().Name,
					Secure:   l.Type().Secure,
					Threads:  l.Threads(),
					Accepted: l.Accepted(),
				})
			}
		}

		if files != nil {
			st := files.Stats()
			snap.Static = &StaticStats{Entries: st.Entries, Bytes: st.Bytes, Hits: st.Hits, Misses: st.Misses}
		}
		return snap
	}
}
