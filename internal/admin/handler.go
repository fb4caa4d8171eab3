// AngelaMos | 2026
// handler.go

package admin

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/credit"
	"github.com/carterperez-dev/varylite/internal/modelcost"
)

const pingTimeout = 2 * time.Second

type LedgerStats interface {
	Stats(ctx context.Context) (*credit.LedgerStats, error)
}

type ModelCatalog interface {
	List(ctx context.Context) ([]modelcost.ModelCost, error)
}

// Component is one piece of infrastructure shown on the stats page.
// Either func may be nil.
type Component struct {
	Name  string
	Ping  func(ctx context.Context) error
	Stats func() any
}

type HandlerConfig struct {
	Components []Component
	Ledger     LedgerStats
	Catalog    ModelCatalog
}

type Handler struct {
	components []Component
	ledger     LedgerStats
	catalog    ModelCatalog
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		components: cfg.Components,
		ledger:     cfg.Ledger,
		catalog:    cfg.Catalog,
	}
}

func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator, adminOnly func(http.Handler) http.Handler,
) {
	r.Route("/admin/stats", func(r chi.Router) {
		r.Use(authenticator, adminOnly)

		r.Get("/", h.SystemStats)
		r.Get("/runtime", h.RuntimeStats)
		r.Get("/ledger", h.LedgerTotals)
		r.Get("/{component}", h.ComponentStats)
	})
}

// SystemStats probes every component concurrently and adds the ledger
// totals and model catalogue counts.
func (h *Handler) SystemStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := SystemStatsResponse{
		Components: h.probeAll(ctx),
		Runtime:    readRuntime(),
	}

	if h.ledger != nil {
		if stats, err := h.ledger.Stats(ctx); err == nil {
			resp.Ledger = stats
		}
	}

	if h.catalog != nil {
		if models, err := h.catalog.List(ctx); err == nil {
			summary := &ModelSummary{Total: len(models)}
			for _, m := range models {
				if m.IsActive {
					summary.Active++
				}
			}
			resp.Models = summary
		}
	}

	core.OK(w, resp)
}

func (h *Handler) ComponentStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "component")
	for _, c := range h.components {
		if c.Name == name {
			core.OK(w, probe(r.Context(), c))
			return
		}
	}
	core.NotFound(w, "component")
}

func (h *Handler) RuntimeStats(w http.ResponseWriter, _ *http.Request) {
	core.OK(w, readRuntime())
}

func (h *Handler) LedgerTotals(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		core.NotFound(w, "ledger stats")
		return
	}

	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		core.InternalServerError(w, err)
		return
	}
	core.OK(w, stats)
}

func (h *Handler) probeAll(ctx context.Context) map[string]ComponentStatus {
	statuses := make([]ComponentStatus, len(h.components))

	var g errgroup.Group
	for i, c := range h.components {
		g.Go(func() error {
			statuses[i] = probe(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]ComponentStatus, len(statuses))
	for i, c := range h.components {
		out[c.Name] = statuses[i]
	}
	return out
}

func probe(ctx context.Context, c Component) ComponentStatus {
	status := ComponentStatus{Healthy: true}
	if c.Ping != nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := c.Ping(pingCtx); err != nil {
			status.Healthy = false
			status.Error = err.Error()
		}
	}
	if c.Stats != nil {
		status.Stats = c.Stats()
	}
	return status
}

func readRuntime() RuntimeInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return RuntimeInfo{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		CPUs:       runtime.NumCPU(),
		HeapAlloc:  mem.HeapAlloc,
		Sys:        mem.Sys,
		GCCycles:   mem.NumGC,
	}
}

// Database reports a sql pool as a Component.
func Database(ping func(context.Context) error, stats func() sql.DBStats) Component {
	return Component{
		Name: "database",
		Ping: ping,
		Stats: func() any {
			s := stats()
			return DBPool{
				MaxOpen:      s.MaxOpenConnections,
				Open:         s.OpenConnections,
				InUse:        s.InUse,
				Idle:         s.Idle,
				WaitCount:    s.WaitCount,
				WaitDuration: s.WaitDuration.String(),
			}
		},
	}
}

// Redis reports a go-redis pool as a Component.
func Redis(ping func(context.Context) error, stats func() *redis.PoolStats) Component {
	return Component{
		Name: "redis",
		Ping: ping,
		Stats: func() any {
			s := stats()
			return RedisPool{
				Hits:     s.Hits,
				Misses:   s.Misses,
				Timeouts: s.Timeouts,
				Total:    s.TotalConns,
				Idle:     s.IdleConns,
				Stale:    s.StaleConns,
			}
		},
	}
}
