// AngelaMos | 2026
// dto.go

package admin

import "github.com/carterperez-dev/varylite/internal/credit"

type SystemStatsResponse struct {
	Components map[string]ComponentStatus `json:"components"`
	Runtime    RuntimeInfo                `json:"runtime"`
	Ledger     *credit.LedgerStats        `json:"ledger,omitempty"`
	Models     *ModelSummary              `json:"models,omitempty"`
}

type ComponentStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Stats   any    `json:"stats,omitempty"`
}

type ModelSummary struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

type DBPool struct {
	MaxOpen      int    `json:"maxOpen"`
	Open         int    `json:"open"`
	InUse        int    `json:"inUse"`
	Idle         int    `json:"idle"`
	WaitCount    int64  `json:"waitCount"`
	WaitDuration string `json:"waitDuration"`
}

type RedisPool struct {
	Hits     uint32 `json:"hits"`
	Misses   uint32 `json:"misses"`
	Timeouts uint32 `json:"timeouts"`
	Total    uint32 `json:"total"`
	Idle     uint32 `json:"idle"`
	Stale    uint32 `json:"stale"`
}

type RuntimeInfo struct {
	GoVersion  string `json:"goVersion"`
	Goroutines int    `json:"goroutines"`
	CPUs       int    `json:"cpus"`
	HeapAlloc  uint64 `json:"heapAllocBytes"`
	Sys        uint64 `json:"sysBytes"`
	GCCycles   uint32 `json:"gcCycles"`
}
