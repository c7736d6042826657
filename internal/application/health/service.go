package health

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"time"

	"codemarket-backend/internal/middleware"

	"github.com/redis/go-redis/v9"
)

// DBPinger is optional for health check. If nil, database is reported as disconnected.
type DBPinger interface {
	Ping() error
}

// SettlementPinger is the settlement provider's reachability probe.
type SettlementPinger interface {
	Ping(ctx context.Context) error
}

// Deps are the dependencies probed by CollectHealth. Any field may be nil.
type Deps struct {
	Redis      *redis.Client
	DB         DBPinger
	Settlement SettlementPinger
	// SettlementTimeout bounds the provider ping; defaults to 3s.
	SettlementTimeout time.Duration
}

type CollectResult struct {
	Status       string               `json:"status"`
	Runtime      RuntimeInfo          `json:"runtime"`
	Traffic      TrafficInfo          `json:"traffic"`
	Dependencies map[string]DepStatus `json:"dependencies"`
}

type RuntimeInfo struct {
	UptimeSeconds int64      `json:"uptimeSeconds"`
	Memory        MemoryInfo `json:"memory"`
	Goroutines    int        `json:"goroutines"`
	Platform      string     `json:"platform"`
	GoVersion     string     `json:"goVersion"`
}

type MemoryInfo struct {
	Alloc    int `json:"alloc"`
	HeapUsed int `json:"heapUsed"`
}

type TrafficInfo struct {
	TotalRequests   int         `json:"totalRequests"`
	SuccessCount    int         `json:"successCount"`
	FailedCount     int         `json:"failedCount"`
	SuccessRate     string      `json:"successRate"`
	AvgResponseTime interface{} `json:"avgResponseTime"`
	LastRequest     interface{} `json:"lastRequest"`
}

type DepStatus struct {
	Status string `json:"status"`
	PingMs *int64 `json:"pingMs"`
}

// CollectHealth gathers runtime info, request stats from Redis, and dependency pings.
// Status is "ok" only when the database, Redis and the settlement provider all answer.
func CollectHealth(ctx context.Context, deps Deps) CollectResult {
	result := CollectResult{
		Dependencies: make(map[string]DepStatus),
	}

	result.Dependencies["database"] = ping(deps.DB != nil, func() error { return deps.DB.Ping() })

	startTimeMs := time.Now().UnixMilli()
	stats := TrafficInfo{AvgResponseTime: 0, SuccessRate: "100"}
	redisDep := ping(deps.Redis != nil, func() error { return deps.Redis.Ping(ctx).Err() })
	if redisDep.Status == "connected" {
		startTimeMs = readTraffic(ctx, deps.Redis, &stats, startTimeMs)
	}
	result.Dependencies["redis"] = redisDep

	timeout := deps.SettlementTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	result.Dependencies["settlement"] = ping(deps.Settlement != nil, func() error {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return deps.Settlement.Ping(pctx)
	})

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	uptimeSec := (time.Now().UnixMilli() - startTimeMs) / 1000
	if uptimeSec < 0 {
		uptimeSec = 0
	}
	result.Runtime = RuntimeInfo{
		UptimeSeconds: uptimeSec,
		Memory:        MemoryInfo{Alloc: int(m.Alloc / 1024 / 1024), HeapUsed: int(m.HeapInuse / 1024 / 1024)},
		Goroutines:    runtime.NumGoroutine(),
		Platform:      runtime.GOOS + " (" + runtime.GOARCH + ")",
		GoVersion:     runtime.Version(),
	}
	result.Traffic = stats

	result.Status = "issue"
	if result.Dependencies["database"].Status == "connected" &&
		result.Dependencies["redis"].Status == "connected" &&
		result.Dependencies["settlement"].Status == "connected" {
		result.Status = "ok"
	}
	return result
}

func ping(configured bool, fn func() error) DepStatus {
	if !configured {
		return DepStatus{Status: "disconnected"}
	}
	start := time.Now()
	if err := fn(); err != nil {
		return DepStatus{Status: "error"}
	}
	ms := time.Since(start).Milliseconds()
	return DepStatus{Status: "connected", PingMs: &ms}
}

// readTraffic fills stats from the HealthMarker counters and returns the recorded start time.
func readTraffic(ctx context.Context, rdb *redis.Client, stats *TrafficInfo, startTimeMs int64) int64 {
	vals, err := rdb.MGet(ctx,
		middleware.KeyReqTotal, middleware.KeyReqErrors, middleware.KeyResTime,
		middleware.KeyResCount, middleware.KeyStartTime, middleware.KeyLastReq,
	).Result()
	if err != nil {
		return startTimeMs
	}
	str := func(i int) string {
		s, _ := vals[i].(string)
		return s
	}

	if t, err := strconv.ParseInt(str(4), 10, 64); err == nil {
		startTimeMs = t
	} else {
		rdb.Set(ctx, middleware.KeyStartTime, startTimeMs, 0)
	}

	stats.TotalRequests, _ = strconv.Atoi(str(0))
	stats.FailedCount, _ = strconv.Atoi(str(1))
	stats.SuccessCount = stats.TotalRequests - stats.FailedCount
	if stats.TotalRequests > 0 {
		stats.SuccessRate = strconv.FormatFloat(float64(stats.SuccessCount)/float64(stats.TotalRequests)*100, 'f', 1, 64)
	}
	timeSum, _ := strconv.ParseFloat(str(2), 64)
	countSum, _ := strconv.Atoi(str(3))
	if countSum > 0 {
		stats.AvgResponseTime = strconv.FormatFloat(timeSum/float64(countSum), 'f', 2, 64)
	}
	if last := str(5); last != "" {
		var lastReq map[string]interface{}
		_ = json.Unmarshal([]byte(last), &lastReq)
		stats.LastRequest = lastReq
	}
	return startTimeMs
}
