package core

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// healthCheckTimeout bounds the whole detailed health check.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a check against one dependency (database, queue, redis).
type HealthProbe interface {
	Name() string

	// Check should respect the context deadline.
	Check(ctx context.Context) error
}

type probeFunc struct {
	name  string
	check func(ctx context.Context) error
}

func (p probeFunc) Name() string                    { return p.name }
func (p probeFunc) Check(ctx context.Context) error { return p.check(ctx) }

// NewProbe adapts a plain check function, such as a repository HealthCheck
// method, into a HealthProbe.
func NewProbe(name string, check func(ctx context.Context) error) HealthProbe {
	return probeFunc{name: name, check: check}
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

type memoryStats struct {
	AllocMB      float64 `json:"allocMb"`
	SysMB        float64 `json:"sysMb"`
	NumGC        uint32  `json:"numGc"`
	NumGoroutine int     `json:"numGoroutine"`
}

type detailedHealthResponse struct {
	healthResponse
	UptimeSeconds int64                      `json:"uptimeSeconds"`
	Memory        memoryStats                `json:"memory"`
	Components    map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth is the public liveness endpoint mounted at GET /health. It
// touches no dependencies.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version(),
	})
}

// HandleHealthDetailed executes all registered probes concurrently under a
// shared 2 second deadline and reports process memory and uptime. Returns
// 503 if any probe fails or times out.
func (s *Server) HandleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	components, allHealthy := runProbes(ctx, s.HealthProbes)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := detailedHealthResponse{
		healthResponse: healthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC(),
			Version:   s.version(),
		},
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Memory: memoryStats{
			AllocMB:      bytesToMB(ms.Alloc),
			SysMB:        bytesToMB(ms.Sys),
			NumGC:        ms.NumGC,
			NumGoroutine: runtime.NumGoroutine(),
		},
		Components: components,
	}

	if !allHealthy {
		resp.Status = "unhealthy"
		JSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	JSON(w, r, http.StatusOK, resp)
}

func runProbes(ctx context.Context, probes []HealthProbe) (map[string]componentStatus, bool) {
	if len(probes) == 0 {
		return nil, true
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(probes))
		wg      sync.WaitGroup
	)

	for _, probe := range probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()

			var err error
			func() {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("probe panicked: %v", r)
					}
				}()
				err = p.Check(ctx)
			}()

			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Missing probes are reported as timed out below.
	}

	mu.Lock()
	defer mu.Unlock()

	components := make(map[string]componentStatus, len(probes))
	allHealthy := true
	for _, probe := range probes {
		name := probe.Name()
		err, ok := results[name]
		switch {
		case !ok:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			components[name] = componentStatus{Status: "healthy"}
		}
	}
	return components, allHealthy
}

func bytesToMB(b uint64) float64 {
	return float64(b) / (1024 * 1024)
}
