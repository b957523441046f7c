package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scttfrdmn/diskvfs/internal/guarded"
	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// Collector records per-mount operation metrics.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	// Prometheus metrics
	lockHold        *prometheus.HistogramVec
	operationCount  *prometheus.CounterVec
	errorCounter    *prometheus.CounterVec
	bytesCounter    *prometheus.CounterVec
	volumeBlocks    *prometheus.GaugeVec
	volumeFree      *prometheus.GaugeVec
	volumeFiles     *prometheus.GaugeVec
	volumeFreeFiles *prometheus.GaugeVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
}

// OperationMetrics tracks one operation of one mount.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalHeld     time.Duration `json:"total_held"`
	MaxHeld       time.Duration `json:"max_held"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "diskvfs",
			Labels:    make(map[string]string),
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		config:     config,
		logger:     logger,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Registry returns the registry metrics are exported from, nil when
// disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start serves the metrics endpoint until Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	c.logger.Info("metrics server started", zap.Int("port", c.config.Port), zap.String("path", c.config.Path))
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Observer returns the lock observer of mount. It records how long each
// operation held the mount lock.
func (c *Collector) Observer(mount string) guarded.Observer {
	return &mountObserver{c: c, mount: mount}
}

type mountObserver struct {
	c     *Collector
	mount string
}

func (o *mountObserver) ObserveHold(op string, held time.Duration) {
	o.c.observeHold(o.mount, op, held)
}

func opKey(mount, op string) string {
	return mount + "/" + op
}

func (c *Collector) observeHold(mount, op string, held time.Duration) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[opKey(mount, op)]
	if !ok {
		m = &OperationMetrics{}
		c.operations[opKey(mount, op)] = m
	}
	m.Count++
	m.TotalHeld += held
	if held > m.MaxHeld {
		m.MaxHeld = held
	}
	m.LastOperation = time.Now()
	c.mu.Unlock()

	c.lockHold.With(prometheus.Labels{"mount": mount, "operation": op}).Observe(held.Seconds())
}

// RecordOperation counts a completed operation and, on failure, its error
// code.
func (c *Collector) RecordOperation(mount, op string, err error) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
		code := errors.CodeOf(err)
		if code == "" {
			code = errors.ErrCodeIO
		}
		c.errorCounter.With(prometheus.Labels{"mount": mount, "operation": op, "code": string(code)}).Inc()

		c.mu.Lock()
		if m, ok := c.operations[opKey(mount, op)]; ok {
			m.Errors++
		} else {
			c.operations[opKey(mount, op)] = &OperationMetrics{Errors: 1, LastOperation: time.Now()}
		}
		c.mu.Unlock()
	}
	c.operationCount.With(prometheus.Labels{"mount": mount, "operation": op, "status": status}).Inc()
}

// RecordBytes adds n bytes moved in direction ("read" or "write").
func (c *Collector) RecordBytes(mount, direction string, n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.bytesCounter.With(prometheus.Labels{"mount": mount, "direction": direction}).Add(float64(n))
}

// UpdateVolume publishes the capacity figures of mount.
func (c *Collector) UpdateVolume(mount string, st vfs.StatFs) {
	if !c.config.Enabled {
		return
	}
	labels := prometheus.Labels{"mount": mount}
	c.volumeBlocks.With(labels).Set(float64(st.Blocks * st.BlockSize))
	c.volumeFree.With(labels).Set(float64(st.BlocksFree * st.BlockSize))
	c.volumeFiles.With(labels).Set(float64(st.FileCount))
	c.volumeFreeFiles.With(labels).Set(float64(st.FreeFileCount))
}

// GetMetrics returns a snapshot of the per-operation tracking, keyed by
// "mount/operation".
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics resets the internal tracking.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	constLabels := prometheus.Labels(c.config.Labels)

	c.lockHold = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "lock_hold_seconds",
			Help:        "Time each operation held its mount lock",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		},
		[]string{"mount", "operation"},
	)

	c.operationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "operations_total",
			Help:        "Total number of filesystem operations",
			ConstLabels: constLabels,
		},
		[]string{"mount", "operation", "status"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "errors_total",
			Help:        "Total number of failed operations by error code",
			ConstLabels: constLabels,
		},
		[]string{"mount", "operation", "code"},
	)

	c.bytesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "bytes_total",
			Help:        "Bytes read from and written to files",
			ConstLabels: constLabels,
		},
		[]string{"mount", "direction"},
	)

	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help, ConstLabels: constLabels},
			[]string{"mount"},
		)
	}
	c.volumeBlocks = gauge("volume_size_bytes", "Volume capacity in bytes")
	c.volumeFree = gauge("volume_free_bytes", "Free volume space in bytes")
	c.volumeFiles = gauge("volume_files", "Inode capacity of the volume")
	c.volumeFreeFiles = gauge("volume_free_files", "Free inodes of the volume")
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.lockHold,
		c.operationCount,
		c.errorCounter,
		c.bytesCounter,
		c.volumeBlocks,
		c.volumeFree,
		c.volumeFiles,
		c.volumeFreeFiles,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"diskvfs-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	body := struct {
		LastReset  time.Time                    `json:"last_reset"`
		Operations map[string]*OperationMetrics `json:"operations"`
	}{c.lastReset, c.operations}
	data, err := json.Marshal(body)
	c.mu.RUnlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
