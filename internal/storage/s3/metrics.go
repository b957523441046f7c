package s3

import (
	"sync"
	"time"
)

// DeviceMetrics tracks S3 device request metrics
type DeviceMetrics struct {
	Requests        int64         `json:"requests"`
	Retries         int64         `json:"retries"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// metricsCollector aggregates DeviceMetrics.
type metricsCollector struct {
	mu      sync.Mutex
	metrics DeviceMetrics
}

func (mc *metricsCollector) recordRequest(duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Requests++
	if err != nil {
		mc.metrics.Errors++
		mc.metrics.LastError = err.Error()
		mc.metrics.LastErrorTime = time.Now()
	}

	// Rolling average
	if mc.metrics.Requests == 1 {
		mc.metrics.AverageLatency = duration
	} else {
		mc.metrics.AverageLatency = (mc.metrics.AverageLatency*time.Duration(mc.metrics.Requests-1) + duration) /
			time.Duration(mc.metrics.Requests)
	}
}

func (mc *metricsCollector) recordRetry() {
	mc.mu.Lock()
	mc.metrics.Retries++
	mc.mu.Unlock()
}

func (mc *metricsCollector) recordTransfer(uploaded, downloaded int64) {
	mc.mu.Lock()
	mc.metrics.BytesUploaded += uploaded
	mc.metrics.BytesDownloaded += downloaded
	mc.mu.Unlock()
}

func (mc *metricsCollector) snapshot() DeviceMetrics {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.metrics
}
