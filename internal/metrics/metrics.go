// Package metrics provides lock-free counters for the runtime
// statistics of a session server.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one session server.
// A nil Collector is safe to use: all methods become no-ops.
type Collector struct {
	clientsActive atomic.Int64
	clientsTotal  atomic.Int64
	infoRequests  atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	errorsTotal   atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastAttach   time.Time
	lastDetach   time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// StartTime returns when the collector was created.
func (c *Collector) StartTime() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.startTime
}

// ── Client metrics ───────────────────────────────────────────────────

// ClientAttached increments the active and total client counters and
// returns the new active count.
func (c *Collector) ClientAttached() int64 {
	if c == nil {
		return 0
	}
	c.clientsTotal.Add(1)
	n := c.clientsActive.Add(1)
	c.mu.Lock()
	c.lastAttach = time.Now()
	c.mu.Unlock()
	return n
}

// ClientDetached decrements the active client counter and returns the
// number of clients still attached.
func (c *Collector) ClientDetached() int64 {
	if c == nil {
		return 0
	}
	n := c.clientsActive.Add(-1)
	c.mu.Lock()
	c.lastDetach = time.Now()
	c.mu.Unlock()
	return n
}

// ActiveClients returns the number of attached clients.
func (c *Collector) ActiveClients() int64 {
	if c == nil {
		return 0
	}
	return c.clientsActive.Load()
}

// TotalClients returns the lifetime attach count.
func (c *Collector) TotalClients() int64 {
	if c == nil {
		return 0
	}
	return c.clientsTotal.Load()
}

// InfoRequested records an info probe.  Probes are not clients.
func (c *Collector) InfoRequested() {
	if c == nil {
		return
	}
	c.infoRequests.Add(1)
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from a client.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to a client.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	ClientsActive    int64  `json:"clients_active"`
	ClientsTotal     int64  `json:"clients_total"`
	InfoRequests     int64  `json:"info_requests"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastAttach       string `json:"last_attach,omitempty"`
	LastDetach       string `json:"last_detach,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:        time.Since(c.startTime).Truncate(time.Second).String(),
		ClientsActive: c.clientsActive.Load(),
		ClientsTotal:  c.clientsTotal.Load(),
		InfoRequests:  c.infoRequests.Load(),
		BytesIn:       c.bytesIn.Load(),
		BytesOut:      c.bytesOut.Load(),
		ErrorsTotal:   c.errorsTotal.Load(),
	}
	if !c.lastAttach.IsZero() {
		s.LastAttach = c.lastAttach.Format(time.RFC3339)
	}
	if !c.lastDetach.IsZero() {
		s.LastDetach = c.lastDetach.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
