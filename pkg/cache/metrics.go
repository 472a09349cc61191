package cache

import "sync/atomic"

// Metrics counts cache traffic. Both backends and the Service keep one; all methods are safe
// for concurrent use.
type Metrics struct {
	hits, misses, errors atomic.Uint64
	gets, sets, deletes  atomic.Uint64

	factoryCalls    atomic.Uint64
	sharedResults   atomic.Uint64
	discardedWrites atomic.Uint64

	compressionSaves atomic.Uint64
	invalidations    atomic.Uint64
}

// NewMetrics returns zeroed counters
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordCacheHit()   { m.hits.Add(1) }
func (m *Metrics) RecordCacheMiss()  { m.misses.Add(1) }
func (m *Metrics) RecordCacheError() { m.errors.Add(1) }
func (m *Metrics) RecordGet()        { m.gets.Add(1) }
func (m *Metrics) RecordSet()        { m.sets.Add(1) }
func (m *Metrics) RecordDelete()     { m.deletes.Add(1) }

// RecordFactoryCall counts a get-or-set miss; shared marks a caller served by another caller's factory run
func (m *Metrics) RecordFactoryCall(shared bool) {
	if shared {
		m.sharedResults.Add(1)
		return
	}
	m.factoryCalls.Add(1)
}

// RecordDiscardedWrite counts a factory result dropped because the cache was cleared while it ran
func (m *Metrics) RecordDiscardedWrite() { m.discardedWrites.Add(1) }

// RecordCompression adds bytes saved by compressing a stored value
func (m *Metrics) RecordCompression(bytesSaved uint64) { m.compressionSaves.Add(bytesSaved) }

// RecordInvalidation counts a ClearAll
func (m *Metrics) RecordInvalidation() { m.invalidations.Add(1) }

// GetSnapshot copies the current counters
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CacheHits:             m.hits.Load(),
		CacheMisses:           m.misses.Load(),
		CacheErrors:           m.errors.Load(),
		GetOperations:         m.gets.Load(),
		SetOperations:         m.sets.Load(),
		DeleteOperations:      m.deletes.Load(),
		FactoryCalls:          m.factoryCalls.Load(),
		SharedResults:         m.sharedResults.Load(),
		DiscardedWrites:       m.discardedWrites.Load(),
		CompressionBytesSaved: m.compressionSaves.Load(),
		InvalidationCount:     m.invalidations.Load(),
	}
	if total := snap.CacheHits + snap.CacheMisses; total > 0 {
		snap.CacheHitRate = float64(snap.CacheHits) / float64(total) * 100
	}
	return snap
}

// Reset zeroes every counter
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.hits, &m.misses, &m.errors,
		&m.gets, &m.sets, &m.deletes,
		&m.factoryCalls, &m.sharedResults, &m.discardedWrites,
		&m.compressionSaves, &m.invalidations,
	} {
		c.Store(0)
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	CacheHits    uint64  `json:"cache_hits"`
	CacheMisses  uint64  `json:"cache_misses"`
	CacheErrors  uint64  `json:"cache_errors"`
	CacheHitRate float64 `json:"cache_hit_rate"` // percent

	GetOperations    uint64 `json:"get_operations"`
	SetOperations    uint64 `json:"set_operations"`
	DeleteOperations uint64 `json:"delete_operations"`

	FactoryCalls    uint64 `json:"factory_calls"`
	SharedResults   uint64 `json:"shared_results"`
	DiscardedWrites uint64 `json:"discarded_writes"`

	CompressionBytesSaved uint64 `json:"compression_bytes_saved"`
	InvalidationCount     uint64 `json:"invalidation_count"`
}
