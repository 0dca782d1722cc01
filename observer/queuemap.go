package observer

import (
	"sync"
	"time"

	"github.com/nyxmail/bouncer/logger"
	"github.com/nyxmail/bouncer/pkg/metrics"
)

type queueMapEntry struct {
	hash      string
	updatedAt time.Time
}

// queueMap is the in-memory queue_id -> hash correlation table a
// cleanup line populates and an smtp line consults. Entries expire
// ttl after their Put and the map is capped at maxSize, evicting the
// entry with the oldest Put time to make room — the same oldest-first
// bound the auth cache applies to its own entries.
type queueMap struct {
	mu      sync.RWMutex
	entries map[string]queueMapEntry
	ttl     time.Duration
	maxSize int

	stop chan struct{}
	done chan struct{}
}

func newQueueMap(ttl time.Duration, maxSize int, sweepInterval time.Duration) *queueMap {
	if maxSize <= 0 {
		maxSize = 100000
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}

	qm := &queueMap{
		entries: make(map[string]queueMapEntry),
		ttl:     ttl,
		maxSize: maxSize,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go qm.sweepLoop(sweepInterval)
	return qm
}

// Put records the hash a cleanup line assigned to queueID, evicting the
// oldest entry first if the map is at capacity.
func (qm *queueMap) Put(queueID, hash string) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if len(qm.entries) >= qm.maxSize {
		qm.evictOldestLocked()
	}
	qm.entries[queueID] = queueMapEntry{hash: hash, updatedAt: time.Now()}
	metrics.QueueMapSize.Set(float64(len(qm.entries)))
}

// Lookup returns the hash correlated with queueID, if present and not
// expired. A hit does not change the entry's age: it still expires ttl
// after its Put.
func (qm *queueMap) Lookup(queueID string) (string, bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	entry, ok := qm.entries[queueID]
	if !ok {
		metrics.CorrelationResultsTotal.WithLabelValues("miss_absent").Inc()
		return "", false
	}
	if time.Since(entry.updatedAt) > qm.ttl {
		delete(qm.entries, queueID)
		metrics.CorrelationResultsTotal.WithLabelValues("miss_expired").Inc()
		return "", false
	}

	metrics.CorrelationResultsTotal.WithLabelValues("hit").Inc()
	return entry.hash, true
}

func (qm *queueMap) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, entry := range qm.entries {
		if first || entry.updatedAt.Before(oldestTime) {
			oldestKey, oldestTime, first = key, entry.updatedAt, false
		}
	}
	if oldestKey != "" {
		delete(qm.entries, oldestKey)
	}
}

func (qm *queueMap) sweepLoop(interval time.Duration) {
	defer close(qm.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			qm.sweep()
		case <-qm.stop:
			return
		}
	}
}

func (qm *queueMap) sweep() {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range qm.entries {
		if now.Sub(entry.updatedAt) > qm.ttl {
			delete(qm.entries, key)
			removed++
		}
	}
	metrics.QueueMapSize.Set(float64(len(qm.entries)))
	if removed > 0 {
		logger.Debug("observer queue map swept", "removed", removed, "tracked", len(qm.entries))
	}
}

// Close stops the background sweep goroutine.
func (qm *queueMap) Close() {
	close(qm.stop)
	<-qm.done
}
