// Package metrics maintains a bucketed latency histogram for agent calls
// in the output database.
package metrics

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// LatencyBuckets defines histogram bucket upper bounds in milliseconds,
// sized for chat-completion call latencies.
var LatencyBuckets = []int{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}

// Histogram records and aggregates latency measurements.
type Histogram struct {
	db *sql.DB
}

// NewHistogram creates a histogram over the output database.
func NewHistogram(db *sql.DB) *Histogram {
	return &Histogram{db: db}
}

// RecordLatency records one latency measurement for an operation, bucketed
// into 1-minute windows.
func (h *Histogram) RecordLatency(operation string, latencyMs int) error {
	bucket := findBucket(latencyMs)
	window := time.Now().Unix() / 60 * 60

	_, err := h.db.Exec(`
		INSERT INTO latency_histogram (operation, bucket_ms, count, timestamp)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(operation, bucket_ms, timestamp)
		DO UPDATE SET count = count + 1
	`, operation, bucket, window)
	return err
}

func findBucket(latencyMs int) int {
	for _, bucket := range LatencyBuckets {
		if latencyMs <= bucket {
			return bucket
		}
	}
	return LatencyBuckets[len(LatencyBuckets)-1]
}

// Percentiles holds interpolated percentile values for one operation.
type Percentiles struct {
	Operation string
	P50       float64
	P95       float64
	P99       float64
	Count     int
	WindowEnd int64
}

type bucketCount struct {
	bucket int
	count  int
}

// CalculatePercentiles computes p50/p95/p99 for an operation over the last
// windowMinutes.
func (h *Histogram) CalculatePercentiles(operation string, windowMinutes int) (*Percentiles, error) {
	buckets, total, err := h.bucketCounts(operation, windowMinutes)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("no data available for operation %s", operation)
	}

	return &Percentiles{
		Operation: operation,
		P50:       percentile(buckets, total, 0.50),
		P95:       percentile(buckets, total, 0.95),
		P99:       percentile(buckets, total, 0.99),
		Count:     total,
		WindowEnd: time.Now().Unix(),
	}, nil
}

// AllPercentiles returns percentiles for every operation seen in the
// window.
func (h *Histogram) AllPercentiles(windowMinutes int) (map[string]*Percentiles, error) {
	rows, err := h.db.Query(`
		SELECT DISTINCT operation
		FROM latency_histogram
		WHERE timestamp >= ?
	`, windowStart(windowMinutes))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var operations []string
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			return nil, err
		}
		operations = append(operations, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make(map[string]*Percentiles)
	for _, op := range operations {
		p, err := h.CalculatePercentiles(op, windowMinutes)
		if err != nil {
			continue
		}
		results[op] = p
	}
	return results, nil
}

// CleanupOldData removes histogram rows older than retentionDays, returning
// the number removed.
func (h *Histogram) CleanupOldData(retentionDays int) (int64, error) {
	cutoff := time.Now().Unix() - int64(retentionDays)*24*3600

	result, err := h.db.Exec(`
		DELETE FROM latency_histogram
		WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (h *Histogram) bucketCounts(operation string, windowMinutes int) ([]bucketCount, int, error) {
	rows, err := h.db.Query(`
		SELECT bucket_ms, SUM(count)
		FROM latency_histogram
		WHERE operation = ? AND timestamp >= ?
		GROUP BY bucket_ms
		ORDER BY bucket_ms ASC
	`, operation, windowStart(windowMinutes))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query histogram: %w", err)
	}
	defer rows.Close()

	var buckets []bucketCount
	total := 0
	for rows.Next() {
		var bc bucketCount
		if err := rows.Scan(&bc.bucket, &bc.count); err != nil {
			return nil, 0, err
		}
		buckets = append(buckets, bc)
		total += bc.count
	}
	return buckets, total, rows.Err()
}

// percentile interpolates linearly within the bucket containing the target
// rank.
func percentile(buckets []bucketCount, total int, p float64) float64 {
	if len(buckets) == 0 || total == 0 {
		return 0
	}

	target := int(math.Ceil(float64(total) * p))
	cumulative := 0

	for _, bc := range buckets {
		cumulative += bc.count
		if cumulative < target {
			continue
		}

		prevCumulative := cumulative - bc.count
		ratio := float64(target-prevCumulative) / float64(bc.count)

		lower := 0
		for i, b := range LatencyBuckets {
			if b == bc.bucket && i > 0 {
				lower = LatencyBuckets[i-1]
				break
			}
		}
		return float64(lower) + ratio*float64(bc.bucket-lower)
	}

	return float64(buckets[len(buckets)-1].bucket)
}

func windowStart(windowMinutes int) int64 {
	return time.Now().Unix()/60*60 - int64(windowMinutes)*60
}
