// Package predictor implements the Access Predictor: a cheap, local
// pattern-recognition component that biases the preload scheduler's window
// by classifying recent access history as forward, backward, stationary,
// or random.
package predictor

import (
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/framewise/annocache/internal/frame"
)

// Direction is the predicted access direction.
type Direction string

const (
	DirectionForward    Direction = "forward"
	DirectionBackward   Direction = "backward"
	DirectionStationary Direction = "stationary"
	DirectionRandom     Direction = "random"
)

// Prediction is the predictor's output: a direction, the typical stride
// between consecutive accesses, and a confidence in [0,1].
type Prediction struct {
	Direction  Direction
	Stride     int64
	Confidence float64
}

// RangeScale returns the multiplier the preload scheduler should apply to
// its configured preload_back/preload_forward window, adopted from the
// prior implementation's AccessPatternAnalyzer: sequential access widens
// the window since the next frames are almost certainly about to be
// requested, a stationary hotspot narrows it since neighbors are unlikely
// to be needed, and random access widens it moderately as a hedge. Below
// the 0.5 confidence floor the multiplier is 1.0 — not enough signal to
// deviate from the configured defaults.
func (p Prediction) RangeScale() float64 {
	if p.Confidence < 0.5 {
		return 1.0
	}
	switch p.Direction {
	case DirectionForward, DirectionBackward:
		return 1.5
	case DirectionStationary:
		return 0.8
	case DirectionRandom:
		return 1.2
	default:
		return 1.0
	}
}

const (
	sequentialAgreementThreshold = 0.70
	sequentialMedianMaxStride    = 3
	stationaryShareThreshold     = 0.30
	// strideVarianceThreshold is the sample-variance cutoff above which a
	// pattern that doesn't qualify as sequential is reported as random
	// rather than merely low-confidence sequential. Chosen empirically: a
	// stride of 1 jittering up to ±3 has variance well under this, while
	// genuinely scattered access (deltas spanning tens to hundreds) blows
	// past it immediately.
	strideVarianceThreshold = 64.0
)

type keyStat struct {
	count int64
}

// Predictor holds the bounded access-event ring buffer and a short-TTL
// per-key recency map used for the stationary-access calculation.
type Predictor struct {
	mu       chan struct{} // binary semaphore; see lock()/unlock()
	ring     []frame.Key
	head     int
	size     int
	capacity int

	recency *ttlcache.Cache[frame.Key, *keyStat]
}

// New constructs a Predictor with the given ring buffer capacity (K in the
// spec, default 64) and the TTL after which a key's recency count ages out
// of the stationary-access calculation.
func New(windowSize int, recencyTTL time.Duration) *Predictor {
	if windowSize <= 0 {
		windowSize = 64
	}
	if recencyTTL <= 0 {
		recencyTTL = 30 * time.Second
	}
	cache := ttlcache.New[frame.Key, *keyStat](
		ttlcache.WithTTL[frame.Key, *keyStat](recencyTTL),
	)
	go cache.Start()

	p := &Predictor{
		mu:       make(chan struct{}, 1),
		ring:     make([]frame.Key, windowSize),
		capacity: windowSize,
		recency:  cache,
	}
	p.mu <- struct{}{}
	return p
}

func (p *Predictor) lock()   { <-p.mu }
func (p *Predictor) unlock() { p.mu <- struct{}{} }

// Close stops the recency cache's background eviction goroutine.
func (p *Predictor) Close() {
	p.recency.Stop()
}

// Record appends an access event to the ring buffer and bumps the key's
// recency count. Side effects are confined to the predictor's own state; it
// never touches the store, the governor, or the scheduler directly.
func (p *Predictor) Record(key frame.Key) {
	p.lock()
	p.ring[p.head] = key
	p.head = (p.head + 1) % p.capacity
	if p.size < p.capacity {
		p.size++
	}
	p.unlock()

	if item := p.recency.Get(key); item != nil {
		stat := item.Value()
		stat.count++
		p.recency.Set(key, stat, ttlcache.DefaultTTL)
		return
	}
	p.recency.Set(key, &keyStat{count: 1}, ttlcache.DefaultTTL)
}

func (p *Predictor) orderedSnapshot() []frame.Key {
	p.lock()
	defer p.unlock()
	out := make([]frame.Key, p.size)
	// head points one past the most recently written slot; the oldest
	// live entry is at head when the ring is full, or index 0 otherwise.
	start := 0
	if p.size == p.capacity {
		start = p.head
	}
	for i := 0; i < p.size; i++ {
		out[i] = p.ring[(start+i)%p.capacity]
	}
	return out
}

func (p *Predictor) dominantShare() float64 {
	items := p.recency.Items()
	var total, dominant int64
	for _, item := range items {
		c := item.Value().count
		total += c
		if c > dominant {
			dominant = c
		}
	}
	if total == 0 {
		return 0
	}
	return float64(dominant) / float64(total)
}

// Predict classifies the current access history in O(K). It is called
// whenever a frame_changed hint arrives or an AccessEvent is recorded.
func (p *Predictor) Predict() Prediction {
	keys := p.orderedSnapshot()
	if len(keys) < 2 {
		return Prediction{Direction: DirectionStationary, Stride: 0, Confidence: 0}
	}

	if share := p.dominantShare(); share > stationaryShareThreshold {
		return Prediction{Direction: DirectionStationary, Stride: 0, Confidence: share}
	}

	deltas := make([]int64, 0, len(keys)-1)
	for i := 1; i < len(keys); i++ {
		deltas = append(deltas, int64(keys[i])-int64(keys[i-1]))
	}

	positive, negative := 0, 0
	mags := make([]int64, len(deltas))
	for i, d := range deltas {
		switch {
		case d > 0:
			positive++
		case d < 0:
			negative++
		}
		mags[i] = abs64(d)
	}

	dir := DirectionForward
	agreeing := positive
	if negative > positive {
		dir = DirectionBackward
		agreeing = negative
	}
	fraction := float64(agreeing) / float64(len(deltas))
	median := medianInt64(mags)

	if fraction >= sequentialAgreementThreshold && median <= sequentialMedianMaxStride {
		return Prediction{Direction: dir, Stride: median, Confidence: fraction}
	}

	if variance(mags) > strideVarianceThreshold {
		return Prediction{Direction: DirectionRandom, Stride: median, Confidence: 1 - fraction}
	}

	return Prediction{Direction: dir, Stride: median, Confidence: fraction}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func medianInt64(vs []int64) int64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]int64(nil), vs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func variance(vs []int64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += float64(v)
	}
	mean := sum / float64(len(vs))
	var sq float64
	for _, v := range vs {
		d := float64(v) - mean
		sq += d * d
	}
	return sq / float64(len(vs))
}
