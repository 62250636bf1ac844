// Package imu integrates inertial measurements: a thread-safe sample buffer, on-manifold
// preintegration between two keyframes, and a lock-free IMU-only pose propagator.
package imu

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Sample is one IMU reading. Stamp is in seconds.
type Sample struct {
	Stamp float64   `json:"stamp"`
	Acc   r3.Vector `json:"acc"`
	Gyro  r3.Vector `json:"gyro"`
}

// ErrOutOfOrder is returned when a sample is not newer than the last buffered sample.
var ErrOutOfOrder = errors.New("imu sample out of order")

// Buffer holds IMU samples in increasing stamp order.
type Buffer struct {
	mu      sync.Mutex
	samples []Sample
	// last consumed sample, kept so the next interval starts from a known reading.
	lastConsumed *Sample
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Add appends a sample. Samples must arrive in strictly increasing stamp order.
func (b *Buffer) Add(s Sample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.samples); n > 0 && s.Stamp <= b.samples[n-1].Stamp {
		return errors.Wrapf(ErrOutOfOrder, "stamp %.6f after %.6f", s.Stamp, b.samples[n-1].Stamp)
	}
	if b.lastConsumed != nil && s.Stamp <= b.lastConsumed.Stamp {
		return errors.Wrapf(ErrOutOfOrder, "stamp %.6f already consumed up to %.6f", s.Stamp, b.lastConsumed.Stamp)
	}
	b.samples = append(b.samples, s)
	return nil
}

// Consume returns the samples with ta < stamp <= tb and drops every sample with stamp <= tb, so
// each sample is handed out at most once. The second return value is the last sample consumed
// before this call, or false if there is none.
func (b *Buffer) Consume(ta, tb float64) ([]Sample, Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var prev Sample
	hasPrev := false
	if b.lastConsumed != nil {
		prev, hasPrev = *b.lastConsumed, true
	}
	end := sort.Search(len(b.samples), func(i int) bool { return b.samples[i].Stamp > tb })
	start := sort.Search(end, func(i int) bool { return b.samples[i].Stamp > ta })
	if start > 0 {
		// Stale samples at or before ta are dropped, the newest of them becomes the start reading.
		prev, hasPrev = b.samples[start-1], true
	}
	out := append([]Sample(nil), b.samples[start:end]...)
	if end > 0 {
		last := b.samples[end-1]
		b.lastConsumed = &last
	}
	b.samples = append(b.samples[:0], b.samples[end:]...)
	return out, prev, hasPrev
}

// Between returns a copy of the samples with ta < stamp <= tb without consuming them.
func (b *Buffer) Between(ta, tb float64) []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := sort.Search(len(b.samples), func(i int) bool { return b.samples[i].Stamp > tb })
	start := sort.Search(end, func(i int) bool { return b.samples[i].Stamp > ta })
	return append([]Sample(nil), b.samples[start:end]...)
}

// Available returns whether a sample at or after t has been buffered.
func (b *Buffer) Available(t float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples) > 0 && b.samples[len(b.samples)-1].Stamp >= t
}

// Size returns the number of buffered samples.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Back returns the newest buffered sample.
func (b *Buffer) Back() (Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) == 0 {
		return Sample{}, false
	}
	return b.samples[len(b.samples)-1], true
}

// MeanAcc returns the mean accelerometer reading of the first n samples.
func (b *Buffer) MeanAcc(n int) (r3.Vector, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || len(b.samples) < n {
		return r3.Vector{}, false
	}
	var sum r3.Vector
	for _, s := range b.samples[:n] {
		sum = sum.Add(s.Acc)
	}
	return sum.Mul(1 / float64(n)), true
}
