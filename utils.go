// Package core carries the ambient concerns shared by every package in
// this module: constants, a debug logging hook, and reconnect backoff.
package core

import (
	"math/rand"
	"time"

	"github.com/go-kit/kit/log"
)

// DebugLogFunc is a swappable debug sink: production builds leave it
// silent, development builds assign a real logger to it.
type DebugLogFunc func(log.Logger, ...interface{})

// DebugLog is a no-op by default.
var DebugLog = DebugLogFunc(func(log.Logger, ...interface{}) {})

// EmptyStruct is a zero-size marker for set-like maps. No package in the
// module uses it; its set-like maps hold bool values.
type EmptyStruct struct{}

// EmptyStructVal is the canonical EmptyStruct value.
var EmptyStructVal = EmptyStruct{}

// BinaryBackoffEngine implements a binary (exponential) backoff with
// jitter, used for continuation reconnect retries.
type BinaryBackoffEngine struct {
	rng    *rand.Rand
	min    time.Duration
	max    time.Duration
	period time.Duration
	Cur    time.Duration
}

// NewBinaryBackoffEngine creates a backoff engine bounded by [min, max].
func NewBinaryBackoffEngine(rng *rand.Rand, min, max time.Duration) *BinaryBackoffEngine {
	if min <= 0 {
		return nil
	}
	return &BinaryBackoffEngine{
		rng:    rng,
		min:    min,
		max:    max,
		period: min,
	}
}

// Advance doubles the backoff period (capped at max) and samples a new
// current delay, returning the delay that was in effect before advancing.
func (bbe *BinaryBackoffEngine) Advance() time.Duration {
	old := bbe.Cur
	bbe.period *= 2
	if bbe.period > bbe.max {
		bbe.period = bbe.max
	}
	bbe.Cur = time.Duration(bbe.rng.Int63n(int64(bbe.period) + 1))
	return old
}

// After invokes fun immediately if the current delay is zero, otherwise
// schedules it via time.AfterFunc.
func (bbe *BinaryBackoffEngine) After(fun func()) {
	if bbe.Cur == 0 {
		fun()
	} else {
		time.AfterFunc(bbe.Cur, fun)
	}
}
