package frontend

import (
	"sync"
	"time"
)

// Decision is what to do with an incoming frame.
type Decision int

const (
	// Ignore drops the frame.
	Ignore Decision = iota
	// AcceptAsKeyframe processes the frame as a keyframe.
	AcceptAsKeyframe
	// AcceptAsMatchOnly uses the frame for loop matching only.
	AcceptAsMatchOnly
)

func (d Decision) String() string {
	switch d {
	case AcceptAsKeyframe:
		return "accept_as_keyframe"
	case AcceptAsMatchOnly:
		return "accept_as_match_only"
	default:
		return "ignore"
	}
}

// FallbackState is the state of the keyframe fallback machine.
type FallbackState int

const (
	// WaitingFirstImage is the state before any frame was accepted.
	WaitingFirstImage FallbackState = iota
	// Tracking is the state once a frame was accepted.
	Tracking
)

func (s FallbackState) String() string {
	if s == Tracking {
		return "tracking"
	}
	return "waiting_first_image"
}

// KeyframeFallback decides whether a non-keyframe should still be used when the tracker has not
// produced a keyframe for a while. Before the first accepted frame a non-keyframe older than
// initWait since the last keyframe is promoted to a keyframe; afterwards one older than wait is
// used for matching only. Stamps are in seconds and the last keyframe stamp starts at 0.
type KeyframeFallback struct {
	mu        sync.Mutex
	state     FallbackState
	lastStamp float64
	wait      float64
	initWait  float64
}

// NewKeyframeFallback returns a machine in WaitingFirstImage.
func NewKeyframeFallback(wait, initWait time.Duration) *KeyframeFallback {
	return &KeyframeFallback{wait: wait.Seconds(), initWait: initWait.Seconds()}
}

// Decide classifies a frame and advances the machine.
func (kf *KeyframeFallback) Decide(stamp float64, isKeyframe bool) Decision {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	d := Ignore
	gap := stamp - kf.lastStamp
	switch {
	case isKeyframe:
		d = AcceptAsKeyframe
	case kf.state == WaitingFirstImage && gap > kf.initWait:
		d = AcceptAsKeyframe
	case gap > kf.wait:
		d = AcceptAsMatchOnly
	}
	if d != Ignore {
		kf.lastStamp = stamp
		kf.state = Tracking
	}
	return d
}

// State returns the current state.
func (kf *KeyframeFallback) State() FallbackState {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.state
}

// LastKeyframeStamp is the stamp of the last accepted frame, 0 before any.
func (kf *KeyframeFallback) LastKeyframeStamp() float64 {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.lastStamp
}
