package simulation

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.swarmvio.dev/vio/estimator"
	"go.swarmvio.dev/vio/pgo"
	"go.swarmvio.dev/vio/state"
)

// Peer receives what other drones broadcast.
type Peer interface {
	OnRemoteImage(kf state.VINSFrame, image *estimator.VisualImageDescArray) bool
	OnRemoteLoopEdge(edge pgo.LoopEdge) bool
}

// Bus is an in-memory broadcast network between drones.
type Bus struct {
	mu    sync.RWMutex
	peers map[int]Peer

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewBus returns a bus without peers.
func NewBus() *Bus {
	return &Bus{peers: map[int]Peer{}}
}

// Register connects a drone. A drone may only register once.
func (b *Bus) Register(drone int, p Peer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[drone]; ok {
		return errors.Errorf("drone %d already registered", drone)
	}
	b.peers[drone] = p
	return nil
}

// Endpoint returns the broadcaster drone uses to reach every other peer.
func (b *Bus) Endpoint(drone int) *Endpoint {
	return &Endpoint{bus: b, drone: drone}
}

// Stats returns the number of deliveries accepted and refused by peers.
func (b *Bus) Stats() (delivered, dropped int64) {
	return b.delivered.Load(), b.dropped.Load()
}

func (b *Bus) others(drone int) []Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int, 0, len(b.peers))
	for id := range b.peers {
		if id != drone {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	out := make([]Peer, len(ids))
	for i, id := range ids {
		out[i] = b.peers[id]
	}
	return out
}

func (b *Bus) count(ok bool) {
	if ok {
		b.delivered.Inc()
	} else {
		b.dropped.Inc()
	}
}

// Endpoint is one drone's side of the bus.
type Endpoint struct {
	bus   *Bus
	drone int
}

// BroadcastKeyframe delivers a keyframe and its image to every other drone.
func (e *Endpoint) BroadcastKeyframe(ctx context.Context, kf state.VINSFrame, image estimator.VisualImageDescArray) error {
	for _, p := range e.bus.others(e.drone) {
		if err := ctx.Err(); err != nil {
			return err
		}
		img := image
		e.bus.count(p.OnRemoteImage(kf, &img))
	}
	return nil
}

// BroadcastLoopEdge delivers a loop edge to every other drone.
func (e *Endpoint) BroadcastLoopEdge(ctx context.Context, edge pgo.LoopEdge) error {
	for _, p := range e.bus.others(e.drone) {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.bus.count(p.OnRemoteLoopEdge(edge))
	}
	return nil
}
