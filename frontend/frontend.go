// Package frontend connects the estimator of one drone to loop detection and to its peers. It
// decides which frames are used, feeds a bounded loop detection queue drained by a timer, and
// ingests remote keyframes and loop edges on a separate worker so network input never blocks
// local processing.
package frontend

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/estimator"
	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/pgo"
	"go.swarmvio.dev/vio/state"
	"go.swarmvio.dev/vio/utils"
)

// LoopDetector finds loop edges between a frame and the frames it has seen before.
type LoopDetector interface {
	ProcessImageArray(ctx context.Context, frame estimator.VisualImageDescArray, matchOnly bool) ([]pgo.LoopEdge, error)
}

// Broadcaster sends keyframes and loop edges to the other drones.
type Broadcaster interface {
	BroadcastKeyframe(ctx context.Context, kf state.VINSFrame, image estimator.VisualImageDescArray) error
	BroadcastLoopEdge(ctx context.Context, edge pgo.LoopEdge) error
}

// remoteMsg is a frame or an edge received from a peer.
type remoteMsg struct {
	frame *state.VINSFrame
	image *estimator.VisualImageDescArray
	edge  *pgo.LoopEdge
}

// Frontend is the loop and network side of one drone.
type Frontend struct {
	cfg            config.FrontendConfig
	minInlierRatio float64
	graph          *pgo.State
	detector       LoopDetector
	broadcaster    Broadcaster
	logger         logging.Logger

	queue    *LoopQueue
	fallback *KeyframeFallback
	remote   chan remoteMsg
	edges    chan pgo.LoopEdge
	workers  utils.StoppableWorkers

	receivedImage atomic.Bool
	droppedRemote atomic.Int64
	droppedEdges  atomic.Int64

	mu     sync.Mutex
	closed bool
}

// New starts the loop timer on clk and the remote ingestion worker. detector and broadcaster may
// be nil to run without loop detection or without peers.
func New(
	cfg *config.Config,
	graph *pgo.State,
	detector LoopDetector,
	broadcaster Broadcaster,
	clk clock.Clock,
	logger logging.Logger,
) *Frontend {
	if clk == nil {
		clk = clock.New()
	}
	f := &Frontend{
		cfg:            cfg.Frontend,
		minInlierRatio: cfg.PGO.MinLoopInlierRatio,
		graph:          graph,
		detector:       detector,
		broadcaster:    broadcaster,
		logger:         logging.RegisterSublogger(logger, "frontend"),
		queue:          NewLoopQueue(cfg.Frontend.LoopQueueSize),
		fallback:       NewKeyframeFallback(cfg.Frontend.AcceptNonKeyframeWait(), cfg.Frontend.InitAcceptNonKeyframeWait()),
		remote:         make(chan remoteMsg, cfg.Frontend.RemoteBufferSize),
		edges:          make(chan pgo.LoopEdge, cfg.Frontend.RemoteBufferSize),
	}
	f.workers = utils.NewStoppableWorkers(
		utils.TickerWorker(clk, cfg.Frontend.LoopPeriod(), f.loopTick),
		f.remoteWorker,
	)
	return f
}

// ProcessFrame classifies a local frame with the keyframe fallback machine and queues accepted
// frames for loop detection. The frame should be handed to the estimator as a keyframe only when
// the decision is AcceptAsKeyframe.
func (f *Frontend) ProcessFrame(frame estimator.VisualImageDescArray) Decision {
	d := f.fallback.Decide(frame.Stamp, frame.IsKeyframe)
	if d == Ignore {
		return d
	}
	f.receivedImage.Store(true)
	if d == AcceptAsKeyframe {
		frame.IsKeyframe = true
	}
	if f.cfg.EnableLoop && f.detector != nil {
		if f.queue.Push(LoopItem{Frame: frame, MatchOnly: d == AcceptAsMatchOnly}) {
			f.logger.Debugw("loop queue full, dropped oldest frame", "dropped", f.queue.Dropped())
		}
	}
	return d
}

// OnLocalKeyframe records a keyframe solved by the estimator in the pose graph and sends it to
// the peers.
func (f *Frontend) OnLocalKeyframe(ctx context.Context, kf state.VINSFrame, image estimator.VisualImageDescArray) error {
	if err := f.graph.AddFrame(kf); err != nil {
		return err
	}
	if f.broadcaster == nil {
		return nil
	}
	if err := f.broadcaster.BroadcastKeyframe(ctx, kf, image); err != nil {
		f.logger.CWarnw(ctx, "failed to broadcast keyframe", "frame_id", kf.FrameID, "error", err)
	}
	return nil
}

// OnRemoteImage hands a peer's keyframe to the remote worker. Frames are ignored until a local
// image has been received and dropped when the worker is behind. image may be nil when the peer
// sent no descriptors. It reports whether the frame was queued.
func (f *Frontend) OnRemoteImage(kf state.VINSFrame, image *estimator.VisualImageDescArray) bool {
	if !f.receivedImage.Load() {
		return false
	}
	return f.sendRemote(remoteMsg{frame: &kf, image: image})
}

// OnRemoteLoopEdge hands a peer's loop edge to the remote worker. It reports whether the edge was
// queued.
func (f *Frontend) OnRemoteLoopEdge(edge pgo.LoopEdge) bool {
	return f.sendRemote(remoteMsg{edge: &edge})
}

func (f *Frontend) sendRemote(msg remoteMsg) bool {
	select {
	case f.remote <- msg:
		return true
	default:
		f.droppedRemote.Inc()
		return false
	}
}

// OnLoopConnection records a loop edge in the pose graph and publishes it. Edges found by this
// drone are also broadcast.
func (f *Frontend) OnLoopConnection(ctx context.Context, edge pgo.LoopEdge, isLocal bool) error {
	if isLocal && f.broadcaster != nil {
		if err := f.broadcaster.BroadcastLoopEdge(ctx, edge); err != nil {
			f.logger.CWarnw(ctx, "failed to broadcast loop edge", "id", edge.ID.String(), "error", err)
		}
	}
	if err := f.graph.AddLoopEdge(edge, f.minInlierRatio); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	select {
	case f.edges <- edge:
	default:
		f.droppedEdges.Inc()
	}
	return nil
}

// LoopEdges delivers every accepted loop edge. The channel is closed by Close.
func (f *Frontend) LoopEdges() <-chan pgo.LoopEdge {
	return f.edges
}

// Graph returns the pose graph the frontend feeds.
func (f *Frontend) Graph() *pgo.State {
	return f.graph
}

// FallbackState returns the state of the keyframe fallback machine.
func (f *Frontend) FallbackState() FallbackState {
	return f.fallback.State()
}

// QueueLen is the number of frames waiting for loop detection.
func (f *Frontend) QueueLen() int {
	return f.queue.Len()
}

// Dropped returns the loop queue, remote input and loop edge drop counts.
func (f *Frontend) Dropped() (queue, remote, edges int64) {
	return f.queue.Dropped(), f.droppedRemote.Load(), f.droppedEdges.Load()
}

// Close stops the workers and closes the loop edge channel.
func (f *Frontend) Close() error {
	f.workers.Stop()
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.edges)
	}
	return nil
}

// loopTick runs loop detection on at most one queued frame.
func (f *Frontend) loopTick(ctx context.Context) {
	item, ok := f.queue.Pop()
	if !ok {
		return
	}
	edges, err := f.detector.ProcessImageArray(ctx, item.Frame, item.MatchOnly)
	if err != nil {
		f.logger.CWarnw(ctx, "loop detection failed", "frame_id", item.Frame.FrameID, "error", err)
		return
	}
	for _, edge := range edges {
		if err := f.OnLoopConnection(ctx, edge, true); err != nil {
			f.logger.CDebugw(ctx, "dropping loop edge", "frame_a", edge.FrameA, "frame_b", edge.FrameB, "error", err)
		}
	}
}

func (f *Frontend) remoteWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-f.remote:
			f.handleRemote(ctx, msg)
		}
	}
}

func (f *Frontend) handleRemote(ctx context.Context, msg remoteMsg) {
	switch {
	case msg.frame != nil:
		if f.graph.IngestRemote([]state.VINSFrame{*msg.frame}) == 0 {
			return
		}
		if msg.image != nil && f.cfg.EnableLoop && f.detector != nil {
			f.queue.Push(LoopItem{Frame: *msg.image})
		}
	case msg.edge != nil:
		if err := f.OnLoopConnection(ctx, *msg.edge, false); err != nil {
			f.logger.CDebugw(ctx, "dropping remote loop edge", "id", msg.edge.ID.String(), "error", err)
		}
	}
}
