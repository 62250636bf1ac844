package landmark

import (
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/samber/lo"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/solver"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
	"go.swarmvio.dev/vio/utils"
)

// Builder initializes landmarks and builds their reprojection factors.
type Builder struct {
	cfg    config.LandmarkConfig
	focal  float64
	logger logging.Logger
}

// NewBuilder returns a builder. focal converts normalized plane errors to pixels.
func NewBuilder(cfg config.LandmarkConfig, focal float64, logger logging.Logger) *Builder {
	return &Builder{cfg: cfg, focal: focal, logger: logger}
}

// CameraPose is the world pose of a camera mounted at extrinsic on a frame.
func CameraPose(f *state.VINSFrame, extrinsic spatialmath.Pose) spatialmath.Pose {
	return spatialmath.Compose(f.Pose, extrinsic)
}

func (b *Builder) views(snap *state.Snapshot, obs []state.Observation) []View {
	views := make([]View, 0, len(obs))
	for _, o := range obs {
		f, ok := snap.Frame(o.FrameID)
		if !ok {
			continue
		}
		views = append(views, View{Camera: CameraPose(f, snap.Extrinsic(o.CameraID)), Point: o.Point})
	}
	return views
}

func (b *Builder) depthValid(d float64) bool {
	return d >= b.cfg.MinDepth && d <= b.cfg.MaxDepth
}

// Initialize gives a position to every landmark of the snapshot that has none, either from a
// measured depth or by triangulating its active observations. Landmarks without valid depth
// support keep no position and stay INITIALIZING. It returns the ids that were initialized.
func (b *Builder) Initialize(snap *state.Snapshot) []state.LandmarkID {
	var out []state.LandmarkID
	for _, id := range sortedIDs(snap.Landmarks) {
		lm := snap.Landmarks[id]
		if lm.HasPosition || lm.Flag == state.LandmarkOutlier {
			continue
		}
		obs := snap.ActiveObservations(lm)
		if pos, ok := b.fromDepth(snap, obs); ok {
			lm.Position, lm.HasPosition = pos, true
			out = append(out, id)
			continue
		}
		views := b.views(snap, obs)
		if len(views) < 2 {
			continue
		}
		if parallax := MaxParallax(views); parallax < utils.DegToRad(b.cfg.MinTriangulationAngleDeg) {
			continue
		}
		pos, err := Triangulate(views)
		if err != nil {
			b.logger.Debugw("triangulation failed", "landmark", id, "error", err)
			continue
		}
		valid := true
		for _, v := range views {
			if !b.depthValid(Depth(v.Camera, pos)) {
				valid = false
				break
			}
		}
		if !valid {
			continue
		}
		lm.Position, lm.HasPosition = pos, true
		out = append(out, id)
	}
	return out
}

func (b *Builder) fromDepth(snap *state.Snapshot, obs []state.Observation) (r3.Vector, bool) {
	for _, o := range obs {
		if !o.HasDepth() || !b.depthValid(o.Depth) {
			continue
		}
		f, ok := snap.Frame(o.FrameID)
		if !ok {
			continue
		}
		return FromDepth(CameraPose(f, snap.Extrinsic(o.CameraID)), o.Point, o.Depth), true
	}
	return r3.Vector{}, false
}

// Usable returns whether a landmark takes part in the solve: it has a position, is not an outlier
// and has enough active observations, or is referenced by the prior.
func (b *Builder) Usable(snap *state.Snapshot, lm *state.LandmarkPerID) bool {
	if _, inPrior := snap.PriorLandmarks[lm.LandmarkID]; inPrior {
		return lm.HasPosition
	}
	if !lm.HasPosition || lm.Flag == state.LandmarkOutlier {
		return false
	}
	return len(snap.ActiveObservations(lm)) >= b.cfg.MinObservations
}

// Factors returns one reprojection factor per active observation of every usable landmark, and
// the usable landmark ids in increasing order.
func (b *Builder) Factors(snap *state.Snapshot) ([]*solver.ReprojectionFactor, []state.LandmarkID) {
	var factors []*solver.ReprojectionFactor
	var ids []state.LandmarkID
	for _, id := range sortedIDs(snap.Landmarks) {
		lm := snap.Landmarks[id]
		if !b.Usable(snap, lm) {
			continue
		}
		ids = append(ids, id)
		for _, o := range snap.ActiveObservations(lm) {
			factors = append(factors, b.factor(snap, id, o))
		}
	}
	return factors, ids
}

func (b *Builder) factor(snap *state.Snapshot, id state.LandmarkID, o state.Observation) *solver.ReprojectionFactor {
	return &solver.ReprojectionFactor{
		Frame:       o.FrameID,
		Landmark:    id,
		CameraID:    o.CameraID,
		Extrinsic:   snap.Extrinsic(o.CameraID),
		Measurement: o.Point,
		Focal:       b.focal,
		PixelSigma:  b.cfg.PixelSigma,
		HuberPixels: b.cfg.HuberPixelThreshold,
	}
}

// Outliers returns the landmarks whose mean reprojection error exceeds OutlierPixelThreshold or
// that fall outside the depth range of an observing camera. Landmarks in keep are never returned.
func (b *Builder) Outliers(factors []*solver.ReprojectionFactor, vals solver.Values, keep map[state.LandmarkID]struct{}) map[state.LandmarkID]bool {
	sum := map[state.LandmarkID]float64{}
	count := map[state.LandmarkID]int{}
	out := map[state.LandmarkID]bool{}
	for _, f := range factors {
		if _, ok := keep[f.Landmark]; ok {
			continue
		}
		_, depth, err := f.Project(vals)
		if err != nil {
			continue
		}
		if !b.depthValid(depth) {
			out[f.Landmark] = true
			continue
		}
		e, err := f.PixelError(vals)
		if err != nil {
			continue
		}
		sum[f.Landmark] += e
		count[f.Landmark]++
	}
	for id, n := range count {
		if sum[id]/float64(n) > b.cfg.OutlierPixelThreshold {
			out[id] = true
		}
	}
	return out
}

// Candidate is a possible landmark for an ambiguous keypoint with its reprojection error.
type Candidate struct {
	LandmarkID state.LandmarkID
	PixelError float64
}

// SelectAssociation picks the candidate with the smallest reprojection error within threshold
// pixels. Equal errors resolve to the lower landmark id.
func SelectAssociation(cands []Candidate, threshold float64) (state.LandmarkID, bool) {
	best := -1
	for i, c := range cands {
		if c.PixelError > threshold {
			continue
		}
		if best < 0 || c.PixelError < cands[best].PixelError ||
			(c.PixelError == cands[best].PixelError && c.LandmarkID < cands[best].LandmarkID) {
			best = i
		}
	}
	if best < 0 {
		return -1, false
	}
	return cands[best].LandmarkID, true
}

// Associate resolves a keypoint seen by a camera at the given world pose against candidate
// landmarks that already have a position.
func (b *Builder) Associate(camera spatialmath.Pose, pt r2.Point, candidates []*state.LandmarkPerID) (state.LandmarkID, bool) {
	cands := make([]Candidate, 0, len(candidates))
	for _, lm := range candidates {
		if !lm.HasPosition || lm.Flag == state.LandmarkOutlier {
			continue
		}
		proj, depth := solver.ProjectPoint(camera, spatialmath.NewZeroPose(), lm.Position)
		if !b.depthValid(depth) {
			continue
		}
		cands = append(cands, Candidate{LandmarkID: lm.LandmarkID, PixelError: proj.Sub(pt).Norm() * b.focal})
	}
	return SelectAssociation(cands, b.cfg.AssociationPixelThreshold)
}

func sortedIDs(m map[state.LandmarkID]*state.LandmarkPerID) []state.LandmarkID {
	ids := lo.Keys(m)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
