package state

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned for an unknown frame or landmark id. Callers treat it as a skip.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateFrame is returned when a frame id is not greater than the last id of its drone.
	ErrDuplicateFrame = errors.New("duplicate or out-of-order frame")
	// ErrUninitializedPose is returned while the estimator has no valid first pose; input is
	// buffered and no solve is attempted.
	ErrUninitializedPose = errors.New("first pose not initialized")
	// ErrIllConditionedElimination marks a marginalization whose eliminated block had to be
	// regularized. The prior is still produced.
	ErrIllConditionedElimination = errors.New("ill-conditioned elimination")
	// ErrSolveBudgetExceeded marks a solve that ran out of iterations or time before converging.
	// The best iterate is still committed.
	ErrSolveBudgetExceeded = errors.New("solve budget exceeded")
	// ErrReferencedByPrior is returned when removing a frame still referenced by the prior.
	ErrReferencedByPrior = errors.New("frame referenced by prior")
)

// NewFrameNotFoundError returns an ErrNotFound for a frame id.
func NewFrameNotFoundError(id FrameID) error {
	return errors.Wrapf(ErrNotFound, "frame %d", id)
}

// NewLandmarkNotFoundError returns an ErrNotFound for a landmark id.
func NewLandmarkNotFoundError(id LandmarkID) error {
	return errors.Wrapf(ErrNotFound, "landmark %d", id)
}

// NewDuplicateFrameError returns an ErrDuplicateFrame for a rejected insert.
func NewDuplicateFrameError(drone int, id, last FrameID) error {
	return errors.Wrapf(ErrDuplicateFrame, "drone %d frame %d (last %d)", drone, id, last)
}
