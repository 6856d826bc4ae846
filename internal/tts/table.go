package tts

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

var (
	// ErrForbiddenTransition is returned for a status change the lifecycle does not allow
	ErrForbiddenTransition = errors.New("forbidden segment status transition")
	// ErrUnknownSegment is returned for an order outside the table
	ErrUnknownSegment = errors.New("unknown segment order")
)

// Table is the synchronized segment list of one job. It is the only place
// segment status changes, so two workers can never claim the same segment.
type Table struct {
	mu         sync.Mutex
	segments   []types.Segment
	running    int
	maxRunning int
}

// NewTable copies segments into a table indexed by order.
// Orders must be exactly 0..N-1.
func NewTable(segments []types.Segment) (*Table, error) {
	rows := make([]types.Segment, len(segments))
	copy(rows, segments)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Order < rows[j].Order })

	for i := range rows {
		if rows[i].Order != i {
			return nil, fmt.Errorf("segment orders must be dense from 0, found %d at position %d", rows[i].Order, i)
		}
		switch rows[i].Status {
		case "":
			rows[i].Status = types.SegmentPending
		case types.SegmentRunning:
			// Left over from an interrupted run
			rows[i].Status = types.SegmentPending
		}
	}
	return &Table{segments: rows}, nil
}

// Len returns the number of segments
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.segments)
}

// Claim marks the lowest-order pending segment that has a voice as running
func (t *Table) Claim() (types.Segment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.segments {
		seg := &t.segments[i]
		if seg.Status != types.SegmentPending || seg.VoiceProfileID == "" {
			continue
		}
		seg.Status = types.SegmentRunning
		seg.Error = ""
		t.running++
		if t.running > t.maxRunning {
			t.maxRunning = t.running
		}
		return *seg, true
	}
	return types.Segment{}, false
}

// Attempt records one more engine call for a running segment and returns the count
func (t *Table) Attempt(order int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg, err := t.row(order)
	if err != nil {
		return 0, err
	}
	if seg.Status != types.SegmentRunning {
		return 0, fmt.Errorf("%w: attempt on %s segment %d", ErrForbiddenTransition, seg.Status, order)
	}
	seg.Attempts++
	return seg.Attempts, nil
}

// Complete moves a running segment to completed
func (t *Table) Complete(order int, audioRef string, durationMs int64) (types.Segment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg, err := t.finish(order)
	if err != nil {
		return types.Segment{}, err
	}
	seg.Status = types.SegmentCompleted
	seg.AudioRef = audioRef
	seg.DurationMs = durationMs
	seg.Error = ""
	return *seg, nil
}

// Fail moves a running segment to failed
func (t *Table) Fail(order int, reason string) (types.Segment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg, err := t.finish(order)
	if err != nil {
		return types.Segment{}, err
	}
	seg.Status = types.SegmentFailed
	seg.Error = reason
	return *seg, nil
}

// Release moves a running segment back to pending when its run was
// interrupted before the call could end on its own
func (t *Table) Release(order int) (types.Segment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg, err := t.finish(order)
	if err != nil {
		return types.Segment{}, err
	}
	seg.Status = types.SegmentPending
	seg.Error = ""
	return *seg, nil
}

func (t *Table) finish(order int) (*types.Segment, error) {
	seg, err := t.row(order)
	if err != nil {
		return nil, err
	}
	if seg.Status != types.SegmentRunning {
		return nil, fmt.Errorf("%w: %s -> terminal for segment %d", ErrForbiddenTransition, seg.Status, order)
	}
	t.running--
	return seg, nil
}

// ResetFailed moves failed segments back to pending. With no orders given,
// every failed segment is reset. Other segments are never touched.
func (t *Table) ResetFailed(orders ...int) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	targets, err := t.targets(orders, func(s *types.Segment) bool { return s.Status == types.SegmentFailed })
	if err != nil {
		return nil, err
	}
	for _, i := range targets {
		if seg := &t.segments[i]; seg.Status != types.SegmentFailed {
			return nil, fmt.Errorf("%w: reset of %s segment %d", ErrForbiddenTransition, seg.Status, i)
		}
	}
	for _, i := range targets {
		seg := &t.segments[i]
		seg.Status = types.SegmentPending
		seg.Error = ""
		seg.Attempts = 0
	}
	return targets, nil
}

// ForcePending moves completed or failed segments back to pending for re-synthesis
func (t *Table) ForcePending(orders ...int) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	targets, err := t.targets(orders, func(s *types.Segment) bool { return s.Status.Terminal() })
	if err != nil {
		return nil, err
	}
	for _, i := range targets {
		if t.segments[i].Status == types.SegmentRunning {
			return nil, fmt.Errorf("%w: segment %d is running", ErrForbiddenTransition, i)
		}
	}
	var forced []int
	for _, i := range targets {
		seg := &t.segments[i]
		if seg.Status == types.SegmentPending {
			continue
		}
		seg.Status = types.SegmentPending
		seg.Error = ""
		seg.AudioRef = ""
		seg.DurationMs = 0
		seg.Attempts = 0
		forced = append(forced, i)
	}
	return forced, nil
}

// SetVoices replaces voice profile ids of segments that are not running
func (t *Table) SetVoices(resolved []types.Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range resolved {
		if r.Order < 0 || r.Order >= len(t.segments) {
			continue
		}
		if seg := &t.segments[r.Order]; seg.Status != types.SegmentRunning {
			seg.VoiceProfileID = r.VoiceProfileID
		}
	}
}

func (t *Table) targets(orders []int, all func(*types.Segment) bool) ([]int, error) {
	if len(orders) == 0 {
		var out []int
		for i := range t.segments {
			if all(&t.segments[i]) {
				out = append(out, i)
			}
		}
		return out, nil
	}
	out := make([]int, 0, len(orders))
	seen := make(map[int]bool, len(orders))
	for _, o := range orders {
		if o < 0 || o >= len(t.segments) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownSegment, o)
		}
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (t *Table) row(order int) (*types.Segment, error) {
	if order < 0 || order >= len(t.segments) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSegment, order)
	}
	return &t.segments[order], nil
}

// Get returns a copy of one segment
func (t *Table) Get(order int) (types.Segment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seg, err := t.row(order)
	if err != nil {
		return types.Segment{}, err
	}
	return *seg, nil
}

// Segments returns a copy of all segments in order
func (t *Table) Segments() []types.Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Dispatchable reports how many segments a run would pick up
func (t *Table) Dispatchable() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, seg := range t.segments {
		if seg.Status == types.SegmentPending && seg.VoiceProfileID != "" {
			n++
		}
	}
	return n
}

// MaxRunning returns the highest number of simultaneously running segments seen
func (t *Table) MaxRunning() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxRunning
}
