package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/unalkalkan/TwelveNarrator/internal/tts"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// ErrNoUsableVoice is returned when no segment of a job can be dispatched
var ErrNoUsableVoice = errors.New("no segment has a usable voice")

// execute runs one dispatch pass followed by assembly. prepare runs under
// the job lock before anything starts and reports whether the pass is a
// forced re-synthesis. A job-level failure returns the failed result together
// with the error.
func (p *Pipeline) execute(ctx context.Context, jobID string, prepare func(st *jobState) (bool, error)) (*types.JobResult, error) {
	st, err := p.state(jobID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.active {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobActive, jobID)
	}
	forced, err := prepare(st)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}

	// Profiles may have changed since submit
	resolved, unresolved, err := p.deps.Resolver.Resolve(ctx, st.table.Segments(), st.job.Mapping)
	if err != nil {
		st.mu.Unlock()
		return nil, fmt.Errorf("failed to resolve voices: %w", err)
	}
	st.table.SetVoices(resolved)
	st.unresolved = unresolved

	run := tts.NewRun(jobID, st.table, st.job.Params, st.job.ConcurrencyLimit)
	st.run = run
	st.active = true
	st.job.Status = types.JobRunning
	st.job.Error = ""
	st.job.UpdatedAt = time.Now()
	segments := st.table.Segments()
	st.mu.Unlock()

	p.deps.Tracker.Register(jobID, segments, forced)

	if st.table.Dispatchable() == 0 && countStatus(segments, types.SegmentCompleted) == 0 {
		err := fmt.Errorf("%w (unresolved speakers: %s)", ErrNoUsableVoice, strings.Join(unresolved, ", "))
		return p.abort(ctx, st, err)
	}

	start := time.Now()
	for ev := range p.deps.Dispatcher.Run(ctx, run) {
		if _, err := p.deps.Tracker.Observe(ev); err != nil {
			log.Printf("[Pipeline] Job %s: %v", jobID, err)
		}
	}

	if run.Cancelled() || ctx.Err() != nil {
		return p.finishCancelled(st), nil
	}

	st.mu.Lock()
	segments = st.table.Segments()
	st.mu.Unlock()
	if countStatus(segments, types.SegmentCompleted) == 0 {
		return p.finishWithoutAudio(st), nil
	}

	if err := p.generateCues(ctx, st); err != nil {
		return p.finishCancelled(st), nil
	}

	st.mu.Lock()
	snapshot := st.snapshotJob()
	st.mu.Unlock()

	assembled, err := p.deps.Assembler.Assemble(ctx, snapshot, snapshot.Cues)
	if err != nil {
		return p.abort(ctx, st, fmt.Errorf("assembly failed: %w", err))
	}
	result, err := p.deps.Packager.Package(ctx, snapshot, assembled)
	if err != nil {
		return p.abort(ctx, st, fmt.Errorf("packaging failed: %w", err))
	}

	snap, err := p.deps.Tracker.Settle(jobID)
	if err != nil {
		return p.abort(ctx, st, err)
	}
	result.Status = snap.Status
	result.Unresolved = unresolved

	st.mu.Lock()
	for _, f := range st.cueFailures {
		result.SkippedCues = append(result.SkippedCues, fmt.Sprintf("request %d (%s): %s", f.Index, f.Prompt, f.Error))
	}
	for _, c := range assembled.Cues {
		if c.Skipped {
			result.SkippedCues = append(result.SkippedCues, fmt.Sprintf("cue %d (%s): %s", c.Index, c.SoundRef, c.Reason))
		}
	}
	st.job.Status = snap.Status
	st.job.UpdatedAt = time.Now()
	st.result = result
	st.release()
	st.mu.Unlock()
	p.persist(ctx, st)

	log.Printf("[Pipeline] Job %s %s in %s: %d/%d segments, %dms of audio, failed orders %v",
		jobID, snap.Status, time.Since(start).Round(time.Millisecond), snap.CompletedCount, snap.Total, result.DurationMs, result.FailedOrders)
	out := *result
	return &out, nil
}

// generateCues renders pending cue requests once per job; failed cues are dropped
func (p *Pipeline) generateCues(ctx context.Context, st *jobState) error {
	st.mu.Lock()
	reqs := st.cueRequests
	st.mu.Unlock()
	if len(reqs) == 0 || p.deps.Ambience == nil {
		return nil
	}

	cues, failures, err := p.deps.Ambience.Generate(ctx, st.job.ID, reqs)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.job.Cues = append(st.job.Cues, cues...)
	st.cueRequests = nil
	st.cueFailures = failures
	st.mu.Unlock()
	return nil
}

// abort settles the job as failed with a job-level error
func (p *Pipeline) abort(ctx context.Context, st *jobState, cause error) (*types.JobResult, error) {
	jobID := st.job.ID
	if _, err := p.deps.Tracker.Fail(jobID, cause.Error()); err != nil {
		log.Printf("[Pipeline] Job %s: %v", jobID, err)
	}

	st.mu.Lock()
	st.job.Status = types.JobFailed
	st.job.Error = cause.Error()
	st.job.UpdatedAt = time.Now()
	result := p.outcome(st, types.JobFailed)
	result.Error = cause.Error()
	st.result = result
	st.release()
	st.mu.Unlock()
	p.persist(ctx, st)

	log.Printf("[Pipeline] Job %s failed: %v", jobID, cause)
	out := *result
	return &out, cause
}

// finishWithoutAudio settles a job in which every dispatched segment failed
func (p *Pipeline) finishWithoutAudio(st *jobState) *types.JobResult {
	snap, err := p.deps.Tracker.Settle(st.job.ID)
	if err != nil {
		log.Printf("[Pipeline] Job %s: %v", st.job.ID, err)
	}

	st.mu.Lock()
	st.job.Status = snap.Status
	st.job.Error = snap.Error
	st.job.UpdatedAt = time.Now()
	result := p.outcome(st, snap.Status)
	result.Error = snap.Error
	st.result = result
	st.release()
	st.mu.Unlock()
	p.persist(p.ctx, st)

	log.Printf("[Pipeline] Job %s %s: %s", st.job.ID, snap.Status, snap.Error)
	out := *result
	return &out
}

// finishCancelled leaves completed segments in place so the job can be resumed
func (p *Pipeline) finishCancelled(st *jobState) *types.JobResult {
	if _, err := p.deps.Tracker.Cancel(st.job.ID); err != nil {
		log.Printf("[Pipeline] Job %s: %v", st.job.ID, err)
	}

	st.mu.Lock()
	st.job.Status = types.JobCancelled
	st.job.UpdatedAt = time.Now()
	result := p.outcome(st, types.JobCancelled)
	st.result = result
	st.release()
	st.mu.Unlock()
	// The run context may be gone already
	p.persist(context.Background(), st)

	log.Printf("[Pipeline] Job %s cancelled", st.job.ID)
	out := *result
	return &out
}

// outcome builds a result without timeline from the table; st.mu must be held
func (p *Pipeline) outcome(st *jobState, status types.JobStatus) *types.JobResult {
	segments := st.table.Segments()
	result := &types.JobResult{
		JobID:      st.job.ID,
		Status:     status,
		Unresolved: append([]string(nil), st.unresolved...),
		FinishedAt: time.Now(),
	}
	for _, seg := range segments {
		result.Segments = append(result.Segments, types.SegmentOutcome{
			Order:    seg.Order,
			Speaker:  seg.Speaker,
			Status:   seg.Status,
			AudioRef: seg.AudioRef,
			Error:    seg.Error,
		})
		if seg.Status == types.SegmentFailed {
			result.FailedOrders = append(result.FailedOrders, seg.Order)
		}
	}
	return result
}

// release ends the run so the job accepts another one; st.mu must be held
func (st *jobState) release() {
	st.active = false
	st.run = nil
}

func countStatus(segments []types.Segment, status types.SegmentStatus) int {
	n := 0
	for _, seg := range segments {
		if seg.Status == status {
			n++
		}
	}
	return n
}
