package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unalkalkan/TwelveNarrator/internal/ambience"
	"github.com/unalkalkan/TwelveNarrator/internal/assembly"
	"github.com/unalkalkan/TwelveNarrator/internal/job"
	"github.com/unalkalkan/TwelveNarrator/internal/packaging"
	"github.com/unalkalkan/TwelveNarrator/internal/progress"
	"github.com/unalkalkan/TwelveNarrator/internal/segmentation"
	"github.com/unalkalkan/TwelveNarrator/internal/tts"
	"github.com/unalkalkan/TwelveNarrator/internal/voice"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

var (
	// ErrJobNotFound is returned for an id the pipeline does not know
	ErrJobNotFound = errors.New("job not found")
	// ErrJobActive is returned when a job is already being dispatched
	ErrJobActive = errors.New("job is already running")
	// ErrJobNotActive is returned when cancelling a job that is not running
	ErrJobNotActive = errors.New("job is not running")
	// ErrInvalidState is returned for an operation the job status does not allow
	ErrInvalidState = errors.New("operation not allowed in current job status")
)

// Deps are the components a pipeline drives. Ambience and Jobs are optional.
type Deps struct {
	Extractor  *segmentation.Service
	Resolver   *voice.Resolver
	Dispatcher *tts.Dispatcher
	Tracker    *progress.Tracker
	Assembler  *assembly.Assembler
	Packager   *packaging.Service
	Ambience   *ambience.Generator
	Jobs       job.Repository

	// DefaultParams fill the synthesis params a submission leaves unset
	DefaultParams types.SynthesisParams
}

// SubmitRequest creates a job from chapter text or from ready segments
type SubmitRequest struct {
	Title    string
	Text     string
	Segments []types.Segment
	Mapping  types.SpeakerMapping

	// FallbackVoice, when set, is assigned to every speaker the mapping
	// leaves unresolved at submit time
	FallbackVoice string
	Concurrency   int
	Params        types.SynthesisParams
	Cues          []types.EnvironmentCue
	CueRequests   []types.CueRequest
}

// Submission is what the caller needs to complete a mapping before running
type Submission struct {
	Job        *types.SynthesisJob        `json:"job"`
	Speakers   []segmentation.SpeakerStat `json:"speakers"`
	Unresolved []string                   `json:"unresolved_speakers,omitempty"`
	Snapshot   types.ProgressSnapshot     `json:"progress"`
}

// jobState is the job-scoped context every stage works through
type jobState struct {
	mu          sync.Mutex
	job         *types.SynthesisJob
	table       *tts.Table
	run         *tts.Run
	active      bool
	cueRequests []types.CueRequest
	cueFailures []ambience.Failure
	unresolved  []string
	result      *types.JobResult
}

// Pipeline owns the in-memory jobs and runs them through dispatch and assembly
type Pipeline struct {
	deps Deps

	mu   sync.RWMutex
	jobs map[string]*jobState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// closeGrace bounds how long Close lets in-flight engine calls finish
	closeGrace time.Duration
}

// DefaultCloseGrace is how long Close waits for in-flight calls
const DefaultCloseGrace = 30 * time.Second

// New creates a new pipeline
func New(deps Deps) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		deps:   deps,
		jobs:   make(map[string]*jobState),
		ctx:        ctx,
		cancel:     cancel,
		closeGrace: DefaultCloseGrace,
	}
}

// Submit creates a job, extracts segments when only text is given and
// resolves voices. Nothing is dispatched until Run or Start.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	segments := req.Segments
	if len(segments) == 0 {
		if strings.TrimSpace(req.Text) == "" {
			return nil, fmt.Errorf("job needs text or segments")
		}
		segments = p.deps.Extractor.Extract(ctx, req.Text)
	}
	for i := range segments {
		if segments[i].Status == "" || segments[i].Status == types.SegmentRunning {
			segments[i].Status = types.SegmentPending
		}
	}
	table, err := tts.NewTable(segments)
	if err != nil {
		return nil, err
	}
	for _, cue := range req.Cues {
		if err := cue.Validate(); err != nil {
			return nil, err
		}
	}

	mapping := req.Mapping
	resolved, unresolved, err := p.deps.Resolver.Resolve(ctx, table.Segments(), mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve voices: %w", err)
	}
	if len(unresolved) > 0 && req.FallbackVoice != "" {
		mapping = mapping.WithFallback(unresolved, req.FallbackVoice)
		if resolved, unresolved, err = p.deps.Resolver.Resolve(ctx, table.Segments(), mapping); err != nil {
			return nil, fmt.Errorf("failed to resolve voices: %w", err)
		}
	}
	table.SetVoices(resolved)

	now := time.Now()
	j := &types.SynthesisJob{
		ID:               uuid.NewString(),
		Title:            req.Title,
		Segments:         table.Segments(),
		Mapping:          mapping,
		ConcurrencyLimit: req.Concurrency,
		Params:           req.Params.Merge(p.deps.DefaultParams),
		Cues:             append([]types.EnvironmentCue(nil), req.Cues...),
		Status:           types.JobCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	st := &jobState{
		job:         j,
		table:       table,
		cueRequests: append([]types.CueRequest(nil), req.CueRequests...),
		unresolved:  unresolved,
	}

	p.mu.Lock()
	p.jobs[j.ID] = st
	p.mu.Unlock()

	snap := p.deps.Tracker.Register(j.ID, j.Segments, false)
	p.persist(ctx, st)

	log.Printf("[Pipeline] Job %s submitted: %d segments, %d unresolved speakers", j.ID, len(j.Segments), len(unresolved))
	return &Submission{
		Job:        st.snapshotJob(),
		Speakers:   segmentation.DiscoverSpeakers(j.Segments),
		Unresolved: unresolved,
		Snapshot:   snap,
	}, nil
}

// UpdateMapping adds or replaces speaker mappings of a job that is not running
// and returns the speakers still unresolved
func (p *Pipeline) UpdateMapping(ctx context.Context, jobID string, entries map[string]string) ([]string, error) {
	st, err := p.state(jobID)
	if err != nil {
		return nil, err
	}
	unresolved, err := p.remap(ctx, st, entries)
	if err != nil {
		return nil, err
	}
	p.persist(ctx, st)
	return unresolved, nil
}

func (p *Pipeline) remap(ctx context.Context, st *jobState, entries map[string]string) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active {
		return nil, fmt.Errorf("%w: %s", ErrJobActive, st.job.ID)
	}

	merged := st.job.Mapping.Map()
	for k, v := range entries {
		merged[strings.TrimSpace(k)] = v
	}
	mapping, err := types.NewSpeakerMapping(merged)
	if err != nil {
		return nil, err
	}
	resolved, unresolved, err := p.deps.Resolver.Resolve(ctx, st.table.Segments(), mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve voices: %w", err)
	}
	st.table.SetVoices(resolved)
	st.job.Mapping = mapping
	st.unresolved = unresolved
	st.job.UpdatedAt = time.Now()
	return unresolved, nil
}

// Run dispatches a created job and blocks until it settles
func (p *Pipeline) Run(ctx context.Context, jobID string) (*types.JobResult, error) {
	return p.execute(ctx, jobID, func(st *jobState) (bool, error) {
		if st.job.Status != types.JobCreated {
			return false, fmt.Errorf("%w: run from %s", ErrInvalidState, st.job.Status)
		}
		return false, nil
	})
}

// Resume re-dispatches the pending segments of a cancelled job
func (p *Pipeline) Resume(ctx context.Context, jobID string) (*types.JobResult, error) {
	return p.execute(ctx, jobID, func(st *jobState) (bool, error) {
		if st.job.Status != types.JobCancelled && st.job.Status != types.JobCreated {
			return false, fmt.Errorf("%w: resume from %s", ErrInvalidState, st.job.Status)
		}
		return false, nil
	})
}

// RetryFailed resets the failed segments of a settled job and runs again.
// Completed segments are kept and not synthesized again.
func (p *Pipeline) RetryFailed(ctx context.Context, jobID string, orders ...int) (*types.JobResult, error) {
	return p.execute(ctx, jobID, func(st *jobState) (bool, error) {
		if !st.job.Status.Terminal() {
			return false, fmt.Errorf("%w: retry from %s", ErrInvalidState, st.job.Status)
		}
		reset, err := st.table.ResetFailed(orders...)
		if err != nil {
			return false, err
		}
		log.Printf("[Pipeline] Job %s: retrying %d failed segments", jobID, len(reset))
		return false, nil
	})
}

// Resynthesize forces the given segments, or all when none are given, to be synthesized again
func (p *Pipeline) Resynthesize(ctx context.Context, jobID string, orders ...int) (*types.JobResult, error) {
	return p.execute(ctx, jobID, func(st *jobState) (bool, error) {
		if !st.job.Status.Terminal() && st.job.Status != types.JobCancelled {
			return false, fmt.Errorf("%w: resynthesize from %s", ErrInvalidState, st.job.Status)
		}
		forced, err := st.table.ForcePending(orders...)
		if err != nil {
			return false, err
		}
		log.Printf("[Pipeline] Job %s: forcing %d segments", jobID, len(forced))
		return len(forced) > 0, nil
	})
}

// Start runs Run in the background; the result is available through Result
func (p *Pipeline) Start(jobID string) error {
	return p.background(jobID, p.Run)
}

// StartResume runs Resume in the background
func (p *Pipeline) StartResume(jobID string) error {
	return p.background(jobID, p.Resume)
}

// StartRetry runs RetryFailed in the background
func (p *Pipeline) StartRetry(jobID string, orders ...int) error {
	return p.background(jobID, func(ctx context.Context, id string) (*types.JobResult, error) {
		return p.RetryFailed(ctx, id, orders...)
	})
}

// StartResynthesize runs Resynthesize in the background
func (p *Pipeline) StartResynthesize(jobID string, orders ...int) error {
	return p.background(jobID, func(ctx context.Context, id string) (*types.JobResult, error) {
		return p.Resynthesize(ctx, id, orders...)
	})
}

func (p *Pipeline) background(jobID string, fn func(context.Context, string) (*types.JobResult, error)) error {
	st, err := p.state(jobID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	active := st.active
	st.mu.Unlock()
	if active {
		return fmt.Errorf("%w: %s", ErrJobActive, jobID)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := fn(p.ctx, jobID); err != nil {
			log.Printf("[Pipeline] Job %s: %v", jobID, err)
		}
	}()
	return nil
}

// Cancel stops workers from claiming more segments. In-flight calls finish
// and the run ends with the job cancelled.
func (p *Pipeline) Cancel(jobID string) error {
	st, err := p.state(jobID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.active || st.run == nil {
		return fmt.Errorf("%w: %s", ErrJobNotActive, jobID)
	}
	st.run.Cancel()
	log.Printf("[Pipeline] Job %s: cancel requested", jobID)
	return nil
}

// Get returns a copy of the job with live segment statuses
func (p *Pipeline) Get(jobID string) (*types.SynthesisJob, error) {
	st, err := p.state(jobID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotJob(), nil
}

// Result returns the outcome of the last finished run
func (p *Pipeline) Result(jobID string) (*types.JobResult, error) {
	st, err := p.state(jobID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.result == nil {
		return nil, fmt.Errorf("%w: job %s has no result yet", ErrInvalidState, jobID)
	}
	out := *st.result
	return &out, nil
}

// Snapshot returns the latest progress snapshot of a job
func (p *Pipeline) Snapshot(jobID string) (types.ProgressSnapshot, error) {
	snap, ok := p.deps.Tracker.Snapshot(jobID)
	if !ok {
		return types.ProgressSnapshot{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return snap, nil
}

// Unresolved returns the speakers of a job that still have no usable voice
func (p *Pipeline) Unresolved(jobID string) ([]string, error) {
	st, err := p.state(jobID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]string(nil), st.unresolved...), nil
}

// List returns copies of all jobs
func (p *Pipeline) List() []*types.SynthesisJob {
	p.mu.RLock()
	states := make([]*jobState, 0, len(p.jobs))
	for _, st := range p.jobs {
		states = append(states, st)
	}
	p.mu.RUnlock()

	out := make([]*types.SynthesisJob, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.snapshotJob())
		st.mu.Unlock()
	}
	return out
}

// Restore loads stored jobs that are not in memory. A job that was running
// when the process stopped comes back cancelled so it can be resumed.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	if p.deps.Jobs == nil {
		return 0, nil
	}
	stored, err := p.deps.Jobs.ListJobs(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, j := range stored {
		p.mu.RLock()
		_, known := p.jobs[j.ID]
		p.mu.RUnlock()
		if known {
			continue
		}
		table, err := tts.NewTable(j.Segments)
		if err != nil {
			log.Printf("[Pipeline] Skipping stored job %s: %v", j.ID, err)
			continue
		}
		if j.Status == types.JobRunning {
			j.Status = types.JobCancelled
		}
		j.Segments = table.Segments()
		st := &jobState{job: j, table: table}
		if res, err := p.deps.Jobs.GetResult(ctx, j.ID); err == nil {
			st.result = res
		}

		p.mu.Lock()
		p.jobs[j.ID] = st
		p.mu.Unlock()

		p.deps.Tracker.Register(j.ID, j.Segments, false)
		p.settleTracker(j.ID, j.Status, j.Error)
		restored++
	}
	if restored > 0 {
		log.Printf("[Pipeline] Restored %d stored jobs", restored)
	}
	return restored, nil
}

// Close cancels background runs and waits for them to end. In-flight calls
// get a grace period before the remaining ones are aborted; segments they
// leave behind stay pending for a resume.
func (p *Pipeline) Close() {
	p.mu.RLock()
	for _, st := range p.jobs {
		st.mu.Lock()
		if st.active && st.run != nil {
			st.run.Cancel()
		}
		st.mu.Unlock()
	}
	p.mu.RUnlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.closeGrace):
		log.Printf("[Pipeline] Runs still active after %s, aborting in-flight calls", p.closeGrace)
	}
	p.cancel()
	<-drained
}

func (p *Pipeline) state(jobID string) (*jobState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return st, nil
}

// snapshotJob copies the job with segments taken from the table; st.mu must be held
func (st *jobState) snapshotJob() *types.SynthesisJob {
	j := *st.job
	j.Segments = st.table.Segments()
	j.Cues = append([]types.EnvironmentCue(nil), st.job.Cues...)
	return &j
}

func (p *Pipeline) persist(ctx context.Context, st *jobState) {
	if p.deps.Jobs == nil {
		return
	}
	st.mu.Lock()
	j := st.snapshotJob()
	res := st.result
	st.mu.Unlock()

	if err := p.deps.Jobs.SaveJob(ctx, j); err != nil {
		log.Printf("[Pipeline] Job %s: failed to save job: %v", j.ID, err)
	}
	if res != nil {
		if err := p.deps.Jobs.SaveResult(ctx, res); err != nil {
			log.Printf("[Pipeline] Job %s: failed to save result: %v", j.ID, err)
		}
	}
}

// settleTracker brings the tracker in line with a stored job status
func (p *Pipeline) settleTracker(jobID string, status types.JobStatus, reason string) {
	switch status {
	case types.JobCompleted, types.JobPartiallyCompleted:
		p.deps.Tracker.Settle(jobID)
	case types.JobFailed:
		p.deps.Tracker.Fail(jobID, reason)
	case types.JobCancelled:
		p.deps.Tracker.Cancel(jobID)
	}
}
