package tts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/unalkalkan/TwelveNarrator/internal/audio"
	"github.com/unalkalkan/TwelveNarrator/internal/provider"
	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/internal/telemetry"
	"github.com/unalkalkan/TwelveNarrator/internal/util"
	"github.com/unalkalkan/TwelveNarrator/internal/voice"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// ErrProfileUnavailable marks failures no retry can fix
var ErrProfileUnavailable = errors.New("voice profile unavailable")

// Options tunes the dispatcher
type Options struct {
	Concurrency  int           // default worker count when a run does not set one
	MaxRetries   int           // retries after the first attempt; 0 means one attempt, negative uses the default
	RetryBackoff time.Duration // wait before retry n is n*RetryBackoff
	CallTimeout  time.Duration // hard timeout per engine call
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 2
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 120 * time.Second
	}
	return o
}

// Dispatcher runs one TTS call per pending segment on a bounded worker pool
type Dispatcher struct {
	engine  provider.TTSProvider
	catalog voice.Catalog
	store   storage.Store
	opts    Options
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(engine provider.TTSProvider, catalog voice.Catalog, store storage.Store, opts Options) *Dispatcher {
	return &Dispatcher{
		engine:  engine,
		catalog: catalog,
		store:   store,
		opts:    opts.withDefaults(),
		metrics: telemetry.Global(),
		tracer:  telemetry.Tracer(),
	}
}

// Run is the job-scoped state of one dispatch pass
type Run struct {
	JobID       string
	Table       *Table
	Params      types.SynthesisParams
	Concurrency int

	cancelled atomic.Bool

	refMu sync.Mutex
	refs  map[string]references
}

type references struct {
	audio    []byte
	features []byte
}

// NewRun creates a run over table; concurrency <= 0 uses the dispatcher default
func NewRun(jobID string, table *Table, params types.SynthesisParams, concurrency int) *Run {
	return &Run{
		JobID:       jobID,
		Table:       table,
		Params:      params,
		Concurrency: concurrency,
		refs:        make(map[string]references),
	}
}

// Cancel stops workers from claiming more segments. In-flight calls finish.
func (r *Run) Cancel() {
	r.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called
func (r *Run) Cancelled() bool {
	return r.cancelled.Load()
}

// Run starts the workers and returns the event stream. The channel is closed
// once no worker can claim another segment or the run is cancelled.
// Segments without a voice profile id are never dispatched.
func (d *Dispatcher) Run(ctx context.Context, run *Run) <-chan types.SegmentEvent {
	workers := run.Concurrency
	if workers <= 0 {
		workers = d.opts.Concurrency
	}

	// Every attempt emits one running event and every segment one terminal or release event
	events := make(chan types.SegmentEvent, run.Table.Len()*(d.opts.MaxRetries+2)+1)

	log.Printf("[Dispatcher] Job %s: dispatching %d segments with %d workers", run.JobID, run.Table.Dispatchable(), workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				if run.Cancelled() || ctx.Err() != nil {
					return nil
				}
				seg, ok := run.Table.Claim()
				if !ok {
					return nil
				}
				d.process(ctx, run, seg, events)
			}
		})
	}

	go func() {
		g.Wait()
		close(events)
	}()
	return events
}

func (d *Dispatcher) process(ctx context.Context, run *Run, seg types.Segment, events chan<- types.SegmentEvent) {
	engineAttr := metric.WithAttributes(attribute.String("engine", d.engine.Name()))
	maxAttempts := 1 + d.opts.MaxRetries
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt-1) * d.opts.RetryBackoff
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
		}

		n, err := run.Table.Attempt(seg.Order)
		if err != nil {
			log.Printf("[Dispatcher] Job %s: segment %d: %v", run.JobID, seg.Order, err)
			return
		}
		cur, _ := run.Table.Get(seg.Order)
		events <- d.event(run, cur, types.SegmentRunning, n, "")
		d.metrics.SegmentAttempts.Add(ctx, 1, engineAttr)

		ref, durationMs, err := d.synthesize(ctx, run, seg, n)
		if err == nil {
			done, err := run.Table.Complete(seg.Order, ref, durationMs)
			if err != nil {
				log.Printf("[Dispatcher] Job %s: segment %d: %v", run.JobID, seg.Order, err)
				return
			}
			d.metrics.SegmentsCompleted.Add(ctx, 1, engineAttr)
			events <- d.event(run, done, types.SegmentCompleted, n, "")
			return
		}

		lastErr = err
		log.Printf("[Dispatcher] Job %s: segment %d attempt %d/%d failed: %v", run.JobID, seg.Order, n, maxAttempts, err)
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		// The run was torn down; leave the segment for a later resume
		released, err := run.Table.Release(seg.Order)
		if err != nil {
			log.Printf("[Dispatcher] Job %s: segment %d: %v", run.JobID, seg.Order, err)
			return
		}
		events <- d.event(run, released, types.SegmentPending, released.Attempts, "")
		return
	}

	reason := fmt.Sprintf("%s: %v", errorCode(lastErr), lastErr)
	failed, err := run.Table.Fail(seg.Order, reason)
	if err != nil {
		log.Printf("[Dispatcher] Job %s: segment %d: %v", run.JobID, seg.Order, err)
		return
	}
	d.metrics.SegmentsFailed.Add(ctx, 1, engineAttr)
	events <- d.event(run, failed, types.SegmentFailed, failed.Attempts, reason)
}

func (d *Dispatcher) event(run *Run, seg types.Segment, status types.SegmentStatus, attempt int, reason string) types.SegmentEvent {
	return types.SegmentEvent{
		JobID:   run.JobID,
		Order:   seg.Order,
		Status:  status,
		Attempt: attempt,
		Error:   reason,
		Segment: seg,
		At:      time.Now(),
	}
}

// synthesize performs one engine call and stores the validated clip
func (d *Dispatcher) synthesize(ctx context.Context, run *Run, seg types.Segment, attempt int) (string, int64, error) {
	ctx, span := d.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("job.id", run.JobID),
		attribute.Int("segment.order", seg.Order),
		attribute.Int("segment.attempt", attempt),
	))
	defer span.End()

	ref, durationMs, err := d.synthesizeOnce(ctx, run, seg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorCode(err))
	}
	return ref, durationMs, err
}

func (d *Dispatcher) synthesizeOnce(ctx context.Context, run *Run, seg types.Segment) (string, int64, error) {
	profile, ok := d.catalog.Get(seg.VoiceProfileID)
	if !ok || profile.Status != types.ProfileActive {
		return "", 0, fmt.Errorf("%w: %s", ErrProfileUnavailable, seg.VoiceProfileID)
	}

	refs, err := run.references(ctx, d.store, profile)
	if err != nil {
		return "", 0, err
	}

	params := run.Params.Merge(types.DefaultSynthesisParams())
	if profile.Params != nil {
		params = profile.Params.Merge(params)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := d.engine.Synthesize(callCtx, provider.TTSRequest{
		Text:              seg.Text,
		VoiceProfileID:    profile.ID,
		ReferenceAudio:    refs.audio,
		ReferenceFeatures: refs.features,
		Params:            params,
	})
	d.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("engine", d.engine.Name())))
	if err != nil {
		var engErr *provider.EngineError
		if !errors.As(err, &engErr) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = &provider.EngineError{Provider: d.engine.Name(), Code: provider.CodeTimeout, Message: "call timed out", Retryable: true, Err: err}
		}
		return "", 0, err
	}

	if resp == nil || len(resp.AudioData) == 0 {
		return "", 0, &provider.EngineError{Provider: d.engine.Name(), Code: provider.CodeMalformedResponse, Message: "empty audio", Retryable: true}
	}
	track, err := audio.Decode(resp.AudioData)
	if err != nil {
		return "", 0, &provider.EngineError{Provider: d.engine.Name(), Code: provider.CodeMalformedResponse, Message: "undecodable audio", Retryable: true, Err: err}
	}

	ref := util.ClipPath(run.JobID, seg.Order, "wav")
	if err := storage.PutBytes(ctx, d.store, ref, resp.AudioData); err != nil {
		return "", 0, fmt.Errorf("failed to store clip: %w", err)
	}
	return ref, track.DurationMs(), nil
}

// references loads a profile's artifacts, caching them for the run once
// both reads succeed. A missing artifact makes the profile unavailable;
// any other read error is left to the retry policy.
func (r *Run) references(ctx context.Context, store storage.Store, profile types.VoiceProfile) (references, error) {
	r.refMu.Lock()
	ref, ok := r.refs[profile.ID]
	r.refMu.Unlock()
	if ok {
		return ref, nil
	}

	var err error
	if ref.audio, err = storage.ReadAll(ctx, store, profile.ReferenceAudioRef); err != nil {
		return references{}, referenceError("reference audio", err)
	}
	if ref.features, err = storage.ReadAll(ctx, store, profile.ReferenceFeatureRef); err != nil {
		return references{}, referenceError("reference features", err)
	}

	r.refMu.Lock()
	r.refs[profile.ID] = ref
	r.refMu.Unlock()
	return ref, nil
}

func referenceError(what string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s: %v", ErrProfileUnavailable, what, err)
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}

func retryable(err error) bool {
	if errors.Is(err, ErrProfileUnavailable) {
		return false
	}
	return provider.IsRetryable(err)
}

func errorCode(err error) string {
	if errors.Is(err, ErrProfileUnavailable) {
		return provider.CodeInvalidRequest
	}
	return provider.ErrorCode(err)
}
