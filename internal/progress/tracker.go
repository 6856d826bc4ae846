package progress

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

const topicSnapshots = "progress:snapshot"

// ErrUnknownJob is returned for a job the tracker has never seen
var ErrUnknownJob = errors.New("unknown job")

// Publisher pushes snapshots to an external listener
type Publisher interface {
	Name() string
	Publish(ctx context.Context, snap types.ProgressSnapshot) error
	Close() error
}

// Tracker holds the live progress state machine of every job in memory
type Tracker struct {
	mu      sync.Mutex
	jobs    map[string]*jobState
	closed  bool
	bus     evbus.Bus
	timeout time.Duration

	// Snapshots reach the bus through a single forwarder. Each job keeps
	// only its newest unsent snapshot, so a slow publisher never holds up
	// state changes or pulls.
	outbox *outbox
	done   chan struct{}

	pubMu      sync.Mutex
	publishers []Publisher
}

type jobState struct {
	snap     types.ProgressSnapshot
	statuses []types.SegmentStatus
	subs     map[int]chan types.ProgressSnapshot
	nextSub  int
}

// NewTracker creates a new tracker
func NewTracker() *Tracker {
	t := &Tracker{
		jobs:    make(map[string]*jobState),
		bus:     evbus.New(),
		timeout: 5 * time.Second,
		outbox:  newOutbox(),
		done:    make(chan struct{}),
	}
	go t.forward()
	return t
}

func (t *Tracker) forward() {
	defer close(t.done)
	for {
		batch, ok := t.outbox.take()
		if !ok {
			return
		}
		for _, snap := range batch {
			t.bus.Publish(topicSnapshots, snap)
		}
		t.outbox.release()
	}
}

// AddPublisher fans every snapshot out to p. Each publisher receives
// snapshots one at a time in publish order.
func (t *Tracker) AddPublisher(p Publisher) error {
	handler := func(snap types.ProgressSnapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		if err := p.Publish(ctx, snap); err != nil {
			log.Printf("[Tracker] Publisher %s failed for job %s: %v", p.Name(), snap.JobID, err)
		}
	}
	if err := t.bus.SubscribeAsync(topicSnapshots, handler, true); err != nil {
		return fmt.Errorf("failed to subscribe publisher %s: %w", p.Name(), err)
	}
	t.pubMu.Lock()
	t.publishers = append(t.publishers, p)
	t.pubMu.Unlock()
	return nil
}

// Register starts tracking a job in the created state. Registering a known
// job again re-seeds its segment statuses for another dispatch pass; forced
// starts a new generation because completed counts may go down.
func (t *Tracker) Register(jobID string, segments []types.Segment, forced bool) types.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.jobs[jobID]
	if !ok {
		st = &jobState{
			snap: types.ProgressSnapshot{JobID: jobID, Status: types.JobCreated},
			subs: make(map[int]chan types.ProgressSnapshot),
		}
		t.jobs[jobID] = st
	} else if forced {
		st.snap.Generation++
	}

	st.statuses = make([]types.SegmentStatus, len(segments))
	for _, seg := range segments {
		if seg.Order >= 0 && seg.Order < len(st.statuses) {
			st.statuses[seg.Order] = seg.Status
		}
	}
	st.snap.Error = ""
	return t.publishLocked(st)
}

// Observe applies one dispatcher event. Repeated events for a status a
// segment already has change nothing.
func (t *Tracker) Observe(ev types.SegmentEvent) (types.ProgressSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.jobs[ev.JobID]
	if !ok {
		return types.ProgressSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownJob, ev.JobID)
	}
	if ev.Order < 0 || ev.Order >= len(st.statuses) {
		return st.snap, fmt.Errorf("event for unknown segment %d of job %s", ev.Order, ev.JobID)
	}

	changed := st.statuses[ev.Order] != ev.Status
	st.statuses[ev.Order] = ev.Status
	if ev.Status == types.SegmentRunning && st.snap.Status != types.JobRunning {
		st.snap.Status = types.JobRunning
		changed = true
	}
	if !changed {
		return st.snap, nil
	}
	return t.publishLocked(st), nil
}

// Settle moves a job to its terminal status from the segment counts
func (t *Tracker) Settle(jobID string) (types.ProgressSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.jobs[jobID]
	if !ok {
		return types.ProgressSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	recount(st)

	s := &st.snap
	switch {
	case s.Total > 0 && s.CompletedCount == s.Total:
		s.Status = types.JobCompleted
	case s.CompletedCount > 0:
		s.Status = types.JobPartiallyCompleted
	default:
		s.Status = types.JobFailed
		if s.Error == "" {
			s.Error = "no segment completed"
		}
	}
	return t.publishLocked(st), nil
}

// Fail moves a job to failed with a job-level error
func (t *Tracker) Fail(jobID, reason string) (types.ProgressSnapshot, error) {
	return t.setStatus(jobID, types.JobFailed, reason)
}

// Cancel marks a job cancelled; it can be registered again to resume
func (t *Tracker) Cancel(jobID string) (types.ProgressSnapshot, error) {
	return t.setStatus(jobID, types.JobCancelled, "")
}

func (t *Tracker) setStatus(jobID string, status types.JobStatus, reason string) (types.ProgressSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.jobs[jobID]
	if !ok {
		return types.ProgressSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	st.snap.Status = status
	st.snap.Error = reason
	return t.publishLocked(st), nil
}

// Snapshot returns the latest snapshot of a job
func (t *Tracker) Snapshot(jobID string) (types.ProgressSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.jobs[jobID]
	if !ok {
		return types.ProgressSnapshot{}, false
	}
	return copySnapshot(st.snap), true
}

// Subscribe returns a channel that always holds the newest snapshot of a
// job. Older undelivered snapshots are replaced, never queued.
func (t *Tracker) Subscribe(jobID string) (<-chan types.ProgressSnapshot, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.jobs[jobID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	id := st.nextSub
	st.nextSub++
	ch := make(chan types.ProgressSnapshot, 1)
	ch <- copySnapshot(st.snap)
	st.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(st.subs, id)
			close(ch)
		})
	}
	return ch, unsubscribe, nil
}

// Forget drops a job's state and closes its subscriptions
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.jobs[jobID]; ok {
		for id, ch := range st.subs {
			delete(st.subs, id)
			close(ch)
		}
		delete(t.jobs, jobID)
	}
}

// Wait blocks until every publisher has handled the newest snapshot of
// every job published so far
func (t *Tracker) Wait() {
	t.outbox.drain()
	t.bus.WaitAsync()
}

// Close flushes pending snapshots and closes all publishers
func (t *Tracker) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		t.outbox.close()
	}
	t.mu.Unlock()
	<-t.done
	t.bus.WaitAsync()

	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	var errs []error
	for _, p := range t.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	t.publishers = nil
	return errors.Join(errs...)
}

// publishLocked recounts, stamps and fans out the current snapshot
func (t *Tracker) publishLocked(st *jobState) types.ProgressSnapshot {
	recount(st)
	st.snap.Sequence++
	st.snap.UpdatedAt = time.Now()
	snap := copySnapshot(st.snap)

	for _, ch := range st.subs {
		select {
		case <-ch:
		default:
		}
		ch <- copySnapshot(snap)
	}
	if !t.closed {
		t.outbox.put(copySnapshot(snap))
	}
	return snap
}

func recount(st *jobState) {
	s := &st.snap
	s.Total = len(st.statuses)
	s.CompletedCount, s.FailedCount, s.RunningCount, s.PendingCount = 0, 0, 0, 0
	s.FailedOrders = nil
	for order, status := range st.statuses {
		switch status {
		case types.SegmentCompleted:
			s.CompletedCount++
		case types.SegmentFailed:
			s.FailedCount++
			s.FailedOrders = append(s.FailedOrders, order)
		case types.SegmentRunning:
			s.RunningCount++
		default:
			s.PendingCount++
		}
	}
	s.Percentage = 0
	if s.Total > 0 {
		s.Percentage = float64(s.CompletedCount+s.FailedCount) / float64(s.Total) * 100
	}
}

func copySnapshot(s types.ProgressSnapshot) types.ProgressSnapshot {
	if s.FailedOrders != nil {
		s.FailedOrders = append([]int(nil), s.FailedOrders...)
	}
	return s
}

// outbox is a per-job latest-value queue between the tracker and the
// forwarder. put never blocks on publishers.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	latest map[string]types.ProgressSnapshot
	order  []string
	busy   bool
	closed bool
}

func newOutbox() *outbox {
	o := &outbox{latest: make(map[string]types.ProgressSnapshot)}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbox) put(snap types.ProgressSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, queued := o.latest[snap.JobID]; !queued {
		o.order = append(o.order, snap.JobID)
	}
	o.latest[snap.JobID] = snap
	o.cond.Broadcast()
}

// take waits for queued snapshots and hands them out in first-queued order.
// It returns false once the outbox is closed and empty.
func (o *outbox) take() ([]types.ProgressSnapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.order) == 0 && !o.closed {
		o.cond.Wait()
	}
	if len(o.order) == 0 {
		return nil, false
	}
	batch := make([]types.ProgressSnapshot, 0, len(o.order))
	for _, jobID := range o.order {
		batch = append(batch, o.latest[jobID])
		delete(o.latest, jobID)
	}
	o.order = o.order[:0]
	o.busy = true
	return batch, true
}

func (o *outbox) release() {
	o.mu.Lock()
	o.busy = false
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *outbox) drain() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.order) > 0 || o.busy {
		o.cond.Wait()
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}
