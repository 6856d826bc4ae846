package assembly

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unalkalkan/TwelveNarrator/internal/audio"
	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/internal/telemetry"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// SegmentAudioError means the clip of a completed segment is missing or
// unreadable. It is fatal to the job since skipping it would shift every
// later offset.
type SegmentAudioError struct {
	Order int
	Ref   string
	Err   error
}

func (e *SegmentAudioError) Error() string {
	return fmt.Sprintf("segment %d audio %q: %v", e.Order, e.Ref, e.Err)
}

func (e *SegmentAudioError) Unwrap() error {
	return e.Err
}

// Options controls track layout
type Options struct {
	SampleRate     int   // output rate; clips are resampled to it
	GapSilenceMs   int64 // silence standing in for a segment without audio
	SegmentPauseMs int64 // silence between consecutive segments
}

// Placement is where one segment landed on the track
type Placement struct {
	Order       int                 `json:"order"`
	Status      types.SegmentStatus `json:"status"`
	Silence     bool                `json:"silence"`
	StartSample int                 `json:"start_sample"`
	Samples     int                 `json:"samples"`
	StartMs     int64               `json:"start_ms"`
	DurationMs  int64               `json:"duration_ms"`
}

// CuePlacement is where one environment cue was mixed
type CuePlacement struct {
	Index       int    `json:"index"`
	SoundRef    string `json:"sound_ref"`
	StartSample int    `json:"start_sample"`
	Samples     int    `json:"samples"`
	StartMs     int64  `json:"start_ms"`
	DurationMs  int64  `json:"duration_ms"`
	Truncated   bool   `json:"truncated,omitempty"`
	Skipped     bool   `json:"skipped,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Result is the mixed track with its timeline
type Result struct {
	Track      *audio.Track
	Placements []Placement
	Cues       []CuePlacement
	DurationMs int64
}

// Assembler concatenates segment clips in order and mixes environment cues
type Assembler struct {
	store   storage.Store
	opts    Options
	metrics *telemetry.Metrics
}

// NewAssembler creates a new assembler
func NewAssembler(store storage.Store, opts Options) *Assembler {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	if opts.GapSilenceMs < 0 {
		opts.GapSilenceMs = 0
	}
	if opts.SegmentPauseMs < 0 {
		opts.SegmentPauseMs = 0
	}
	return &Assembler{store: store, opts: opts, metrics: telemetry.Global()}
}

// Assemble builds the chapter track. Only completed segments contribute
// audio; every other segment is replaced by GapSilenceMs of silence so the
// offsets of later segments do not depend on which ones failed.
func (a *Assembler) Assemble(ctx context.Context, job *types.SynthesisJob, cues []types.EnvironmentCue) (*Result, error) {
	start := time.Now()
	rate := a.opts.SampleRate

	segments := make([]types.Segment, len(job.Segments))
	copy(segments, job.Segments)
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Order < segments[j].Order })

	track := &audio.Track{SampleRate: rate}
	placements := make([]Placement, 0, len(segments))
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := Placement{Order: seg.Order, Status: seg.Status, StartSample: track.Len()}
		if seg.Status == types.SegmentCompleted {
			clip, err := a.loadClip(ctx, seg)
			if err != nil {
				return nil, err
			}
			track.Samples = append(track.Samples, clip.Samples...)
			p.Samples = clip.Len()
		} else {
			gap := audio.SamplesForMs(rate, a.opts.GapSilenceMs)
			track.Samples = append(track.Samples, make([]float64, gap)...)
			p.Samples = gap
			p.Silence = true
		}
		p.StartMs = samplesToMs(rate, p.StartSample)
		p.DurationMs = samplesToMs(rate, p.Samples)
		placements = append(placements, p)

		if i < len(segments)-1 && a.opts.SegmentPauseMs > 0 {
			track.Samples = append(track.Samples, make([]float64, audio.SamplesForMs(rate, a.opts.SegmentPauseMs))...)
		}
	}

	cuePlacements, err := a.mixCues(ctx, track, cues)
	if err != nil {
		return nil, err
	}

	a.metrics.AssemblyDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Int("segments", len(segments)), attribute.Int("cues", len(cues))))
	log.Printf("[Assembler] Job %s: %d segments, %d cues, %dms", job.ID, len(segments), len(cues), track.DurationMs())

	return &Result{
		Track:      track,
		Placements: placements,
		Cues:       cuePlacements,
		DurationMs: track.DurationMs(),
	}, nil
}

func (a *Assembler) loadClip(ctx context.Context, seg types.Segment) (*audio.Track, error) {
	if seg.AudioRef == "" {
		return nil, &SegmentAudioError{Order: seg.Order, Err: errors.New("completed segment has no audio reference")}
	}
	data, err := storage.ReadAll(ctx, a.store, seg.AudioRef)
	if err != nil {
		return nil, &SegmentAudioError{Order: seg.Order, Ref: seg.AudioRef, Err: err}
	}
	clip, err := audio.Decode(data)
	if err != nil {
		return nil, &SegmentAudioError{Order: seg.Order, Ref: seg.AudioRef, Err: err}
	}
	return audio.Resample(clip, a.opts.SampleRate), nil
}

// mixCues adds cues onto track in start order. Cues are never allowed to
// extend the track; the part past the end is cut and fades apply to what remains.
func (a *Assembler) mixCues(ctx context.Context, track *audio.Track, cues []types.EnvironmentCue) ([]CuePlacement, error) {
	if len(cues) == 0 {
		return nil, nil
	}
	for i, cue := range cues {
		if err := cue.Validate(); err != nil {
			return nil, fmt.Errorf("environment cue %d: %w", i, err)
		}
	}

	idx := make([]int, len(cues))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool { return cues[idx[x]].StartOffsetMs < cues[idx[y]].StartOffsetMs })

	rate := track.SampleRate
	total := track.Len()
	out := make([]CuePlacement, 0, len(cues))

	for _, i := range idx {
		cue := cues[i]
		p := CuePlacement{Index: i, SoundRef: cue.SoundRef}

		startSample := audio.SamplesForMs(rate, cue.StartOffsetMs)
		want := audio.SamplesForMs(rate, cue.DurationMs)
		if startSample >= total {
			p.Skipped = true
			p.Reason = "starts after track end"
			out = append(out, p)
			continue
		}
		n := want
		if startSample+n > total {
			n = total - startSample
			p.Truncated = true
		}

		sound, err := a.loadSound(ctx, cue.SoundRef)
		if err != nil {
			log.Printf("[Assembler] Skipping cue %d (%s): %v", i, cue.SoundRef, err)
			p.Skipped = true
			p.Reason = err.Error()
			out = append(out, p)
			continue
		}

		gain := audio.DBToGain(cue.GainDB)
		fadeIn := audio.SamplesForMs(rate, cue.FadeInMs)
		fadeOut := audio.SamplesForMs(rate, cue.FadeOutMs)
		for j := 0; j < n; j++ {
			env := gain
			if fadeIn > 0 && j < fadeIn {
				env *= float64(j) / float64(fadeIn)
			}
			if fadeOut > 0 && j >= n-fadeOut {
				env *= float64(n-j) / float64(fadeOut)
			}
			track.Samples[startSample+j] += sound.Samples[j%sound.Len()] * env
		}

		p.StartSample = startSample
		p.Samples = n
		p.StartMs = samplesToMs(rate, startSample)
		p.DurationMs = samplesToMs(rate, n)
		out = append(out, p)
	}
	return out, nil
}

func (a *Assembler) loadSound(ctx context.Context, ref string) (*audio.Track, error) {
	data, err := storage.ReadAll(ctx, a.store, ref)
	if err != nil {
		return nil, err
	}
	sound, err := audio.Decode(data)
	if err != nil {
		return nil, err
	}
	sound = audio.Resample(sound, a.opts.SampleRate)
	if sound.Len() == 0 {
		return nil, errors.New("empty cue audio")
	}
	return sound, nil
}

func samplesToMs(rate, samples int) int64 {
	if rate <= 0 {
		return 0
	}
	return int64(samples) * 1000 / int64(rate)
}
