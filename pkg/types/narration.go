package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Reserved speaker names produced by the segment extractor
const (
	SpeakerNarration = "narration"
	SpeakerUnknown   = "unknown"
)

// SegmentKind tells dialogue apart from narration
type SegmentKind string

const (
	KindDialogue  SegmentKind = "dialogue"
	KindNarration SegmentKind = "narration"
)

// Valid reports whether k is a known kind
func (k SegmentKind) Valid() bool {
	return k == KindDialogue || k == KindNarration
}

// SegmentStatus is the synthesis state of a single segment
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentRunning   SegmentStatus = "running"
	SegmentCompleted SegmentStatus = "completed"
	SegmentFailed    SegmentStatus = "failed"
)

// Terminal reports whether no further transition happens without a reset
func (s SegmentStatus) Terminal() bool {
	return s == SegmentCompleted || s == SegmentFailed
}

// JobStatus is the lifecycle state of a synthesis job
type JobStatus string

const (
	JobCreated            JobStatus = "created"
	JobRunning            JobStatus = "running"
	JobCompleted          JobStatus = "completed"
	JobPartiallyCompleted JobStatus = "partially_completed"
	JobFailed             JobStatus = "failed"
	// JobCancelled is resumable: completed segments are kept.
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job reached a final state
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartiallyCompleted, JobFailed:
		return true
	}
	return false
}

// Segment is one speaker-attributed span of chapter text destined for one TTS call
type Segment struct {
	Order          int           `json:"order"`
	Speaker        string        `json:"speaker"`
	Text           string        `json:"text"`
	Kind           SegmentKind   `json:"kind"`
	VoiceProfileID string        `json:"voice_profile_id,omitempty"`
	Status         SegmentStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	AudioRef       string        `json:"audio_ref,omitempty"`
	Attempts       int           `json:"attempts,omitempty"`
	DurationMs     int64         `json:"duration_ms,omitempty"`
}

// ProfileStatus marks whether a voice profile may be used
type ProfileStatus string

const (
	ProfileActive   ProfileStatus = "active"
	ProfileDisabled ProfileStatus = "disabled"
)

// VoiceProfile is a cloned voice: reference audio plus derived acoustic features
type VoiceProfile struct {
	ID                  string           `json:"id" yaml:"id"`
	DisplayName         string           `json:"display_name" yaml:"display_name"`
	ReferenceAudioRef   string           `json:"reference_audio_ref" yaml:"reference_audio_ref"`
	ReferenceFeatureRef string           `json:"reference_feature_ref" yaml:"reference_feature_ref"`
	Status              ProfileStatus    `json:"status" yaml:"status"`
	Params              *SynthesisParams `json:"params,omitempty" yaml:"params,omitempty"`
}

// SynthesisParams are numeric knobs passed through to the TTS engine untouched
type SynthesisParams struct {
	TimeStep int               `json:"time_step" yaml:"time_step"`
	PWeight  float64           `json:"p_weight" yaml:"p_weight"`
	TWeight  float64           `json:"t_weight" yaml:"t_weight"`
	Extra    map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// DefaultSynthesisParams returns the engine defaults used when nothing else is set
func DefaultSynthesisParams() SynthesisParams {
	return SynthesisParams{TimeStep: 32, PWeight: 1.4, TWeight: 3.0}
}

// Merge returns p with zero fields filled from fallback
func (p SynthesisParams) Merge(fallback SynthesisParams) SynthesisParams {
	out := p
	if out.TimeStep <= 0 {
		out.TimeStep = fallback.TimeStep
	}
	if out.PWeight <= 0 {
		out.PWeight = fallback.PWeight
	}
	if out.TWeight <= 0 {
		out.TWeight = fallback.TWeight
	}
	if len(fallback.Extra) > 0 {
		extra := make(map[string]string, len(fallback.Extra)+len(p.Extra))
		for k, v := range fallback.Extra {
			extra[k] = v
		}
		for k, v := range p.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}

// SpeakerMapping maps trimmed, case-sensitive speaker names to voice profile ids.
// The zero value is an empty mapping. Values are never mutated after construction.
type SpeakerMapping struct {
	entries map[string]string
}

// NewSpeakerMapping validates raw and builds an immutable mapping
func NewSpeakerMapping(raw map[string]string) (SpeakerMapping, error) {
	entries := make(map[string]string, len(raw))
	for name, id := range raw {
		speaker := strings.TrimSpace(name)
		if speaker == "" {
			return SpeakerMapping{}, fmt.Errorf("speaker mapping: empty speaker name")
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return SpeakerMapping{}, fmt.Errorf("speaker mapping: empty voice profile id for %q", speaker)
		}
		if prev, dup := entries[speaker]; dup && prev != id {
			return SpeakerMapping{}, fmt.Errorf("speaker mapping: %q maps to both %q and %q", speaker, prev, id)
		}
		entries[speaker] = id
	}
	return SpeakerMapping{entries: entries}, nil
}

// Lookup returns the profile id mapped to speaker
func (m SpeakerMapping) Lookup(speaker string) (string, bool) {
	id, ok := m.entries[strings.TrimSpace(speaker)]
	return id, ok
}

// Len returns the number of mapped speakers
func (m SpeakerMapping) Len() int {
	return len(m.entries)
}

// Speakers returns the mapped speaker names, sorted
func (m SpeakerMapping) Speakers() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the underlying entries
func (m SpeakerMapping) Map() map[string]string {
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// WithFallback returns a new mapping that assigns profileID to every listed
// speaker that is not mapped yet. The receiver is left untouched.
func (m SpeakerMapping) WithFallback(speakers []string, profileID string) SpeakerMapping {
	out := m.Map()
	for _, s := range speakers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := out[s]; !ok {
			out[s] = profileID
		}
	}
	return SpeakerMapping{entries: out}
}

// MarshalJSON encodes the mapping as a plain object
func (m SpeakerMapping) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Map())
}

// UnmarshalJSON decodes and validates a plain object
func (m *SpeakerMapping) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("speaker mapping: %w", err)
	}
	parsed, err := NewSpeakerMapping(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// EnvironmentCue places a generated environment sound on the chapter timeline
type EnvironmentCue struct {
	StartOffsetMs int64   `json:"start_offset_ms"`
	DurationMs    int64   `json:"duration_ms"`
	SoundRef      string  `json:"sound_ref"`
	GainDB        float64 `json:"gain_db"`
	FadeInMs      int64   `json:"fade_in_ms"`
	FadeOutMs     int64   `json:"fade_out_ms"`
}

// Validate checks the cue for negative or missing fields
func (c EnvironmentCue) Validate() error {
	if c.SoundRef == "" {
		return fmt.Errorf("cue has no sound_ref")
	}
	if c.StartOffsetMs < 0 || c.DurationMs <= 0 {
		return fmt.Errorf("cue %s: invalid offset %d or duration %d", c.SoundRef, c.StartOffsetMs, c.DurationMs)
	}
	if c.FadeInMs < 0 || c.FadeOutMs < 0 {
		return fmt.Errorf("cue %s: negative fade", c.SoundRef)
	}
	return nil
}

// CueRequest asks the environment engine for a sound to place on the timeline
type CueRequest struct {
	Prompt        string  `json:"prompt"`
	StartOffsetMs int64   `json:"start_offset_ms"`
	DurationMs    int64   `json:"duration_ms"`
	GainDB        float64 `json:"gain_db"`
	FadeInMs      int64   `json:"fade_in_ms"`
	FadeOutMs     int64   `json:"fade_out_ms"`
}

// SynthesisJob is one chapter's segments plus the mapping they are voiced with
type SynthesisJob struct {
	ID               string           `json:"job_id"`
	Title            string           `json:"title,omitempty"`
	Segments         []Segment        `json:"segments"`
	Mapping          SpeakerMapping   `json:"speaker_mapping"`
	ConcurrencyLimit int              `json:"concurrency_limit"`
	Params           SynthesisParams  `json:"synthesis_params"`
	Cues             []EnvironmentCue `json:"environment_cues,omitempty"`
	Status           JobStatus        `json:"status"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// FailedOrders lists the orders of failed segments
func (j *SynthesisJob) FailedOrders() []int {
	var out []int
	for _, s := range j.Segments {
		if s.Status == SegmentFailed {
			out = append(out, s.Order)
		}
	}
	return out
}

// SegmentEvent reports a segment status change from the dispatcher
type SegmentEvent struct {
	JobID   string        `json:"job_id"`
	Order   int           `json:"order"`
	Status  SegmentStatus `json:"status"`
	Attempt int           `json:"attempt"`
	Error   string        `json:"error,omitempty"`
	Segment Segment       `json:"segment"`
	At      time.Time     `json:"at"`
}

// ProgressSnapshot is the authoritative progress view of a job at a point in time
type ProgressSnapshot struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	Total          int       `json:"total"`
	CompletedCount int       `json:"completed_count"`
	FailedCount    int       `json:"failed_count"`
	RunningCount   int       `json:"running_count"`
	PendingCount   int       `json:"pending_count"`
	Percentage     float64   `json:"percentage"` // 0-100
	FailedOrders   []int     `json:"failed_orders,omitempty"`
	Error          string    `json:"error,omitempty"`
	Generation     int       `json:"generation"`
	Sequence       uint64    `json:"sequence"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SegmentOutcome is the per-segment status handed to the persistence layer
type SegmentOutcome struct {
	Order      int           `json:"order"`
	Speaker    string        `json:"speaker"`
	Status     SegmentStatus `json:"status"`
	AudioRef   string        `json:"audio_ref,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartMs    int64         `json:"start_ms"`
	DurationMs int64         `json:"duration_ms"`
}

// JobResult is what a finished run returns to the caller
type JobResult struct {
	JobID         string           `json:"job_id"`
	Status        JobStatus        `json:"status"`
	FinalAudioRef string           `json:"final_audio_ref,omitempty"`
	ManifestRef   string           `json:"manifest_ref,omitempty"`
	DurationMs    int64            `json:"duration_ms"`
	Segments      []SegmentOutcome `json:"segments"`
	FailedOrders  []int            `json:"failed_orders,omitempty"`
	Unresolved    []string         `json:"unresolved_speakers,omitempty"`
	SkippedCues   []string         `json:"skipped_cues,omitempty"`
	Error         string           `json:"error,omitempty"`
	FinishedAt    time.Time        `json:"finished_at"`
}
