package provider

import (
	"context"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// LLMProvider is a language model that can attribute paragraph text to speakers
type LLMProvider interface {
	// Name returns the provider name
	Name() string

	// Segment splits a paragraph into speaker-attributed spans
	Segment(ctx context.Context, req SegmentRequest) (*SegmentResponse, error)

	// Close cleans up resources
	Close() error
}

// SegmentRequest contains the paragraph and context for attribution
type SegmentRequest struct {
	Text          string   // Paragraph to segment
	ContextBefore []string // Previous paragraphs for context
	ContextAfter  []string // Following paragraphs for context
	KnownSpeakers []string // Speakers already seen in the chapter
}

// SegmentResponse contains the attribution result
type SegmentResponse struct {
	Segments []Segment
}

// Segment is one span returned by the model
type Segment struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
	Kind    string `json:"kind"` // "dialogue" or "narration"
}

// TTSProvider is a voice-cloning TTS engine
type TTSProvider interface {
	// Name returns the provider name
	Name() string

	// Synthesize renders text in the voice described by the reference artifacts
	Synthesize(ctx context.Context, req TTSRequest) (*TTSResponse, error)

	// Close cleans up resources
	Close() error
}

// TTSRequest is one synthesis call; params are passed through untouched
type TTSRequest struct {
	Text              string
	VoiceProfileID    string
	ReferenceAudio    []byte
	ReferenceFeatures []byte
	Params            types.SynthesisParams
}

// TTSResponse carries the synthesized clip
type TTSResponse struct {
	AudioData  []byte
	Format     string // "wav"
	SampleRate int
}

// EnvironmentProvider generates ambient sound from a text prompt
type EnvironmentProvider interface {
	Name() string

	Generate(ctx context.Context, req EnvironmentRequest) (*EnvironmentResponse, error)

	Close() error
}

// EnvironmentRequest describes the sound to generate
type EnvironmentRequest struct {
	Prompt          string
	DurationSeconds float64
	Steps           int
}

// EnvironmentResponse carries the generated sound
type EnvironmentResponse struct {
	AudioData  []byte
	Format     string
	SampleRate int
}

// HealthChecker is implemented by engines that expose a health probe
type HealthChecker interface {
	Health(ctx context.Context) error
}
