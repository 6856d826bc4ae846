package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/unalkalkan/TwelveNarrator/internal/audio"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

const stubSampleRate = 24000

// StubLLMProvider returns the whole paragraph as one narration span
type StubLLMProvider struct {
	name   string
	config types.LLMProviderConfig
}

// NewStubLLMProvider creates a new stub LLM provider
func NewStubLLMProvider(config types.LLMProviderConfig) *StubLLMProvider {
	return &StubLLMProvider{name: config.Name, config: config}
}

func (s *StubLLMProvider) Name() string {
	return s.name
}

func (s *StubLLMProvider) Segment(ctx context.Context, req SegmentRequest) (*SegmentResponse, error) {
	return &SegmentResponse{
		Segments: []Segment{{
			Text:    strings.TrimSpace(req.Text),
			Speaker: types.SpeakerNarration,
			Kind:    string(types.KindNarration),
		}},
	}, nil
}

func (s *StubLLMProvider) Close() error {
	return nil
}

// StubTTSProvider renders a tone whose length follows the text length
type StubTTSProvider struct {
	name   string
	config types.TTSProviderConfig
}

// NewStubTTSProvider creates a new stub TTS provider
func NewStubTTSProvider(config types.TTSProviderConfig) *StubTTSProvider {
	return &StubTTSProvider{name: config.Name, config: config}
}

func (s *StubTTSProvider) Name() string {
	return s.name
}

// StubClipMs is the clip length the stub engine produces for text
func StubClipMs(text string) int64 {
	return 200 + 50*int64(len([]rune(strings.TrimSpace(text))))
}

func (s *StubTTSProvider) Synthesize(ctx context.Context, req TTSRequest) (*TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &EngineError{Provider: s.name, Code: CodeInvalidRequest, Message: "empty text"}
	}
	h := fnv.New32a()
	h.Write([]byte(req.VoiceProfileID))
	freq := 180 + float64(h.Sum32()%200)

	data, err := audio.EncodeBytes(audio.Sine(stubSampleRate, freq, StubClipMs(req.Text), 0.3), os.TempDir())
	if err != nil {
		return nil, &EngineError{Provider: s.name, Code: CodeEngineError, Message: "stub encode failed", Err: err}
	}
	return &TTSResponse{AudioData: data, Format: "wav", SampleRate: stubSampleRate}, nil
}

func (s *StubTTSProvider) Close() error {
	return nil
}

// StubEnvironmentProvider renders a quiet low tone for every prompt
type StubEnvironmentProvider struct {
	name   string
	config types.EnvironmentProviderConfig
}

// NewStubEnvironmentProvider creates a new stub environment provider
func NewStubEnvironmentProvider(config types.EnvironmentProviderConfig) *StubEnvironmentProvider {
	return &StubEnvironmentProvider{name: config.Name, config: config}
}

func (s *StubEnvironmentProvider) Name() string {
	return s.name
}

func (s *StubEnvironmentProvider) Generate(ctx context.Context, req EnvironmentRequest) (*EnvironmentResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &EngineError{Provider: s.name, Code: CodeInvalidRequest, Message: "empty prompt"}
	}
	ms := int64(ClampEnvironmentSeconds(req.DurationSeconds) * 1000)
	data, err := audio.EncodeBytes(audio.Sine(stubSampleRate, 60, ms, 0.1), os.TempDir())
	if err != nil {
		return nil, fmt.Errorf("stub environment encode: %w", err)
	}
	return &EnvironmentResponse{AudioData: data, Format: "wav", SampleRate: stubSampleRate}, nil
}

func (s *StubEnvironmentProvider) Close() error {
	return nil
}
