package segmentation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/unalkalkan/TwelveNarrator/internal/provider"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// ErrUnfaithfulOutput is returned when model spans do not reproduce the paragraph text
var ErrUnfaithfulOutput = errors.New("classifier output does not match paragraph")

// ModelClassifier delegates attribution to an LLM provider
type ModelClassifier struct {
	llm provider.LLMProvider
}

// NewModelClassifier wraps an LLM provider as a classifier
func NewModelClassifier(llm provider.LLMProvider) *ModelClassifier {
	return &ModelClassifier{llm: llm}
}

// Classify asks the model for spans and checks them against the paragraph
func (m *ModelClassifier) Classify(ctx context.Context, paragraph string, hint Hint) ([]Span, error) {
	resp, err := m.llm.Segment(ctx, provider.SegmentRequest{
		Text:          paragraph,
		ContextBefore: hint.ContextBefore,
		ContextAfter:  hint.ContextAfter,
		KnownSpeakers: hint.KnownSpeakers,
	})
	if err != nil {
		return nil, fmt.Errorf("model classification failed: %w", err)
	}

	spans := make([]Span, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		kind := types.SegmentKind(seg.Kind)
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: invalid kind %q", provider.ErrMalformedOutput, seg.Kind)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		speaker := normalizeSpeaker(seg.Speaker, kind)
		if kind == types.KindNarration {
			speaker = types.SpeakerNarration
		}
		spans = append(spans, Span{Speaker: speaker, Text: text, Kind: kind})
	}

	if err := checkFaithful(paragraph, spans); err != nil {
		return nil, err
	}
	return spans, nil
}

// checkFaithful requires every span to occur in the paragraph, in order
func checkFaithful(paragraph string, spans []Span) error {
	if len(spans) == 0 {
		return fmt.Errorf("%w: no spans", ErrUnfaithfulOutput)
	}
	cursor := 0
	for i, span := range spans {
		idx := strings.Index(paragraph[cursor:], span.Text)
		if idx < 0 {
			return fmt.Errorf("%w: span %d not found in order", ErrUnfaithfulOutput, i)
		}
		cursor += idx + len(span.Text)
	}
	return nil
}
