package segmentation

import (
	"context"
	"log"
	"time"

	"github.com/unalkalkan/TwelveNarrator/internal/parser"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

const (
	// DefaultModelTimeout bounds a single model classification call
	DefaultModelTimeout = 15 * time.Second
	// DefaultContextWindow is how many neighbouring paragraphs are passed as context
	DefaultContextWindow = 2
)

// Service turns chapter text into ordered, attributed segments
type Service struct {
	rules         *RuleClassifier
	model         Classifier
	modelTimeout  time.Duration
	modelForAll   bool
	contextWindow int
}

// Option configures a Service
type Option func(*Service)

// WithModel enables a model classifier. By default it is consulted only for
// paragraphs the rules leave with an unknown speaker.
func WithModel(c Classifier, timeout time.Duration) Option {
	return func(s *Service) {
		s.model = c
		if timeout > 0 {
			s.modelTimeout = timeout
		}
	}
}

// WithModelForAll sends every paragraph containing a quote to the model
func WithModelForAll() Option {
	return func(s *Service) {
		s.modelForAll = true
	}
}

// WithContextWindow sets how many paragraphs before and after are passed as hints
func WithContextWindow(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.contextWindow = n
		}
	}
}

// NewService creates a new segment extractor
func NewService(opts ...Option) *Service {
	s := &Service{
		rules:         NewRuleClassifier(),
		modelTimeout:  DefaultModelTimeout,
		contextWindow: DefaultContextWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Extract splits text into paragraphs and classifies each of them.
// Orders are dense from 0 and every segment starts pending.
func (s *Service) Extract(ctx context.Context, text string) []types.Segment {
	return s.ExtractParagraphs(ctx, parser.SplitParagraphs(text))
}

// ExtractParagraphs classifies already split paragraphs
func (s *Service) ExtractParagraphs(ctx context.Context, paragraphs []string) []types.Segment {
	segments := make([]types.Segment, 0, len(paragraphs))
	var known []string
	seen := make(map[string]bool)
	previous := ""

	for i, paragraph := range paragraphs {
		hint := Hint{
			PreviousSpeaker: previous,
			KnownSpeakers:   append([]string(nil), known...),
			ContextBefore:   window(paragraphs, i-s.contextWindow, i),
			ContextAfter:    window(paragraphs, i+1, i+1+s.contextWindow),
		}

		for _, span := range s.classify(ctx, paragraph, hint) {
			segments = append(segments, types.Segment{
				Order:   len(segments),
				Speaker: span.Speaker,
				Text:    span.Text,
				Kind:    span.Kind,
				Status:  types.SegmentPending,
			})
			if span.Kind != types.KindDialogue || span.Speaker == types.SpeakerUnknown {
				continue
			}
			previous = span.Speaker
			if !seen[span.Speaker] {
				seen[span.Speaker] = true
				known = append(known, span.Speaker)
			}
		}
	}
	return segments
}

func (s *Service) classify(ctx context.Context, paragraph string, hint Hint) []Span {
	spans, _ := s.rules.Classify(ctx, paragraph, hint)
	if s.model == nil || !s.needsModel(spans) {
		return spans
	}

	mctx, cancel := context.WithTimeout(ctx, s.modelTimeout)
	defer cancel()

	modelSpans, err := s.model.Classify(mctx, paragraph, hint)
	if err != nil {
		log.Printf("[Segmentation] Model classification failed, using rules: %v", err)
		return spans
	}
	return modelSpans
}

func (s *Service) needsModel(spans []Span) bool {
	for _, span := range spans {
		if span.Kind != types.KindDialogue {
			continue
		}
		if s.modelForAll || span.Speaker == types.SpeakerUnknown {
			return true
		}
	}
	return false
}

func window(paragraphs []string, from, to int) []string {
	if from < 0 {
		from = 0
	}
	if to > len(paragraphs) {
		to = len(paragraphs)
	}
	if from >= to {
		return nil
	}
	return append([]string(nil), paragraphs[from:to]...)
}

// SpeakerStat summarizes one speaker found in a segment list
type SpeakerStat struct {
	Speaker    string `json:"speaker"`
	Lines      int    `json:"lines"`
	FirstOrder int    `json:"first_order"`
}

// DiscoverSpeakers lists speakers in order of first appearance, reserved names included
func DiscoverSpeakers(segments []types.Segment) []SpeakerStat {
	var stats []SpeakerStat
	index := make(map[string]int)
	for _, seg := range segments {
		if i, ok := index[seg.Speaker]; ok {
			stats[i].Lines++
			continue
		}
		index[seg.Speaker] = len(stats)
		stats = append(stats, SpeakerStat{Speaker: seg.Speaker, Lines: 1, FirstOrder: seg.Order})
	}
	return stats
}
