package segmentation

import (
	"context"
	"strings"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// Span is one speaker-attributed piece of a paragraph
type Span struct {
	Speaker string
	Text    string
	Kind    types.SegmentKind
}

// Hint carries chapter context a classifier may use
type Hint struct {
	PreviousSpeaker string   // last named dialogue speaker before this paragraph
	KnownSpeakers   []string // named speakers seen so far, in order of appearance
	ContextBefore   []string
	ContextAfter    []string
}

// Classifier splits one paragraph into attributed spans in text order
type Classifier interface {
	Classify(ctx context.Context, paragraph string, hint Hint) ([]Span, error)
}

// normalizeSpeaker maps narrator and unknown spellings onto the reserved names
func normalizeSpeaker(name string, kind types.SegmentKind) string {
	name = strings.TrimSpace(name)
	switch strings.ToLower(name) {
	case "":
		if kind == types.KindNarration {
			return types.SpeakerNarration
		}
		return types.SpeakerUnknown
	case "narration", "narrator", "旁白", "叙述":
		return types.SpeakerNarration
	case "unknown", "未知", "?":
		return types.SpeakerUnknown
	}
	return name
}
