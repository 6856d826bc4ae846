package segmentation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode"

	"github.com/unalkalkan/TwelveNarrator/internal/provider"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

type wantSpan struct {
	speaker string
	text    string
	kind    types.SegmentKind
}

func checkSegments(t *testing.T, got []types.Segment, want []wantSpan) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %d segments, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		g := got[i]
		if g.Order != i {
			t.Errorf("Segment %d: expected order %d, got %d", i, i, g.Order)
		}
		if g.Speaker != w.speaker || g.Text != w.text || g.Kind != w.kind {
			t.Errorf("Segment %d: expected (%s, %q, %s), got (%s, %q, %s)",
				i, w.speaker, w.text, w.kind, g.Speaker, g.Text, g.Kind)
		}
		if g.Status != types.SegmentPending {
			t.Errorf("Segment %d: expected pending status, got %s", i, g.Status)
		}
	}
}

func TestExtract_PreCueAndNarration(t *testing.T) {
	svc := NewService()
	got := svc.Extract(context.Background(), `A说："你好。"他笑了笑。`)
	checkSegments(t, got, []wantSpan{
		{"A", "你好。", types.KindDialogue},
		{types.SpeakerNarration, "他笑了笑。", types.KindNarration},
	})
}

func TestExtract_Cases(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []wantSpan
	}{
		{
			name: "curly quotes with pre cue",
			text: "张三说道：“今天天气不错。”",
			want: []wantSpan{{"张三", "今天天气不错。", types.KindDialogue}},
		},
		{
			name: "post cue with continuation",
			text: "“你好，”张三说，“今天天气不错。”",
			want: []wantSpan{
				{"张三", "你好，", types.KindDialogue},
				{"张三", "今天天气不错。", types.KindDialogue},
			},
		},
		{
			name: "manner words are trimmed",
			text: "李四笑着说：「走吧。」",
			want: []wantSpan{{"李四", "走吧。", types.KindDialogue}},
		},
		{
			name: "leading narration kept",
			text: "门开了。王五问：“谁？”",
			want: []wantSpan{
				{types.SpeakerNarration, "门开了。", types.KindNarration},
				{"王五", "谁？", types.KindDialogue},
			},
		},
		{
			name: "no cue is unknown",
			text: "“有人吗？”",
			want: []wantSpan{{types.SpeakerUnknown, "有人吗？", types.KindDialogue}},
		},
		{
			name: "zhidao is not a speech verb",
			text: "“走吧。”他知道了。",
			want: []wantSpan{
				{types.SpeakerUnknown, "走吧。", types.KindDialogue},
				{types.SpeakerNarration, "他知道了。", types.KindNarration},
			},
		},
		{
			name: "english post cue",
			text: `"Hello," John said. "How are you?"`,
			want: []wantSpan{
				{"John", "Hello,", types.KindDialogue},
				{"John", "How are you?", types.KindDialogue},
			},
		},
		{
			name: "english pre cue",
			text: `Mary asked, "Where is it?"`,
			want: []wantSpan{{"Mary", "Where is it?", types.KindDialogue}},
		},
		{
			name: "english inverted cue",
			text: `"Run," said Tom.`,
			want: []wantSpan{{"Tom", "Run,", types.KindDialogue}},
		},
		{
			name: "plain narration",
			text: "The rain had stopped by morning.",
			want: []wantSpan{{types.SpeakerNarration, "The rain had stopped by morning.", types.KindNarration}},
		},
		{
			name: "empty quote is skipped",
			text: "他看着我。“”",
			want: []wantSpan{{types.SpeakerNarration, "他看着我。", types.KindNarration}},
		},
		{
			name: "unclosed quote runs to end",
			text: "赵六说：“我还没说完",
			want: []wantSpan{{"赵六", "我还没说完", types.KindDialogue}},
		},
	}

	svc := NewService()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkSegments(t, svc.Extract(context.Background(), tt.text), tt.want)
		})
	}
}

func TestExtract_PronounUsesPreviousSpeaker(t *testing.T) {
	svc := NewService()
	got := svc.Extract(context.Background(), "张三说：“我先走了。”\n她说：“等等我。”")
	checkSegments(t, got, []wantSpan{
		{"张三", "我先走了。", types.KindDialogue},
		{"张三", "等等我。", types.KindDialogue},
	})

	got = svc.Extract(context.Background(), "她说：“等等我。”")
	checkSegments(t, got, []wantSpan{{types.SpeakerUnknown, "等等我。", types.KindDialogue}})
}

func TestExtract_DenseOrdersAcrossParagraphs(t *testing.T) {
	svc := NewService()
	got := svc.Extract(context.Background(), "第一段。\n\n张三说：“第二段。”\n\n第三段。")
	if len(got) != 3 {
		t.Fatalf("Expected 3 segments, got %d", len(got))
	}
	for i, seg := range got {
		if seg.Order != i {
			t.Errorf("Expected order %d, got %d", i, seg.Order)
		}
	}
}

// wordsOnly keeps letters and digits, dropping whitespace, quotes and punctuation
func wordsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func TestExtract_ReconstructsText(t *testing.T) {
	tests := []struct {
		name string
		text string
		cues []string // speech tags consumed by attribution
	}{
		{name: "pre cue", text: `A说："你好。"他笑了笑。`, cues: []string{"A说"}},
		{name: "post cue", text: `"我走了。"林黛玉说道。然后她转身离开。`, cues: []string{"林黛玉说道"}},
		{name: "bare quote", text: `他站在窗前。"终于下雨了。"`},
		{name: "unclosed quote", text: `She whispered, "Don't go`, cues: []string{"She whispered"}},
		{name: "multiple quotes", text: `"Hello," John said, "how are you?"`, cues: []string{"John said"}},
		{
			name: "mixed paragraphs",
			text: "第一段。\n\n张三说：“第二段。”\n\n\"Wait,\" Mary said. She ran after him.",
			cues: []string{"张三说", "Mary said"},
		},
	}

	svc := NewService()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.Extract(context.Background(), tt.text)

			var joined strings.Builder
			for i, seg := range got {
				if seg.Order != i {
					t.Errorf("Segment %d: expected order %d, got %d", i, i, seg.Order)
				}
				joined.WriteString(seg.Text)
			}

			want := tt.text
			for _, c := range tt.cues {
				want = strings.Replace(want, c, "", 1)
			}
			if wordsOnly(joined.String()) != wordsOnly(want) {
				t.Errorf("Segments do not reconstruct the text:\n got %q\nwant %q", wordsOnly(joined.String()), wordsOnly(want))
			}
		})
	}
}

func TestExtract_Empty(t *testing.T) {
	svc := NewService()
	if got := svc.Extract(context.Background(), "  \n\n "); len(got) != 0 {
		t.Errorf("Expected no segments for blank text, got %+v", got)
	}
}

type fakeLLM struct {
	resp  *provider.SegmentResponse
	err   error
	calls int
	delay time.Duration
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Segment(ctx context.Context, req provider.SegmentRequest) (*provider.SegmentResponse, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.resp, f.err
}

func (f *fakeLLM) Close() error { return nil }

func TestExtract_ModelResolvesUnknown(t *testing.T) {
	llm := &fakeLLM{resp: &provider.SegmentResponse{Segments: []provider.Segment{
		{Text: "有人吗？", Speaker: "王五", Kind: "dialogue"},
	}}}
	svc := NewService(WithModel(NewModelClassifier(llm), time.Second))

	got := svc.Extract(context.Background(), "“有人吗？”")
	checkSegments(t, got, []wantSpan{{"王五", "有人吗？", types.KindDialogue}})

	// Attributed paragraphs never reach the model
	svc.Extract(context.Background(), `A说："你好。"`)
	if llm.calls != 1 {
		t.Errorf("Expected 1 model call, got %d", llm.calls)
	}
}

func TestExtract_ModelFallback(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeLLM
	}{
		{"engine error", &fakeLLM{err: errors.New("boom")}},
		{"invented text", &fakeLLM{resp: &provider.SegmentResponse{Segments: []provider.Segment{
			{Text: "完全不同的内容", Speaker: "王五", Kind: "dialogue"},
		}}}},
		{"bad kind", &fakeLLM{resp: &provider.SegmentResponse{Segments: []provider.Segment{
			{Text: "有人吗？", Speaker: "王五", Kind: "monologue"},
		}}}},
		{"timeout", &fakeLLM{delay: time.Second, resp: &provider.SegmentResponse{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(WithModel(NewModelClassifier(tt.llm), 20*time.Millisecond))
			got := svc.Extract(context.Background(), "“有人吗？”")
			checkSegments(t, got, []wantSpan{{types.SpeakerUnknown, "有人吗？", types.KindDialogue}})
		})
	}
}

func TestDiscoverSpeakers(t *testing.T) {
	svc := NewService()
	segments := svc.Extract(context.Background(), "张三说：“一。”\n李四说：“二。”\n张三说：“三。”\n结束了。")
	stats := DiscoverSpeakers(segments)

	want := []SpeakerStat{
		{Speaker: "张三", Lines: 2, FirstOrder: 0},
		{Speaker: "李四", Lines: 1, FirstOrder: 1},
		{Speaker: types.SpeakerNarration, Lines: 1, FirstOrder: 3},
	}
	if len(stats) != len(want) {
		t.Fatalf("Expected %d speakers, got %+v", len(want), stats)
	}
	for i := range want {
		if stats[i] != want[i] {
			t.Errorf("Speaker %d: expected %+v, got %+v", i, want[i], stats[i])
		}
	}
}
