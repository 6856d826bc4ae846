package segmentation

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// RuleClassifier attributes quotes using surface speech-tag patterns.
// It is pure and never returns an error.
type RuleClassifier struct{}

// NewRuleClassifier creates the default classifier
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{}
}

const (
	cjkNameChars = `[^\s，。！？；：、,.!?;:"“”「」『』]`
	cjkVerbs     = `说道|问道|答道|笑道|叫道|喊道|骂道|叹道|回答道|回答|说|道|问|答|喊|叫|嚷|吼`
	enVerbs      = `said|asked|replied|answered|shouted|whispered|cried|called|muttered|exclaimed|yelled|added|continued|began|says|asks|replies`
	enName       = `[A-Z][\p{L}'’-]*(?:\s+[A-Z][\p{L}'’-]*)?`
	enPronoun    = `[Hh]e|[Ss]he|[Tt]hey|[Ww]e|I`
)

var (
	// <name><verb>： right before a quote
	cjkPreCue = regexp.MustCompile(`(` + cjkNameChars + `{1,12}?)(` + cjkVerbs + `)\s*[：:，,]\s*$`)
	// <name><verb>。 right after a quote
	cjkPostCue = regexp.MustCompile(`^\s*(` + cjkNameChars + `{1,12}?)(` + cjkVerbs + `)\s*(?:[。，,.！!；;]|$)`)

	enPreCue = regexp.MustCompile(`(?:^|[\s,;—–-])(` + enName + `|` + enPronoun + `)\s+(?:\p{L}+ly\s+)?(?:` + enVerbs + `)(?:\s+\p{L}+ly)?\s*[,:]\s*$`)
	// "<quote>" John said. / "<quote>" said John,
	enPostCue = regexp.MustCompile(`^\s*(?:(` + enName + `|` + enPronoun + `)\s+(?:\p{L}+ly\s+)?(?:` + enVerbs + `)|(?:` + enVerbs + `)\s+(` + enName + `))(?:\s+\p{L}+ly)?\s*[,.;!?]?`)
)

var (
	cjkPronouns = []string{"他们", "她们", "我们", "你们", "他", "她", "我", "你", "它"}

	// Words that may sit between a name and the speech verb
	cjkMannerMarkers = []string{
		"笑了笑", "笑着", "冷冷", "淡淡", "轻声", "低声", "大声", "高声", "小声", "柔声", "沉声", "厉声",
		"一边", "急忙", "连忙", "对着", "看着", "望着", "回头", "点头", "摇头",
		"笑", "忙", "对", "向", "朝", "跟", "和", "也", "又", "便", "就", "还", "都", "却", "才", "地", "着",
	}

	cjkLeadingFillers = []string{"突然", "忽然", "这时", "于是", "接着", "然后", "只听", "只见", "随即", "便", "又"}

	cjkStopNames = map[string]bool{
		"这": true, "那": true, "什么": true, "怎么": true, "谁": true, "有人": true, "这个": true, "那个": true,
	}

	enLeadingFillers = map[string]bool{
		"Then": true, "And": true, "But": true, "So": true, "Finally": true, "Suddenly": true, "Now": true, "When": true,
	}

	// Runes that turn 道 into part of another word (知道, 味道, 街道...)
	daoCompounds = "知难味频轨报渠街管隧赤古跑霸"
)

type quoteSpan struct {
	start, innerStart, innerEnd, end int
}

var quotePairs = map[rune]rune{
	'"': '"',
	'“': '”',
	'「': '」',
	'『': '』',
}

// findQuotes returns quoted spans in byte offsets; an unclosed quote runs to the end
func findQuotes(p string) []quoteSpan {
	var spans []quoteSpan
	var closer rune
	open := -1
	innerStart := 0
	for i, r := range p {
		if open < 0 {
			if c, ok := quotePairs[r]; ok {
				open, closer, innerStart = i, c, i+utf8.RuneLen(r)
			}
			continue
		}
		if r == closer {
			spans = append(spans, quoteSpan{start: open, innerStart: innerStart, innerEnd: i, end: i + utf8.RuneLen(r)})
			open = -1
		}
	}
	if open >= 0 {
		spans = append(spans, quoteSpan{start: open, innerStart: innerStart, innerEnd: len(p), end: len(p)})
	}
	return spans
}

// cue is a matched speech tag
type cue struct {
	name    string
	pronoun bool
	start   int // byte offset of the tag within the gap
	end     int
}

// Classify splits the paragraph into narration and dialogue spans
func (c *RuleClassifier) Classify(ctx context.Context, paragraph string, hint Hint) ([]Span, error) {
	return classifyRules(paragraph, hint), nil
}

func classifyRules(p string, hint Hint) []Span {
	p = strings.TrimSpace(p)
	quotes := findQuotes(p)
	if len(quotes) == 0 {
		return narrationSpans(p)
	}

	var spans []Span
	cursor := 0
	lastQuoteSpeaker := ""
	previous := hint.PreviousSpeaker

	resolve := func(k cue) string {
		if !k.pronoun {
			previous = k.name
			return k.name
		}
		if previous != "" {
			return previous
		}
		return types.SpeakerUnknown
	}

	for i, q := range quotes {
		gap := p[cursor:q.start]
		speaker := ""

		if k, ok := matchPreCue(gap); ok {
			spans = append(spans, narrationSpans(gap[:k.start])...)
			speaker = resolve(k)
			cursor = q.end
		} else {
			spans = append(spans, narrationSpans(gap)...)
			cursor = q.end

			next := len(p)
			if i+1 < len(quotes) {
				next = quotes[i+1].start
			}
			if k, ok := matchPostCue(p[q.end:next]); ok {
				speaker = resolve(k)
				cursor = q.end + k.end
			} else if lastQuoteSpeaker != "" && !hasWords(gap) {
				speaker = lastQuoteSpeaker
			} else {
				speaker = types.SpeakerUnknown
			}
		}

		inner := strings.TrimSpace(p[q.innerStart:q.innerEnd])
		if inner == "" {
			continue
		}
		spans = append(spans, Span{Speaker: speaker, Text: inner, Kind: types.KindDialogue})
		lastQuoteSpeaker = speaker
	}

	spans = append(spans, narrationSpans(p[cursor:])...)
	return spans
}

// narrationSpans drops fragments that carry no words, such as a lone comma
func narrationSpans(s string) []Span {
	s = strings.TrimSpace(s)
	if !hasWords(s) {
		return nil
	}
	return []Span{{Speaker: types.SpeakerNarration, Text: s, Kind: types.KindNarration}}
}

func hasWords(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}

func matchPreCue(gap string) (cue, bool) {
	if m := cjkPreCue.FindStringSubmatchIndex(gap); m != nil {
		if k, ok := cjkCue(gap[m[2]:m[3]], gap[m[4]:m[5]]); ok {
			k.start, k.end = m[0], m[1]
			return k, true
		}
	}
	if m := enPreCue.FindStringSubmatchIndex(gap); m != nil {
		if k, ok := enCue(gap[m[2]:m[3]]); ok {
			k.start, k.end = m[2], m[1]
			return k, true
		}
	}
	return cue{}, false
}

func matchPostCue(gap string) (cue, bool) {
	if m := cjkPostCue.FindStringSubmatchIndex(gap); m != nil {
		if k, ok := cjkCue(gap[m[2]:m[3]], gap[m[4]:m[5]]); ok {
			k.start, k.end = m[0], m[1]
			return k, true
		}
	}
	if m := enPostCue.FindStringSubmatchIndex(gap); m != nil {
		name := ""
		if m[2] >= 0 {
			name = gap[m[2]:m[3]]
		} else if m[4] >= 0 {
			name = gap[m[4]:m[5]]
		}
		if k, ok := enCue(name); ok {
			k.start, k.end = m[0], m[1]
			return k, true
		}
	}
	return cue{}, false
}

// cjkCue turns the text before a speech verb into a speaker name
func cjkCue(candidate, verb string) (cue, bool) {
	if verb == "道" {
		last, _ := utf8.DecodeLastRuneInString(candidate)
		if strings.ContainsRune(daoCompounds, last) {
			return cue{}, false
		}
	}

	for trimmed := true; trimmed; {
		trimmed = false
		for _, f := range cjkLeadingFillers {
			if strings.HasPrefix(candidate, f) && len(candidate) > len(f) {
				candidate = candidate[len(f):]
				trimmed = true
			}
		}
	}

	for _, p := range cjkPronouns {
		if strings.HasPrefix(candidate, p) {
			rest := candidate[len(p):]
			if rest == "" || startsWithMarker(rest) {
				return cue{pronoun: true}, true
			}
			return cue{}, false
		}
	}

	name := candidate
	if idx := firstMarker(candidate); idx > 0 {
		name = candidate[:idx]
	} else if idx == 0 {
		return cue{}, false
	}

	if cjkStopNames[name] {
		return cue{}, false
	}
	limit := 4
	if isLatinName(name) {
		limit = 20
	}
	if n := utf8.RuneCountInString(name); n == 0 || n > limit {
		return cue{}, false
	}
	return cue{name: name}, true
}

func enCue(name string) (cue, bool) {
	name = strings.TrimSpace(name)
	switch name {
	case "":
		return cue{}, false
	case "he", "He", "she", "She", "they", "They", "we", "We", "I":
		return cue{pronoun: true}, true
	}
	if fields := strings.Fields(name); len(fields) == 2 && enLeadingFillers[fields[0]] {
		name = fields[1]
	}
	if enLeadingFillers[name] {
		return cue{}, false
	}
	return cue{name: name}, true
}

func firstMarker(s string) int {
	best := -1
	for _, m := range cjkMannerMarkers {
		if idx := strings.Index(s, m); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

func startsWithMarker(s string) bool {
	return firstMarker(s) == 0
}

func isLatinName(s string) bool {
	for _, r := range s {
		if r >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
