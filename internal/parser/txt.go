package parser

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TXTParser parses plain text novels, Chinese or English
type TXTParser struct{}

// NewTXTParser creates a new TXT parser
func NewTXTParser() *TXTParser {
	return &TXTParser{}
}

var cjkHeading = regexp.MustCompile(`^(第[0-9零一二三四五六七八九十百千万两]+[章节回卷部集]|序章|楔子|尾声|后记|番外)`)

// Parse extracts chapters; text before the first heading becomes chapter 1
func (p *TXTParser) Parse(ctx context.Context, data []byte) ([]*Chapter, error) {
	chapters := make([]*Chapter, 0)
	current := &Chapter{Number: 1, Title: "Main Content"}

	var lines []string
	flush := func() {
		current.Paragraphs = append(current.Paragraphs, SplitParagraphs(strings.Join(lines, "\n"))...)
		lines = lines[:0]
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if p.isChapterHeading(trimmed) {
			flush()
			if len(current.Paragraphs) > 0 {
				chapters = append(chapters, current)
				current = &Chapter{Number: len(chapters) + 1}
			}
			current.Title = trimmed
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading text: %w", err)
	}
	flush()
	if len(current.Paragraphs) > 0 {
		chapters = append(chapters, current)
	}

	if len(chapters) == 0 {
		return nil, fmt.Errorf("no content found in text file")
	}
	return chapters, nil
}

// SplitParagraphs splits chapter text into trimmed paragraphs.
// A blank line, an indented line, or a line after sentence-final punctuation starts a new paragraph;
// other lines are wrapped continuations and are joined.
func SplitParagraphs(text string) []string {
	var paragraphs []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			paragraphs = append(paragraphs, s)
		}
		current.Reset()
	}

	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			flush()
			continue
		}
		if current.Len() > 0 && (isIndented(raw) || endsSentence(current.String())) {
			flush()
		}
		if current.Len() > 0 && needsSpace(current.String(), line) {
			current.WriteByte(' ')
		}
		current.WriteString(line)
	}
	flush()
	return paragraphs
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, "　") || strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "    ")
}

var abbreviations = map[string]bool{
	"mr.": true, "mrs.": true, "ms.": true, "dr.": true, "st.": true, "jr.": true, "sr.": true, "prof.": true, "vs.": true, "etc.": true,
}

func endsSentence(s string) bool {
	s = strings.TrimSpace(s)
	r, _ := utf8.DecodeLastRuneInString(s)
	if r != '.' {
		return strings.ContainsRune("。！？!?…”」』\"", r)
	}
	// A wrapped line may end on "Mr." or an initial such as "J."
	word := s[strings.LastIndexFunc(s, unicode.IsSpace)+1:]
	if abbreviations[strings.ToLower(word)] {
		return false
	}
	return utf8.RuneCountInString(word) != 2
}

// needsSpace keeps word boundaries when joining wrapped Latin text
func needsSpace(prev, next string) bool {
	last, _ := utf8.DecodeLastRuneInString(prev)
	first, _ := utf8.DecodeRuneInString(next)
	return last < utf8.RuneSelf && first < utf8.RuneSelf && !unicode.IsSpace(last)
}

// isChapterHeading checks if a line looks like a chapter heading
func (p *TXTParser) isChapterHeading(line string) bool {
	if line == "" || utf8.RuneCountInString(line) > 40 {
		return false
	}
	if cjkHeading.MatchString(line) {
		return true
	}

	lower := strings.ToLower(line)
	for _, prefix := range []string{"chapter ", "prologue", "epilogue"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
