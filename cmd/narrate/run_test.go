package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseVoices(t *testing.T) {
	got, err := parseVoices([]string{"narration=narrator", " 林黛玉 = voice_2 "})
	if err != nil {
		t.Fatalf("parseVoices failed: %v", err)
	}
	if got["narration"] != "narrator" || got["林黛玉"] != "voice_2" {
		t.Errorf("Unexpected mapping: %v", got)
	}

	for _, bad := range []string{"narrator", "=voice_1", "speaker="} {
		if _, err := parseVoices([]string{bad}); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestReadChapter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.txt")
	text := "第一章 相遇\n\n他走进门。\n\n第二章 离别\n\n“再见。”她说。\n"
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}

	chapter = 2
	t.Cleanup(func() { chapter = 1 })

	ch, err := readChapter(t.Context(), path)
	if err != nil {
		t.Fatalf("readChapter failed: %v", err)
	}
	if len(ch.Paragraphs) == 0 {
		t.Error("Expected paragraphs in chapter 2")
	}

	chapter = 9
	if _, err := readChapter(t.Context(), path); err == nil {
		t.Error("Expected error for missing chapter")
	}
}
