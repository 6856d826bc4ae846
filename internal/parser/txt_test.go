package parser

import (
	"context"
	"testing"
)

func TestTXTParser_Parse(t *testing.T) {
	parser := NewTXTParser()
	ctx := context.Background()

	t.Run("Simple text", func(t *testing.T) {
		data := []byte(`This is the first paragraph.

This is the second paragraph with multiple sentences. It continues
on a wrapped line.

This is the third paragraph.`)

		chapters, err := parser.Parse(ctx, data)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if len(chapters) != 1 {
			t.Fatalf("Expected 1 chapter, got %d", len(chapters))
		}
		paragraphs := chapters[0].Paragraphs
		if len(paragraphs) != 3 {
			t.Fatalf("Expected 3 paragraphs, got %d: %q", len(paragraphs), paragraphs)
		}
		if paragraphs[1] != "This is the second paragraph with multiple sentences. It continues on a wrapped line." {
			t.Errorf("Wrapped line not joined: %q", paragraphs[1])
		}
	})

	t.Run("Chinese chapters", func(t *testing.T) {
		data := []byte("第一章 初见\n　　A说：\"你好。\"他笑了笑。\n　　天色渐暗。\n第二章 别离\n　　\"再见。\"B说。\n")

		chapters, err := parser.Parse(ctx, data)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if len(chapters) != 2 {
			t.Fatalf("Expected 2 chapters, got %d", len(chapters))
		}
		if chapters[0].Title != "第一章 初见" || chapters[1].Title != "第二章 别离" {
			t.Errorf("Unexpected titles: %q, %q", chapters[0].Title, chapters[1].Title)
		}
		if len(chapters[0].Paragraphs) != 2 {
			t.Fatalf("Expected 2 paragraphs in chapter 1, got %q", chapters[0].Paragraphs)
		}
		if chapters[0].Paragraphs[0] != `A说："你好。"他笑了笑。` {
			t.Errorf("Unexpected paragraph %q", chapters[0].Paragraphs[0])
		}
		if chapters[1].Number != 2 {
			t.Errorf("Expected chapter number 2, got %d", chapters[1].Number)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if _, err := parser.Parse(ctx, []byte("\n\n  \n")); err == nil {
			t.Error("Expected error for empty input")
		}
	})
}

func TestSplitParagraphs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"one line per paragraph", "他来了。\n她走了。", []string{"他来了。", "她走了。"}},
		{"wrapped cjk", "他慢慢地\n走了过来。", []string{"他慢慢地走了过来。"}},
		{"blank lines", "One.\n\n\nTwo.", []string{"One.", "Two."}},
		{"crlf", "One.\r\nTwo.", []string{"One.", "Two."}},
		{"english lines", "Night fell over the town.\nThe wind rose.\r\nShe waited.",
			[]string{"Night fell over the town.", "The wind rose.", "She waited."}},
		{"abbreviation wraps", "He met Mr.\nSmith at the gate.", []string{"He met Mr. Smith at the gate."}},
		{"initial wraps", "It was J.\nR. Tolkien.", []string{"It was J. R. Tolkien."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitParagraphs(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %q, got %q", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("paragraph %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChapterText(t *testing.T) {
	c := &Chapter{Paragraphs: []string{"a", "b"}}
	if c.Text() != "a\nb" {
		t.Errorf("Expected 'a\\nb', got %q", c.Text())
	}
}
