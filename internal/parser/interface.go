package parser

import "context"

// Chapter is a titled run of paragraphs in reading order
type Chapter struct {
	Number     int      `json:"number"`
	Title      string   `json:"title"`
	Paragraphs []string `json:"paragraphs"`
}

// Text joins the paragraphs back into chapter text, one per line
func (c *Chapter) Text() string {
	n := 0
	for _, p := range c.Paragraphs {
		n += len(p) + 1
	}
	buf := make([]byte, 0, n)
	for i, p := range c.Paragraphs {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, p...)
	}
	return string(buf)
}

// Parser splits a document into chapters
type Parser interface {
	Parse(ctx context.Context, data []byte) ([]*Chapter, error)
}
