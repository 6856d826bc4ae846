package main

import (
	"context"
	"fmt"
	"os"

	"github.com/unalkalkan/TwelveNarrator/internal/config"
	"github.com/unalkalkan/TwelveNarrator/internal/parser"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// loadConfig reads --config, or falls back to the built-in defaults
func loadConfig() (*types.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

// readChapter parses path and returns the chapter selected by --chapter
func readChapter(ctx context.Context, path string) (*parser.Chapter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	chapters, err := parser.NewTXTParser().Parse(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for _, ch := range chapters {
		if ch.Number == chapter {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("chapter %d not found in %s (%d chapters)", chapter, path, len(chapters))
}
