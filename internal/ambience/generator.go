// Package ambience turns cue requests into stored environment sounds the
// assembler can mix under the narration.
package ambience

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unalkalkan/TwelveNarrator/internal/provider"
	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/internal/util"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

const (
	DefaultConcurrency = 2
	DefaultCallTimeout = 180 * time.Second
	DefaultSteps       = 50
)

// Failure records a cue request that produced no sound
type Failure struct {
	Index  int    `json:"index"`
	Prompt string `json:"prompt"`
	Error  string `json:"error"`
}

// Options controls generation
type Options struct {
	Concurrency int
	CallTimeout time.Duration
	Steps       int
}

// Generator renders cue requests through an environment engine
type Generator struct {
	engine provider.EnvironmentProvider
	store  storage.Store
	opts   Options
}

// NewGenerator creates a new generator
func NewGenerator(engine provider.EnvironmentProvider, store storage.Store, opts Options) *Generator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Steps <= 0 {
		opts.Steps = DefaultSteps
	}
	return &Generator{engine: engine, store: store, opts: opts}
}

// Generate renders every request and returns the cues that succeeded, in
// request order, plus the failures. A failed cue never fails the job; only a
// cancelled context returns an error.
func (g *Generator) Generate(ctx context.Context, jobID string, reqs []types.CueRequest) ([]types.EnvironmentCue, []Failure, error) {
	if len(reqs) == 0 {
		return nil, nil, nil
	}

	cues := make([]*types.EnvironmentCue, len(reqs))
	failures := make([]*Failure, len(reqs))

	var eg errgroup.Group
	eg.SetLimit(g.opts.Concurrency)
	for i, req := range reqs {
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			cue, err := g.generateOne(ctx, jobID, i, req)
			if err != nil {
				log.Printf("[Ambience] Job %s cue %d (%q) failed: %v", jobID, i, req.Prompt, err)
				failures[i] = &Failure{Index: i, Prompt: req.Prompt, Error: err.Error()}
				return nil
			}
			cues[i] = cue
			return nil
		})
	}
	eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var out []types.EnvironmentCue
	var failed []Failure
	for i := range reqs {
		if cues[i] != nil {
			out = append(out, *cues[i])
		}
		if failures[i] != nil {
			failed = append(failed, *failures[i])
		}
	}
	sort.SliceStable(failed, func(a, b int) bool { return failed[a].Index < failed[b].Index })

	log.Printf("[Ambience] Job %s: %d/%d cues generated", jobID, len(out), len(reqs))
	return out, failed, nil
}

func (g *Generator) generateOne(ctx context.Context, jobID string, index int, req types.CueRequest) (*types.EnvironmentCue, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	if req.StartOffsetMs < 0 || req.DurationMs <= 0 {
		return nil, fmt.Errorf("invalid offset %d or duration %d", req.StartOffsetMs, req.DurationMs)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()

	resp, err := g.engine.Generate(callCtx, provider.EnvironmentRequest{
		Prompt:          req.Prompt,
		DurationSeconds: provider.ClampEnvironmentSeconds(float64(req.DurationMs) / 1000),
		Steps:           g.opts.Steps,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.AudioData) == 0 {
		return nil, &provider.EngineError{Provider: g.engine.Name(), Code: provider.CodeMalformedResponse, Message: "empty audio"}
	}

	format := resp.Format
	if format == "" {
		format = "wav"
	}
	ref := util.CuePath(jobID, index, format)
	if err := storage.PutBytes(ctx, g.store, ref, resp.AudioData); err != nil {
		return nil, fmt.Errorf("failed to store cue audio: %w", err)
	}

	cue := types.EnvironmentCue{
		StartOffsetMs: req.StartOffsetMs,
		DurationMs:    req.DurationMs,
		SoundRef:      ref,
		GainDB:        req.GainDB,
		FadeInMs:      req.FadeInMs,
		FadeOutMs:     req.FadeOutMs,
	}
	if err := cue.Validate(); err != nil {
		return nil, err
	}
	return &cue, nil
}
