package pipeline

import (
	"fmt"
	"log"
	"time"

	"github.com/unalkalkan/TwelveNarrator/internal/ambience"
	"github.com/unalkalkan/TwelveNarrator/internal/assembly"
	"github.com/unalkalkan/TwelveNarrator/internal/job"
	"github.com/unalkalkan/TwelveNarrator/internal/packaging"
	"github.com/unalkalkan/TwelveNarrator/internal/progress"
	"github.com/unalkalkan/TwelveNarrator/internal/provider"
	"github.com/unalkalkan/TwelveNarrator/internal/segmentation"
	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/internal/tts"
	"github.com/unalkalkan/TwelveNarrator/internal/voice"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// Components is a pipeline wired from configuration together with the
// parts callers need direct access to
type Components struct {
	Pipeline *Pipeline
	Catalog  *voice.MemoryCatalog
	Resolver *voice.Resolver
	Tracker  *progress.Tracker
	Jobs     *job.StorageRepository
	Packager *packaging.Service
}

// FromConfig wires every stage from cfg. Engines are looked up by the names
// cfg.Pipeline selects; the environment engine and classifier are optional.
func FromConfig(cfg *types.Config, store storage.Store, registry *provider.Registry) (*Components, error) {
	pc := cfg.Pipeline

	engine, err := registry.GetTTS(pc.TTSProvider)
	if err != nil {
		return nil, fmt.Errorf("tts engine: %w", err)
	}

	catalog, err := voice.NewMemoryCatalog(cfg.Voices.Profiles)
	if err != nil {
		return nil, fmt.Errorf("voice catalog: %w", err)
	}

	var extractOpts []segmentation.Option
	if pc.ClassifierProvider != "" {
		llm, err := registry.GetLLM(pc.ClassifierProvider)
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		timeout := time.Duration(pc.ClassifierTimeoutMs) * time.Millisecond
		extractOpts = append(extractOpts, segmentation.WithModel(segmentation.NewModelClassifier(llm), timeout))
	}

	var generator *ambience.Generator
	if pc.EnvironmentProvider != "" {
		env, err := registry.GetEnvironment(pc.EnvironmentProvider)
		if err != nil {
			return nil, fmt.Errorf("environment engine: %w", err)
		}
		generator = ambience.NewGenerator(env, store, ambience.Options{
			CallTimeout: time.Duration(pc.EnvTimeoutSec) * time.Second,
		})
	}

	resolver := voice.NewResolver(catalog, store)
	tracker := progress.NewTracker()
	jobs := job.NewRepository(store)
	packager := packaging.NewService(store, pc.TempDir)

	p := New(Deps{
		Extractor: segmentation.NewService(extractOpts...),
		Resolver:  resolver,
		Dispatcher: tts.NewDispatcher(engine, catalog, store, tts.Options{
			Concurrency:  pc.Concurrency,
			MaxRetries:   pc.MaxRetries,
			RetryBackoff: time.Duration(pc.RetryBackoffMs) * time.Millisecond,
			CallTimeout:  time.Duration(pc.TTSTimeoutSec) * time.Second,
		}),
		Tracker: tracker,
		Assembler: assembly.NewAssembler(store, assembly.Options{
			SampleRate:     pc.SampleRate,
			GapSilenceMs:   int64(pc.GapSilenceMs),
			SegmentPauseMs: int64(pc.SegmentPauseMs),
		}),
		Packager:      packager,
		Ambience:      generator,
		Jobs:          jobs,
		DefaultParams: pc.DefaultParams,
	})

	log.Printf("[Pipeline] Wired: tts=%s environment=%q classifier=%q concurrency=%d voices=%d",
		engine.Name(), pc.EnvironmentProvider, pc.ClassifierProvider, pc.Concurrency, len(catalog.List()))
	return &Components{
		Pipeline: p,
		Catalog:  catalog,
		Resolver: resolver,
		Tracker:  tracker,
		Jobs:     jobs,
		Packager: packager,
	}, nil
}

// Close stops the pipeline and then the tracker
func (c *Components) Close() error {
	c.Pipeline.Close()
	return c.Tracker.Close()
}
