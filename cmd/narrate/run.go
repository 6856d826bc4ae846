package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/unalkalkan/TwelveNarrator/internal/pipeline"
	"github.com/unalkalkan/TwelveNarrator/internal/provider"
	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/internal/util"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

var (
	runVoices   []string
	runFallback string
	runOutput   string
	runLimit    int
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Synthesize a chapter into one track",
	Long: `Synthesize a chapter into one track. Each speaker is mapped to a
configured voice profile; --fallback covers everyone left unmapped.

Example:
  narrate run book.txt -c 3 --voice narration=narrator --voice 林黛玉=voice_2 --fallback narrator -o ch3.wav`,
	Args: cobra.ExactArgs(1),
	RunE: runChapter,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVar(&runVoices, "voice", nil, "Speaker mapping as speaker=profile (repeatable)")
	runCmd.Flags().StringVar(&runFallback, "fallback", "", "Voice profile for speakers without a mapping")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "chapter.wav", "Where to write the final track")
	runCmd.Flags().IntVar(&runLimit, "concurrency", 0, "Concurrent synthesis calls (default from config)")
}

func parseVoices(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		speaker, profile, ok := strings.Cut(e, "=")
		if !ok || strings.TrimSpace(speaker) == "" || strings.TrimSpace(profile) == "" {
			return nil, fmt.Errorf("invalid --voice %q, want speaker=profile", e)
		}
		out[strings.TrimSpace(speaker)] = strings.TrimSpace(profile)
	}
	return out, nil
}

func runChapter(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	voices, err := parseVoices(runVoices)
	if err != nil {
		return err
	}
	mapping, err := types.NewSpeakerMapping(voices)
	if err != nil {
		return err
	}
	ch, err := readChapter(ctx, args[0])
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	registry := provider.NewRegistry()
	if err := registry.InitializeProviders(cfg.Providers); err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}
	defer registry.Close()

	components, err := pipeline.FromConfig(cfg, store, registry)
	if err != nil {
		return err
	}
	defer components.Close()

	sub, err := components.Pipeline.Submit(ctx, pipeline.SubmitRequest{
		Title:         ch.Title,
		Text:          ch.Text(),
		Mapping:       mapping,
		FallbackVoice: runFallback,
		Concurrency:   runLimit,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Job %s: %d segments, %d speakers\n", sub.Job.ID, len(sub.Job.Segments), len(sub.Speakers))
	if len(sub.Unresolved) > 0 {
		fmt.Printf("Unresolved speakers (left silent): %s\n", strings.Join(sub.Unresolved, ", "))
	}

	result, runErr := components.Pipeline.Run(ctx, sub.Job.ID)
	if result == nil {
		return runErr
	}
	fmt.Printf("Status: %s, duration %.1fs\n", result.Status, float64(result.DurationMs)/1000)
	if len(result.FailedOrders) > 0 {
		fmt.Printf("Failed segments: %v\n", result.FailedOrders)
	}
	if len(result.SkippedCues) > 0 {
		fmt.Printf("Skipped cues: %v\n", result.SkippedCues)
	}
	if result.FinalAudioRef == "" {
		return runErr
	}

	data, err := storage.ReadAll(ctx, store, util.FinalTrackPath(sub.Job.ID))
	if err != nil {
		return err
	}
	if err := os.WriteFile(runOutput, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", runOutput, err)
	}
	fmt.Printf("Wrote %s\n", runOutput)
	return runErr
}
