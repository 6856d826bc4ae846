package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	chapter int
)

var rootCmd = &cobra.Command{
	Use:   "narrate",
	Short: "TwelveNarrator chapter narration",
	Long: `narrate turns one chapter of a plain text novel into a single
narrated audio track without starting the server.

Commands:
  speakers  - list the speakers found in a chapter
  run       - synthesize a chapter and write the final track`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: built-in stub configuration)")
	rootCmd.PersistentFlags().IntVarP(&chapter, "chapter", "c", 1, "Chapter number within the input file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
