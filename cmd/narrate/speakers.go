package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/unalkalkan/TwelveNarrator/internal/segmentation"
)

var speakersCmd = &cobra.Command{
	Use:   "speakers <file>",
	Short: "List the speakers of a chapter in order of appearance",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpeakers,
}

func init() {
	rootCmd.AddCommand(speakersCmd)
}

func runSpeakers(cmd *cobra.Command, args []string) error {
	ch, err := readChapter(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	segments := segmentation.NewService().ExtractParagraphs(cmd.Context(), ch.Paragraphs)
	stats := segmentation.DiscoverSpeakers(segments)

	fmt.Printf("%s: %d segments\n\n", ch.Title, len(segments))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SPEAKER\tLINES\tFIRST")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\n", s.Speaker, s.Lines, s.FirstOrder)
	}
	return w.Flush()
}
