package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mikeboe/pharma-research/pkg/app"
	"github.com/mikeboe/pharma-research/pkg/config"
	"github.com/mikeboe/pharma-research/pkg/research"
)

var (
	drug    string
	disease string
	asJSON  bool
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pharma-research",
		Short: "Research a drug against a disease from the terminal",
		Long:  `pharma-research derives research tasks for a drug/disease pair, retrieves papers, summarizes them and writes a report.`,
		RunE:  run,
	}

	rootCmd.Flags().StringVarP(&drug, "drug", "d", "", "The drug under study")
	rootCmd.Flags().StringVarP(&disease, "disease", "i", "", "The disease or indication")
	rootCmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Interactive mode for whatever was not passed as a flag.
	reader := bufio.NewReader(os.Stdin)
	if !cmd.Flags().Changed("drug") {
		drug = prompt(reader, "Enter drug: ")
	}
	if !cmd.Flags().Changed("disease") {
		disease = prompt(reader, "Enter disease: ")
	}

	in := research.QueryInput{Drug: drug, Disease: disease}
	if err := in.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Load()
	a, err := app.Build(ctx, cfg, app.Options{}, logger)
	if err != nil {
		logger.Error("Error initializing engine", "error", err)
		return err
	}
	defer a.Close()

	logger.Info("Starting research", "drug", in.Drug, "disease", in.Disease)
	out, err := a.Engine.Run(ctx, in)
	if err != nil {
		logger.Error("Error running research", "error", err)
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printReport(cmd.OutOrStdout(), out)
	return nil
}

func prompt(r *bufio.Reader, label string) string {
	fmt.Fprint(os.Stderr, label)
	input, _ := r.ReadString('\n')
	return strings.TrimSpace(input)
}

func printReport(w io.Writer, out research.QueryOutput) {
	fmt.Fprintln(w, out.FinalReport)
	if len(out.Papers) == 0 {
		return
	}
	fmt.Fprintf(w, "\n## Sources (%d papers, %d summarized)\n\n", len(out.Papers), len(out.Summaries))
	for i, p := range out.Papers {
		fmt.Fprintf(w, "%d. %s\n   %s\n", i+1, p.Title, p.Link)
	}
}
