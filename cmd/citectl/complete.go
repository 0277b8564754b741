package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"citekit/api/internal/bibliography"
	"citekit/api/internal/completion"
)

var flagMax int

var completeCmd = &cobra.Command{
	Use:   "complete TOKEN",
	Short: "Complete @TOKEN against the library",
	Long:  "Loads the library once, then runs the completion pipeline for the citation @TOKEN and prints the filtered candidates.",
	Args:  cobra.ExactArgs(1),
	RunE:  runComplete,
}

func init() {
	completeCmd.Flags().IntVar(&flagMax, "max", completion.DefaultMaxCompletions, "maximum candidates to print")
}

func runComplete(cmd *cobra.Command, args []string) error {
	library, logger, err := newSyncProvider()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	bib := completion.NewBibliographyProvider(library, completion.WithBibliographyLogger(logger))
	orchestrator := completion.NewOrchestrator([]completion.Provider{bib},
		completion.WithMaxCompletions(flagMax),
		completion.WithLogger(logger),
	)
	defer orchestrator.Close()

	text := "@" + strings.TrimPrefix(args[0], "@")
	cctx, ok := orchestrator.ComputeContext(completion.EditorState{Text: text, Cursor: len(text)})
	if !ok {
		return fmt.Errorf("%q is not a citation", text)
	}

	doc := completion.Document{DocumentContext: documentContext(), FrontMatter: frontMatter()}
	result, err := orchestrator.Complete(ctx, doc, cctx)
	if err != nil {
		return err
	}
	items := result.Items
	if result.Streaming {
		<-result.Done()
		if streamed, updated := result.Stream(); updated {
			items = streamed
		}
	}
	items = orchestrator.Filter(items, result.Token)

	if flagJSON {
		return printJSON(map[string]any{
			"token":   result.Token,
			"items":   items,
			"warning": orchestrator.Warning(),
		})
	}
	out := cmd.OutOrStdout()
	if w := orchestrator.Warning(); w != "" {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	for _, c := range items {
		fmt.Fprintf(out, "%s\t%s\t%s\n", c.PrimaryText, c.SecondaryText, c.DetailText)
	}
	if len(items) == 0 {
		fmt.Fprintln(out, "no matches")
	}
	return nil
}

// frontMatter renders --collection as the document directive.
func frontMatter() []string {
	if len(flagCollections) == 0 {
		return nil
	}
	block, err := yaml.Marshal(map[string]any{bibliography.DirectiveKey: flagCollections})
	if err != nil {
		return nil
	}
	return []string{string(block)}
}
