package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"answercore/internal/app"
	"answercore/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Stage and commit knowledge base content offline",
}

var ingestFileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Parse a JSON or CSV knowledge file into a staging draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		chunks, err := ingest.ParseUpload(filepath.Base(args[0]), f)
		if err != nil {
			return err
		}
		draft, err := a.Drafts.Create(cmd.Context(), filepath.Base(args[0]), chunks)
		if err != nil {
			return err
		}
		fmt.Printf("staged draft %s with %d chunks\n", draft.DraftID, len(draft.Chunks))
		fmt.Printf("commit with: answerd ingest commit %s\n", draft.DraftID)
		return nil
	},
}

var ingestDraftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "List staged drafts awaiting commit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		drafts, err := a.Drafts.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(drafts) == 0 {
			fmt.Println("no staged drafts")
			return nil
		}
		for _, d := range drafts {
			fmt.Printf("%s  %-30s %3d chunks  %s\n",
				d.DraftID, d.Filename, len(d.Chunks), d.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var ingestCommitCmd = &cobra.Command{
	Use:   "commit <draft-id>",
	Short: "Index a staged draft into the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Committer.Commit(cmd.Context(), args[0])
		if err != nil && !errors.Is(err, ingest.ErrPartialFailure) {
			return err
		}
		fmt.Printf("indexed %d, skipped %d duplicates, failed %d\n",
			result.Indexed, result.Skipped, result.Failed)
		for _, item := range result.Items {
			if item.Status == ingest.StatusFailed {
				fmt.Printf("  %s: %s\n", item.ChunkID, item.Error)
			}
		}
		return nil
	},
}

func init() {
	ingestCmd.AddCommand(ingestFileCmd, ingestDraftsCmd, ingestCommitCmd)
	rootCmd.AddCommand(ingestCmd)
}
