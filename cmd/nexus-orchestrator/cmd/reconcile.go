package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ghabs95/nexus-core/internal/reconciler"
)

var reconcileCommentsFile string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <issue> <project-key>",
	Short: "Rebuild workflow position from remote completion signals",
	Long: `Reads remote issue comments, parses each for a structured
completion signal, and replays them through the engine in
order. The dedup-by-comment-id guarantee makes replay idempotent, so
reconcile can always be run speculatively.

Comments are read from the required --comments-file, a local JSON array
of {id, author, body, created_at, url} objects; this command does not
fetch comments from an issue platform itself.`,
	Args: cobra.ExactArgs(2),
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileCommentsFile, "comments-file", "", "path to a JSON array of remote comments (required)")
	reconcileCmd.MarkFlagRequired("comments-file")
	rootCmd.AddCommand(reconcileCmd)
}

// fileCommentsProvider implements reconciler.CommentsProvider by reading
// a flat JSON array of comments off disk, for local and scripted use
// where no live IssuePlatform adapter is wired in.
type fileCommentsProvider struct {
	comments []reconciler.Comment
}

func loadFileCommentsProvider(path string) (*fileCommentsProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading comments file: %w", err)
	}
	var comments []reconciler.Comment
	if err := json.Unmarshal(data, &comments); err != nil {
		return nil, fmt.Errorf("parsing comments file: %w", err)
	}
	return &fileCommentsProvider{comments: comments}, nil
}

func (p *fileCommentsProvider) GetComments(ctx context.Context, issueNumber string, since time.Time) ([]reconciler.Comment, error) {
	return p.comments, nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	issueNumber, projectKey := args[0], args[1]

	provider, err := loadFileCommentsProvider(reconcileCommentsFile)
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		result, err := a.reconciler.ReconcileIssueFromSignals(context.Background(), issueNumber, projectKey, provider)
		if err != nil {
			return err
		}

		if jsonOutput {
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("scanned %d signal(s), applied %d\n", result.SignalsScanned, result.SignalsApplied)
		if result.CompletionSeeded {
			fmt.Println("no local workflow to advance; seeded a resumption anchor")
		}
		fmt.Printf("state=%s step=%d agent=%s\n", result.State, result.CurrentStep, result.CurrentAgent)
		return nil
	})
}
