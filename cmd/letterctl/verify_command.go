package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/noah-isme/sma-letter-api/internal/models"
	"github.com/noah-isme/sma-letter-api/internal/repository"
	"github.com/noah-isme/sma-letter-api/internal/workflow"
)

type letterSource interface {
	ListIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	GetByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Letter, error)
}

type drift struct {
	LetterID string
	Stored   string
	Replayed string
	Reason   string
}

func newVerifyCommand(ctx *commandContext) *cobra.Command {
	var pageSize int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay every audit log and report letters whose stored state drifted",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ctx.openDB(cmd.Context())
			if err != nil {
				return err
			}
			drifts, checked, err := verifyLetters(cmd.Context(), repository.NewLetterRepository(db), repository.NewAuditRepository(db), pageSize)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(drifts) == 0 {
				fmt.Fprintf(out, "%d letters verified, no drift\n", checked)
				return nil
			}
			rows := make([][]string, 0, len(drifts))
			for _, d := range drifts {
				rows = append(rows, []string{d.LetterID, d.Stored, d.Replayed, d.Reason})
			}
			fmt.Fprintln(out, renderTable([]string{"Letter", "Stored", "Replayed", "Reason"}, rows))
			return fmt.Errorf("%d of %d letters drifted from their audit log", len(drifts), checked)
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 500, "Letters loaded per page")
	return cmd
}

func verifyLetters(ctx context.Context, letters letterSource, audit historyReader, pageSize int) ([]drift, int, error) {
	var (
		drifts  []drift
		checked int
		after   string
	)
	for {
		ids, err := letters.ListIDs(ctx, after, pageSize)
		if err != nil {
			return nil, checked, err
		}
		if len(ids) == 0 {
			return drifts, checked, nil
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return nil, checked, err
			}
			letter, err := letters.GetByID(ctx, nil, id)
			if err != nil {
				return nil, checked, fmt.Errorf("load letter %s: %w", id, err)
			}
			history, err := audit.History(ctx, nil, id)
			if err != nil {
				return nil, checked, fmt.Errorf("load history %s: %w", id, err)
			}
			checked++
			projection, err := workflow.Replay(history)
			if err != nil {
				drifts = append(drifts, drift{LetterID: id, Stored: stateText(letter.Status, letter.CurrentStep), Reason: err.Error()})
				continue
			}
			if !projection.Matches(letter) {
				drifts = append(drifts, drift{
					LetterID: id,
					Stored:   stateText(letter.Status, letter.CurrentStep),
					Replayed: stateText(projection.Status, projection.CurrentStep),
					Reason:   "projection mismatch",
				})
			}
		}
		after = ids[len(ids)-1]
	}
}

func stateText(status models.LetterStatus, step *models.Step) string {
	if step == nil {
		return string(status)
	}
	return fmt.Sprintf("%s(%d)", status, *step)
}
