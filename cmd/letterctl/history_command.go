package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/noah-isme/sma-letter-api/internal/models"
	"github.com/noah-isme/sma-letter-api/internal/repository"
)

type historyReader interface {
	History(ctx context.Context, exec sqlx.ExtContext, letterID string) ([]models.AuditEntry, error)
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <letter-id>",
		Short: "Print a letter's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ctx.openDB(cmd.Context())
			if err != nil {
				return err
			}
			out, err := renderHistory(cmd.Context(), repository.NewAuditRepository(db), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func renderHistory(ctx context.Context, audit historyReader, letterID string) (string, error) {
	entries, err := audit.History(ctx, nil, letterID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("letter %s has no audit entries", letterID)
	}
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		comment := ""
		if entry.Comment != nil {
			comment = *entry.Comment
		}
		detail := entry.Metadata.NumberString
		if entry.Metadata.SignatureRef != "" {
			detail = entry.Metadata.SignatureRef
		}
		rows = append(rows, []string{
			strconv.FormatInt(entry.Seq, 10),
			entry.CreatedAt.UTC().Format(time.RFC3339),
			string(entry.Action),
			stepText(entry.Step),
			rollbackText(entry),
			entry.ActorUserID,
			string(entry.ActorRole),
			comment,
			detail,
		})
	}
	headers := []string{"Seq", "Time", "Action", "Step", "Rollback", "Actor", "Role", "Comment", "Detail"}
	return renderTable(headers, rows, 0, 3), nil
}

func stepText(step *models.Step) string {
	if step == nil {
		return "-"
	}
	return strconv.Itoa(int(*step))
}

func rollbackText(entry models.AuditEntry) string {
	if entry.FromStep == nil || entry.ToStep == nil {
		return ""
	}
	return fmt.Sprintf("%d -> %d", *entry.FromStep, *entry.ToStep)
}
