package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/store"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit [userId]",
	Short: "Show the memory deletion audit trail",
	Long: `Print recent audit log entries, newest first.

Each entry records one removed visibility link: an explicit memory
deletion or a replacement made by the formation pipeline. Pass a user id
to filter to one user.

Examples:
  xylem audit
  xylem audit user_42 --limit 100`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := ""
		if len(args) > 0 {
			userID = args[0]
		}
		return runAudit(userID, auditLimit)
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries to show")
}

func runAudit(userID string, limit int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{
		DBType:     cfg.DBType,
		DSN:        cfg.DSN,
		Dimensions: cfg.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	entries, err := st.AuditLog(ctx, userID, limit)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  user=%s  removed=%s",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.UserID, e.OldVectorID)
		if e.NewVectorID != "" {
			line += fmt.Sprintf("  replaced-by=%s", e.NewVectorID)
		}
		if e.Reason != "" {
			line += fmt.Sprintf("  reason=%q", e.Reason)
		}
		fmt.Println(line)
	}
	return nil
}
