package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/flowhub/internal/app"
	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		store, err := app.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Fprintln(cmd.OutOrStdout(), ">> Seeding demo workspaces...")
		if err := seedWorkspaces(cmd.Context(), store, cmd.OutOrStdout(), time.Now().UTC()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ">> Seed completed")
		return nil
	},
}

func demoWorkspaces() []model.Workspace {
	return []model.Workspace{
		{Name: "Acme Corp", Status: "active", RateLimitRPS: intptr(20)},
		{Name: "Foobar LLC", Status: "active", RateLimitRPS: intptr(50)},
		{Name: "Beta Testers", Status: "active", RateLimitRPS: intptr(5)},
		{Name: "Suspended Inc", Status: "suspended"},
	}
}

// seedWorkspaces inserts missing demo workspaces with fresh API keys and
// leaves existing ones, and their keys, untouched.
func seedWorkspaces(ctx context.Context, dbx *sqlx.DB, out io.Writer, now time.Time) error {
	tx, err := dbx.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectQ := tx.Rebind(`SELECT api_key FROM workspaces WHERE name = ?`)
	insertQ := tx.Rebind(`
		INSERT INTO workspaces (name, api_key, status, rate_limit_rps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	for _, w := range demoWorkspaces() {
		var key string
		err := tx.GetContext(ctx, &key, selectQ, w.Name)
		switch {
		case err == nil:
			fmt.Fprintf(out, "   %-14s exists   api_key=%s\n", w.Name, key)
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup workspace %q: %w", w.Name, err)
		}

		key = strings.ReplaceAll(uuid.NewString(), "-", "")
		if _, err := tx.ExecContext(ctx, insertQ, w.Name, key, w.Status, w.RateLimitRPS, now, now); err != nil {
			return fmt.Errorf("insert workspace %q: %w", w.Name, err)
		}
		fmt.Fprintf(out, "   %-14s created  api_key=%s\n", w.Name, key)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workspaces: %w", err)
	}
	return nil
}

func intptr(i int) *int { return &i }
