package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nclav-io/nclav/pkg/store"
)

// openStore picks the SQL-backed store when --store-dsn is set, else
// falls back to the embedded bbolt store rooted at --data-dir.
func openStore(ctx context.Context, cmd *cobra.Command) (store.StateStore, error) {
	dsn, _ := cmd.Flags().GetString("store-dsn")
	if dsn != "" {
		st, err := store.NewSQLStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect sql store: %w", err)
		}
		return st, nil
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	st, err := store.NewBboltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open bbolt store: %w", err)
	}
	return st, nil
}
