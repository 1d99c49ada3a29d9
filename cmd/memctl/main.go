// memctl is the admin CLI for inspecting and pruning the memory store.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seshat-labs/seshat/src/config"
	"github.com/seshat-labs/seshat/src/memory/filter"
	"github.com/seshat-labs/seshat/src/memory/model"
	"github.com/seshat-labs/seshat/src/memory/session"
	"github.com/seshat-labs/seshat/src/memory/store"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "memctl",
		Short:         "Administer the long-term memory store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(newCollectionsCommand())
	root.AddCommand(newRecordsCommand())
	root.AddCommand(newForgetCommand())
	return root
}

// openStore builds and connects the configured backend.
func openStore(ctx context.Context) (store.VectorStore, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	vs, err := store.New(store.Options{
		Backend:  cfg.Store.Backend,
		Address:  cfg.Store.Address,
		Token:    cfg.Store.Token,
		Username: cfg.Store.Username,
		Password: cfg.Store.Password,
		DBName:   cfg.Store.DBName,
		TLS:      cfg.Store.TLS,
		DSN:      cfg.Store.DSN,
		Path:     cfg.Store.DataDir,
	})
	if err != nil {
		return nil, config.Config{}, err
	}
	if err := vs.Connect(ctx); err != nil {
		return nil, config.Config{}, fmt.Errorf("connect %s backend: %w", cfg.Store.Backend, err)
	}
	return vs, cfg, nil
}

func newCollectionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "List or drop collections",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			vs, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer vs.Close(ctx)
			names, err := vs.ListCollections(ctx)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("no collections")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	})

	var yes bool
	drop := &cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a collection and every record in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to drop %q without --yes", args[0])
			}
			ctx := cmd.Context()
			vs, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer vs.Close(ctx)
			if err := vs.DropCollection(ctx, args[0]); err != nil {
				return fmt.Errorf("drop failed: %w", err)
			}
			fmt.Printf("dropped collection %q\n", args[0])
			return nil
		},
	}
	drop.Flags().BoolVar(&yes, "yes", false, "confirm the drop")
	cmd.AddCommand(drop)

	return cmd
}

func newRecordsCommand() *cobra.Command {
	var (
		collection string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Show the most recent memory records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			vs, cfg, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer vs.Close(ctx)
			if collection == "" {
				collection = cfg.Store.Collection
			}
			recs, err := store.GetLatestRecords(ctx, vs, collection, limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no records")
				return nil
			}
			for _, rec := range recs {
				fmt.Printf("%d\t%s\t%s\t%s\n",
					rec.ID,
					rec.CreatedAt().Format(time.DateTime),
					rec.SessionID,
					rec.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "collection to read (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum records to show")
	return cmd
}

func newForgetCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "forget <session>",
		Short: "Delete every memory for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			if !yes {
				return fmt.Errorf("refusing to forget session %q without --yes", sessionID)
			}
			ctx := cmd.Context()
			vs, cfg, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer vs.Close(ctx)
			expr, err := filter.Eq(model.FieldSessionID, sessionID)
			if err != nil {
				return err
			}
			removed, err := vs.Delete(ctx, cfg.Store.Collection, expr)
			if err != nil {
				return fmt.Errorf("delete failed: %w", err)
			}
			if err := vs.Flush(ctx, cfg.Store.Collection); err != nil {
				return fmt.Errorf("deleted %d records but flush failed: %w", removed, err)
			}
			if counter, err := session.OpenCounter(cfg.Store.CounterPath); err == nil {
				if err := counter.Forget(ctx, sessionID); err != nil {
					fmt.Fprintf(os.Stderr, "warning: counter cleanup failed: %v\n", err)
				}
				counter.Close()
			}
			fmt.Printf("forgot session %q: %d records removed\n", sessionID, removed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cmd
}
