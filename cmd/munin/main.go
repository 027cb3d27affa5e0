// Package main provides the Munin CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orneryd/munin/pkg/config"
	"github.com/orneryd/munin/pkg/hierarchy"
	"github.com/orneryd/munin/pkg/munin"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "munin",
		Short: "Munin - local-first sync core for hierarchical notes",
		Long: `Munin keeps a hierarchical note graph responsive while syncing it
to a durable backend: edits apply in memory instantly, durable writes
are debounced and coalesced, and conflicting changes are resolved
last-write-wins with full rollback on rejected writes.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("munin %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "daemon",
		Short: "Run the sync core until interrupted",
		Long: `Opens the configured store, connects the push feed when enabled,
and keeps syncing until SIGINT/SIGTERM. Useful as a long-lived local
sync sidecar.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configPath)
			if err != nil {
				return err
			}
			client, err := munin.Open(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Printf("munin: running (data dir %q, push %v)\n",
				cfg.Database.DataDir, cfg.Push.Enabled)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan
			fmt.Println("munin: shutting down")
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "tree [node-id]",
		Short: "Print the note hierarchy",
		Long: `Prints the subtree rooted at node-id, or all roots when omitted.
Children appear in sibling order.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configPath)
			if err != nil {
				return err
			}
			// Read-only walk; the feed is irrelevant here.
			cfg.Push.Enabled = false
			client, err := munin.Open(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			rootKey := hierarchy.RootKey
			if len(args) == 1 {
				rootKey = args[0]
			}
			return printTree(cmd.Context(), client, rootKey, 0)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print sync core counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configPath)
			if err != nil {
				return err
			}
			cfg.Push.Enabled = false
			client, err := munin.Open(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			s := client.Stats()
			fmt.Printf("updates:          %d\n", s.Updates)
			fmt.Printf("conflicts:        %d\n", s.Conflicts)
			fmt.Printf("rollbacks:        %d\n", s.Rollbacks)
			fmt.Printf("pending updates:  %d\n", s.PendingUpdates)
			fmt.Printf("pending writes:   %d\n", s.PendingWrites)
			fmt.Printf("write failures:   %d\n", s.WriteFailures)
			fmt.Printf("cache hit ratio:  %.2f\n", s.CacheHitRatio)
			return nil
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// printTree walks children depth-first through the hierarchy cache.
func printTree(ctx context.Context, client *munin.Client, parentKey string, depth int) error {
	kids, err := client.Hierarchy().Children(ctx, parentKey)
	if err != nil {
		return err
	}
	for _, id := range kids {
		label := id
		if node, ok := client.Store().Get(id); ok {
			content := node.Content
			if i := strings.IndexByte(content, '\n'); i >= 0 {
				content = content[:i]
			}
			label = fmt.Sprintf("%s  [%s v%d] %s", id, node.Type, node.Version, content)
		}
		fmt.Printf("%s%s\n", strings.Repeat("  ", depth), label)
		if err := printTree(ctx, client, id, depth+1); err != nil {
			return err
		}
	}
	return nil
}
