// Package history lists finished transfers from the local database.
package history

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lebao3105/LocalTalk-sub002/cmd/internal/bootstrap"
	"github.com/lebao3105/LocalTalk-sub002/storage"
)

var (
	configPath string
	logMode    string
	limit      int
	pruneDays  int
)

var Cmd = &cobra.Command{
	Use:   "history",
	Short: "Show past transfers",
	Long:  "Print the transfer history recorded by this node, newest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	Cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	Cmd.PersistentFlags().StringVar(&logMode, "log", "none", "log mode: dev|prod|none")
	Cmd.PersistentFlags().IntVarP(&limit, "limit", "n", 50, "maximum entries to print")
	Cmd.PersistentFlags().IntVar(&pruneDays, "prune", 0, "delete entries older than N days before printing")
}

func run() error {
	cfg, logger, err := bootstrap.Load(configPath, logMode)
	if err != nil {
		return err
	}

	store, err := storage.OpenPath(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("open storage: %v", err)
	}
	defer store.Close()

	if pruneDays > 0 {
		removed, err := store.PruneHistory(time.Now().AddDate(0, 0, -pruneDays))
		if err != nil {
			return fmt.Errorf("prune history: %v", err)
		}
		logger.Infof("Pruned %d history entries older than %d days", removed, pruneDays)
	}

	entries, err := store.History(limit)
	if err != nil {
		return fmt.Errorf("read history: %v", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "No transfers recorded")
		return nil
	}

	for _, entry := range entries {
		finished := "-"
		if entry.FinishedAt != nil {
			finished = entry.FinishedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "%s  %-7s %-9s %-30s %s  %d/%d bytes  peer=%s\n",
			entry.StartedAt.Format(time.RFC3339), entry.Direction, entry.Status,
			entry.FileName, finished, entry.Transferred, entry.Size, entry.Peer)
	}
	return nil
}
