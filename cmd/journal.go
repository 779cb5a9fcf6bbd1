package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/httprunner/ComputePool/pkg/storage"
)

func newJournalCmd() *cobra.Command {
	var (
		flagPath   string
		flagDevice string
		flagLimit  int
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print recent pool events from the SQLite journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storage.OpenJournalReader(flagPath)
			if err != nil {
				return err
			}
			defer db.Close()
			events, err := storage.QueryRecent(cmd.Context(), db, flagDevice, flagLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tDEVICE\tPOOL\tDETAIL")
			for _, ev := range events {
				detail := ""
				if ev.Detail != nil {
					detail = fmt.Sprint(ev.Detail)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					ev.Time.Format(time.RFC3339), ev.Event, ev.DeviceID, ev.PoolID, detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&flagPath, "path", "", "Journal path (default from POOL_JOURNAL_DB_PATH or ~/.computepool)")
	cmd.Flags().StringVar(&flagDevice, "device", "", "Only show events of this device")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "Maximum rows")
	return cmd
}
