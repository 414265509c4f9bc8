package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"qnasession/internal/cluster"
	"qnasession/internal/store"
)

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Run or inspect topic clustering",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one clustering pass over every room and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			st, err := store.Open(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			classifier, err := cluster.NewClassifier(cfg.Classifier, logger)
			if err != nil {
				return err
			}
			sched := cluster.NewScheduler(st, classifier, cluster.SchedulerConfig{Logger: logger})
			report, err := sched.RunOnce(ctx)
			if err != nil {
				return err
			}
			printJSON(report)
			return nil
		},
	})

	var roomID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the clusters of a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := store.Open(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			clusters, err := st.ListClusters(ctx, roomID)
			if err != nil {
				return err
			}
			if len(clusters) == 0 {
				fmt.Printf("No clusters in room %s.\n", roomID)
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COUNT\tTITLE\tID\tUPDATED")
			for _, c := range clusters {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", c.MessageCount, c.Title, c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&roomID, "room", "", "room id")
	list.MarkFlagRequired("room")
	cmd.AddCommand(list)

	return cmd
}
