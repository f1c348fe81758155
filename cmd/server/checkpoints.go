package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartridge/expreplay/internal/checkpoint"
	"github.com/cartridge/expreplay/internal/storage"
)

var checkpointPath string

func newCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and export saved replay memory checkpoints",
	}
	cmd.PersistentFlags().StringVar(&checkpointPath, "checkpoint-path", "", "SQLite checkpoint database")
	_ = cmd.MarkPersistentFlagRequired("checkpoint-path")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE:  runListCheckpoints,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect NAME",
		Short: "Decode a checkpoint and print its contents summary",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspectCheckpoint,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "export NAME FILE",
		Short: "Write a checkpoint snapshot to a file",
		Args:  cobra.ExactArgs(2),
		RunE:  runExportCheckpoint,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteCheckpoint,
	})
	return cmd
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	store, err := checkpoint.Open(checkpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTRANSITIONS\tBYTES\tCREATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", r.Name, r.Transitions, r.SizeBytes, r.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runInspectCheckpoint(cmd *cobra.Command, args []string) error {
	store, err := checkpoint.Open(checkpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	record, err := store.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	memory, err := storage.Restore(record.Payload)
	if err != nil {
		return err
	}

	summary := map[string]any{
		"name":              record.Name,
		"created_at":        record.CreatedAt,
		"size_bytes":        record.SizeBytes,
		"length":            memory.Length(),
		"total_stored":      memory.TotalStored(),
		"limit":             memory.MaxSize().Limit,
		"granularity":       memory.MaxSize().Granularity.String(),
		"allows_duplicates": memory.AllowsDuplicates(),
	}
	if mean, err := memory.MeanReward(); err == nil {
		summary["mean_reward"] = mean
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func runExportCheckpoint(cmd *cobra.Command, args []string) error {
	store, err := checkpoint.Open(checkpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	record, err := store.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], record.Payload, 0o644); err != nil {
		return fmt.Errorf("export checkpoint: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", record.SizeBytes, args[1])
	return nil
}

func runDeleteCheckpoint(cmd *cobra.Command, args []string) error {
	store, err := checkpoint.Open(checkpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.Delete(cmd.Context(), args[0])
}
