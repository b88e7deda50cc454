package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/sage/sessionstore"
)

func (a *app) openStore() (*sessionstore.Store, error) {
	cfg, logger, err := a.load()
	if err != nil {
		return nil, err
	}
	return sessionstore.NewStore(cfg.Session.Dir, sessionstore.WithLogger(logger))
}

func (a *app) sessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and prune recorded sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			headers, err := store.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tUPDATED\tMESSAGES\tPROMPT")
			for _, h := range headers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", h.ID, h.State, h.UpdatedAt.Local().Format(time.DateTime), h.MessageCount, h.FirstPrompt)
			}
			return tw.Flush()
		},
	}

	var policy sessionstore.RotationPolicy
	var keep []string
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete the oldest sessions beyond the rotation limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-sessions") {
				policy.MaxSessions = cfg.Session.Rotation.MaxSessions
			}
			if !cmd.Flags().Changed("max-bytes") {
				policy.MaxBytes = cfg.Session.Rotation.MaxBytes
			}
			store, err := sessionstore.NewStore(cfg.Session.Dir, sessionstore.WithLogger(logger))
			if err != nil {
				return err
			}
			deleted, err := store.Prune(policy, keep...)
			if err != nil {
				return err
			}
			for _, id := range deleted {
				fmt.Fprintln(a.stdout, "deleted", id)
			}
			return nil
		},
	}
	prune.Flags().IntVar(&policy.MaxSessions, "max-sessions", 0, "sessions to keep (default: from config)")
	prune.Flags().Int64Var(&policy.MaxBytes, "max-bytes", 0, "total bytes to keep (default: from config)")
	prune.Flags().StringSliceVar(&keep, "keep", nil, "session ids never to delete")

	cmd.AddCommand(list, prune)
	return cmd
}

func (a *app) checkpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "List and restore a session's pre-tool checkpoints",
	}

	list := &cobra.Command{
		Use:   "list <session>",
		Short: "List checkpoints, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			sess, err := store.Open(args[0])
			if err != nil {
				return err
			}
			defer sess.Close()
			cps, err := sess.Checkpoints().List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tTIME\tFILES\tDESCRIPTION")
			for _, cp := range cps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", cp.ID, cp.Type, cp.Timestamp.Local().Format(time.DateTime), len(cp.Files), cp.Description)
			}
			return tw.Flush()
		},
	}

	restore := &cobra.Command{
		Use:   "restore <session> <checkpoint>",
		Short: "Write a checkpoint's files back to disk",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			sess, err := store.Open(args[0])
			if err != nil {
				return err
			}
			defer sess.Close()
			report, err := sess.Checkpoints().Restore(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			for _, f := range report.Files {
				if f.Restored {
					fmt.Fprintln(a.stdout, "restored", f.Path)
				} else {
					fmt.Fprintf(a.stdout, "failed   %s: %s\n", f.Path, f.Error)
				}
			}
			if !report.Success() {
				return fmt.Errorf("checkpoint %s restored partially", args[1])
			}
			return nil
		},
	}

	cmd.AddCommand(list, restore)
	return cmd
}
