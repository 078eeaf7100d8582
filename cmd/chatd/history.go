package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chatd/internal/common/fsutil"
	"chatd/internal/history"
	"chatd/internal/transcript"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect archived conversations",
	}

	open := func(cmd *cobra.Command) (*history.Store, error) {
		cfg, err := opts.load(cmd)
		if err != nil {
			return nil, err
		}
		if cfg.HistoryDB == "" {
			return nil, errors.New("history is disabled: set --history-db or CHATD_HISTORY_DB")
		}
		path, err := fsutil.ExpandHome(cfg.HistoryDB)
		if err != nil {
			return nil, err
		}
		return history.Open(cmd.Context(), path)
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			items, err := st.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "No archived conversations")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENDED\tMODEL\tTURNS\tPREVIEW")
			for _, s := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.EndedAt.Local().Format(time.DateTime), s.Model, s.Turns, s.Preview)
			}
			return w.Flush()
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows")

	var format string
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print an archived conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := transcript.NewExporter(format)
			if err != nil {
				return err
			}
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			t, err := st.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return exp.Export(transcript.Document{
				ID:      t.ID,
				Model:   t.Model,
				Backend: t.Backend,
				SavedAt: t.EndedAt,
				Turns:   t.Turns,
			}, cmd.OutOrStdout())
		},
	}
	show.Flags().StringVarP(&format, "format", "f", "txt", "Output format: txt, md, json, jsonl, yaml")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an archived conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}
