package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systemshift/atrepo/internal/mst"
	"github.com/systemshift/atrepo/internal/repo"
	"github.com/systemshift/atrepo/internal/storage"
)

func newInitCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the empty genesis commit for the account",
		Args:  cobra.NoArgs,
		RunE: e.run(func(cmd *cobra.Command, _ []string, a *app) error {
			if a.did != a.signer.DID() {
				return fmt.Errorf("%w: cannot sign for %s", repo.ErrDIDMismatch, a.did)
			}
			return a.write(cmd.Context(), func(s storage.RepoStorage) error {
				if _, err := s.GetRoot(cmd.Context()); err == nil {
					return fmt.Errorf("repository for %s already exists", s.DID())
				} else if !errors.Is(err, storage.ErrRepoRootNotFound) {
					return err
				}
				r, err := repo.InitRepo(cmd.Context(), s, a.signer, nil, a.repoOptions())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", r.DID(), r.Rev(), r.CID())
				return nil
			})
		}),
	}
}

func newPutCmd(e *env) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "put <collection> <rkey> [json]",
		Short: "Create or replace a record",
		Long: `Create or replace a record. The record is a JSON object given as the
third argument, read from --file, or read from stdin when neither is set.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: e.run(func(cmd *cobra.Command, args []string, a *app) error {
			var raw []byte
			var err error
			switch {
			case len(args) == 3:
				raw = []byte(args[2])
			case file != "":
				raw, err = os.ReadFile(file)
			default:
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			record, err := parseRecord(raw)
			if err != nil {
				return err
			}
			return commit(cmd, a, func(r *repo.Repo) (repo.WriteOp, error) {
				op := repo.WriteOp{Action: repo.ActionCreate, Collection: args[0], RKey: args[1], Record: record}
				if _, err := r.GetRecord(cmd.Context(), args[0], args[1]); err == nil {
					op.Action = repo.ActionUpdate
				} else if !errors.Is(err, repo.ErrRecordNotFound) {
					return op, err
				}
				return op, nil
			})
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the record from this file")
	return cmd
}

func newDeleteCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <rkey>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: e.run(func(cmd *cobra.Command, args []string, a *app) error {
			return commit(cmd, a, func(*repo.Repo) (repo.WriteOp, error) {
				return repo.WriteOp{Action: repo.ActionDelete, Collection: args[0], RKey: args[1]}, nil
			})
		}),
	}
}

// commit applies the single write op builds against the current head.
func commit(cmd *cobra.Command, a *app, build func(*repo.Repo) (repo.WriteOp, error)) error {
	ctx := cmd.Context()
	return a.write(ctx, func(s storage.RepoStorage) error {
		r, err := repo.Load(ctx, s, a.repoOptions())
		if err != nil {
			return err
		}
		op, err := build(r)
		if err != nil {
			return err
		}
		next, err := r.ApplyWrites(ctx, []repo.WriteOp{op}, a.signer)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", op.Action, next.Rev(), next.CID())
		return nil
	})
}

func newGetCmd(e *env) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "get <collection> <rkey>",
		Short: "Print a record as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: e.run(func(cmd *cobra.Command, args []string, a *app) error {
			r, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := r.GetRecord(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if raw {
				_, err := cmd.OutOrStdout().Write(rec.Data)
				return err
			}
			v, err := rec.Value()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(toJSON(v))
		}),
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "write the DAG-CBOR bytes instead of JSON")
	return cmd
}

func newLsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [collection]",
		Short: "List collections, or the records of one collection",
		Args:  cobra.MaximumNArgs(1),
		RunE: e.run(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			r, err := a.load(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if len(args) == 1 {
				recs, err := r.ListRecords(ctx, args[0])
				if err != nil {
					return err
				}
				for _, rec := range recs {
					fmt.Fprintf(w, "%s\t%s\n", rec.RKey, rec.CID)
				}
				return w.Flush()
			}
			counts := map[string]int{}
			var order []string
			err = r.Data().Walk(ctx, func(l mst.Leaf) error {
				coll, _, _ := strings.Cut(l.Key, "/")
				if counts[coll] == 0 {
					order = append(order, coll)
				}
				counts[coll]++
				return nil
			})
			if err != nil {
				return err
			}
			for _, coll := range order {
				fmt.Fprintf(w, "%s\t%d\n", coll, counts[coll])
			}
			return w.Flush()
		}),
	}
}

func newLogCmd(e *env) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the commit history, newest first",
		Args:  cobra.NoArgs,
		RunE: e.run(func(cmd *cobra.Command, _ []string, a *app) error {
			r, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			hist, err := r.History(cmd.Context(), n)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, h := range hist {
				ts := "-"
				if t, err := repo.TIDTime(h.Commit.Rev); err == nil {
					ts = t.UTC().Format("2006-01-02T15:04:05.000000Z")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Commit.Rev, ts, h.CID, h.Commit.DataCID())
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVarP(&n, "number", "n", 20, "number of commits to show")
	return cmd
}
