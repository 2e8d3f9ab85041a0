package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/systemshift/atrepo/internal/car"
	"github.com/systemshift/atrepo/internal/repo"
	"github.com/systemshift/atrepo/internal/storage"
)

func newExportCmd(e *env) *cobra.Command {
	var (
		since     string
		out       string
		reachable bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the repository as a CAR file",
		Long: `Write the repository as a CAR file. With --since only blocks created after
that revision are written, which is what a replica at that revision needs.
With --reachable only the blocks of the current head are written.`,
		Args: cobra.NoArgs,
		RunE: e.run(func(cmd *cobra.Command, _ []string, a *app) (err error) {
			if reachable && since != "" {
				return fmt.Errorf("--since and --reachable are exclusive")
			}
			r, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out != "" {
				f, ferr := os.Create(out)
				if ferr != nil {
					return ferr
				}
				defer func() {
					if cerr := f.Close(); err == nil {
						err = cerr
					}
				}()
				w = f
			}
			bw := bufio.NewWriter(w)
			if reachable {
				err = repo.ExportReachable(cmd.Context(), r.Storage(), r.CID(), bw)
			} else {
				err = r.ExportCar(cmd.Context(), since, bw)
			}
			if err != nil {
				return err
			}
			return bw.Flush()
		}),
	}
	cmd.Flags().StringVar(&since, "since", "", "only blocks newer than this revision")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&reachable, "reachable", false, "only blocks reachable from the head")
	return cmd
}

func openInput(cmd *cobra.Command, args []string) (io.ReadCloser, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(args[0])
}

func newImportCmd(e *env) *cobra.Command {
	var diff bool
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Verify a CAR file and make it the account's head",
		Long: `Verify a CAR file and make it the head of the account selected by --did.
A full CAR replaces the head; with --diff the CAR holds only the commits
and blocks created since the local head.`,
		Args: cobra.MaximumNArgs(1),
		RunE: e.run(func(cmd *cobra.Command, args []string, a *app) error {
			in, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer in.Close()
			br := bufio.NewReader(in)
			return a.write(cmd.Context(), func(s storage.RepoStorage) error {
				var r *repo.Repo
				if diff {
					r, err = repo.ImportDiff(cmd.Context(), s, br, a.resolver, a.repoOptions())
				} else {
					r, err = repo.ImportRepo(cmd.Context(), s, br, a.resolver, a.repoOptions())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", r.DID(), r.Rev(), r.CID())
				return nil
			})
		}),
	}
	cmd.Flags().BoolVar(&diff, "diff", false, "the CAR is an incremental export")
	return cmd
}

func newVerifyCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [file]",
		Short: "Check a full repository CAR without importing it",
		Args:  cobra.MaximumNArgs(1),
		RunE: e.run(func(cmd *cobra.Command, args []string, a *app) error {
			in, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer in.Close()
			root, bm, err := car.ReadAll(bufio.NewReader(in))
			if err != nil {
				return err
			}
			v, err := repo.VerifyRepo(cmd.Context(), root, bm, a.did, a.resolver)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s rev %s: %d blocks, %d unreachable\n",
				v.Commit.DID, v.Commit.Rev, v.Blocks.Len(), len(v.Unreachable))
			return nil
		}),
	}
}
