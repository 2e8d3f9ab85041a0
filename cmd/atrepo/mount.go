package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/systemshift/atrepo/internal/fuse"
)

func newMountCmd(e *env) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the account's repository read-only",
		Args:  cobra.ExactArgs(1),
		RunE: e.run(func(cmd *cobra.Command, args []string, a *app) error {
			mountpoint := args[0]
			if err := os.MkdirAll(mountpoint, 0o755); err != nil {
				return err
			}
			server, err := fuse.Mount(mountpoint, a.storage(), fuse.Options{
				Debug:  debug,
				Logger: a.logger,
				Repo:   a.repoOptions(),
			})
			if err != nil {
				return err
			}

			done := make(chan os.Signal, 1)
			signal.Notify(done, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(done)
			go func() {
				<-done
				a.logger.Info("unmounting", slog.String("mountpoint", mountpoint))
				if err := server.Unmount(); err != nil {
					a.logger.Error("unmount", slog.Any("error", err))
				}
			}()

			server.Wait()
			return nil
		}),
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "log every FUSE request")
	return cmd
}
