package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/systemshift/atrepo/internal/config"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"data-dir":     "data-dir",
	"backend":      "backend",
	"cache-size":   "cache-size",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"metrics-addr": "metrics.addr",
	"identity":     "identity.path",
}

// env carries the settings shared by every subcommand.
type env struct {
	v          *viper.Viper
	configFile string
	did        string
}

type runFunc func(cmd *cobra.Command, args []string, a *app) error

// run opens the app for one command and closes it afterwards, also when fn
// fails.
func (e *env) run(fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		if err := bindFlags(cmd, e.v); err != nil {
			return err
		}
		cfg, err := config.Load(e.v, e.configFile)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), cfg, cmd.ErrOrStderr(), e.did)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, a.close())
		}()
		return fn(cmd, args, a)
	}
}

func newRootCmd() *cobra.Command {
	e := &env{v: config.New()}
	root := &cobra.Command{
		Use:   "atrepo",
		Short: "signed content-addressed account repositories",
		Long: fmt.Sprintf(`atrepo (%s)

Keeps per-account repositories of records in a Merkle Search Tree, signs
every change as a commit and syncs repositories as CAR files. Settings are
read from --config, then ATREPO_* environment variables, then flags.`, Version),
		SilenceUsage: true,
	}

	d := config.Default()
	pf := root.PersistentFlags()
	pf.StringVar(&e.configFile, "config", "", "config file (yaml, toml or json)")
	pf.StringVar(&e.did, "did", "", "account to operate on (default: the local identity)")
	pf.String("data-dir", d.DataDir, "directory holding the database and identity")
	pf.String("backend", d.Backend, "storage backend (memory, badger, sqlite)")
	pf.Int("cache-size", d.CacheSize, "blocks kept in the in-memory cache, 0 disables it")
	pf.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	pf.String("log-format", d.Log.Format, "log format (text, json)")
	pf.String("metrics-addr", d.Metrics.Addr, "serve Prometheus metrics on this address")
	pf.String("identity", d.Identity.Path, "identity file (default: <data-dir>/identity.json)")

	root.AddCommand(
		newInitCmd(e),
		newPutCmd(e),
		newDeleteCmd(e),
		newGetCmd(e),
		newLsCmd(e),
		newLogCmd(e),
		newExportCmd(e),
		newImportCmd(e),
		newVerifyCmd(e),
		newMountCmd(e),
		newVersionCmd(),
	)
	return root
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "atrepo %s\n", Version)
		},
	}
}
