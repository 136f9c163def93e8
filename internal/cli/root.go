// Package cli implements wardenctl, the operator command line for mailwarden.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"

	mc "github.com/linnemanlabs/mailwarden/internal/cfg"
	"github.com/linnemanlabs/mailwarden/internal/escalation"
	escpg "github.com/linnemanlabs/mailwarden/internal/escalation/pgstore"
	"github.com/linnemanlabs/mailwarden/internal/postgres"
)

// EnvPrefix is shared with the server so one environment configures both.
const EnvPrefix = "MAILWARDEN_"

type options struct {
	app    mc.Config
	logCfg log.Config
	fs     *flag.FlagSet
	logger log.Logger

	// openTasks and openIngester are replaced in tests.
	openTasks    func(ctx context.Context) (escalation.Store, func(), error)
	openIngester func(ctx context.Context) (ingester, func(), error)
}

// NewRootCmd builds the wardenctl command tree. Server flags are accepted
// with a double dash and fall back to MAILWARDEN_* environment variables.
func NewRootCmd(version string) *cobra.Command {
	return newRootCmd(newOptions(), version)
}

func newOptions() *options {
	o := &options{fs: flag.NewFlagSet("wardenctl", flag.ContinueOnError)}
	o.app.RegisterFlags(o.fs)
	o.logCfg.RegisterFlags(o.fs)
	o.openTasks = o.openPGTasks
	o.openIngester = o.openPGIngester
	return o
}

func newRootCmd(o *options, version string) *cobra.Command {
	root := &cobra.Command{
		Use:     "wardenctl",
		Short:   "Operate a mailwarden deployment",
		Version: version,
		Long: `wardenctl loads reference documents into the retrieval index and
inspects the escalation tasks waiting for an operator.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.load(cmd)
		},
	}
	root.PersistentFlags().AddGoFlagSet(o.fs)

	root.AddCommand(ingestCmd(o))
	root.AddCommand(tasksCmd(o))
	return root
}

// load copies explicitly set flags into the go FlagSet so FillFromEnv only
// fills the rest, then builds the logger.
func (o *options) load(cmd *cobra.Command) error {
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if o.fs.Lookup(f.Name) != nil {
			_ = o.fs.Set(f.Name, f.Value.String())
		}
	})
	cfg.FillFromEnv(o.fs, EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := o.logCfg.Validate(); err != nil {
		return fmt.Errorf("log configuration: %w", err)
	}
	lg, err := log.New(o.logCfg.ToOptions("mailwarden"))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	o.logger = lg.With("component", "wardenctl")
	cmd.SetContext(postgres.WithOrigin(log.WithContext(cmd.Context(), o.logger), postgres.OriginWardenctl))
	return nil
}

func (o *options) openPGTasks(ctx context.Context) (escalation.Store, func(), error) {
	if o.app.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required (--database-url or %sDATABASE_URL)", EnvPrefix)
	}
	pool, err := postgres.NewPool(ctx, o.app.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	store, err := escpg.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("task store init: %w", err)
	}
	return store, pool.Close, nil
}
