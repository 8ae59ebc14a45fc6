package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/gostratum/datastorex"
	"github.com/gostratum/datastorex/adapters/localfs"
	"github.com/gostratum/datastorex/adapters/s3"
	"github.com/gostratum/datastorex/orchestrator"
)

const stopTimeout = 30 * time.Second

// cliOptions are the persistent flags shared by every command
type cliOptions struct {
	configFile string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "datastorectl",
		Short: "Read, write and move objects across configured storage providers",
		Long: `datastorectl routes each object path to the provider that claims it.

Providers are read from the datastore.providers section of the config file:

	datastore:
	  providers:
	    localfs:
	      - identifier: scratch
	        root: /tmp/scratch
	    s3:
	      - bucket: my-bucket
	        region: eu-west-1
	        use_sdk_defaults: true

Usage examples:

	datastorectl put local://scratch/report.csv report.csv
	datastorectl cp local://scratch/report.csv s3://my-bucket/reports/report.csv
	datastorectl cat s3://my-bucket/reports/report.csv --offset 100 --length 50
`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default: datastorex.yaml in ., ./config, /etc/datastorex)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")

	root.AddCommand(
		newProvidersCmd(opts),
		newHealthCmd(opts),
		newStatCmd(opts),
		newCatCmd(opts),
		newPutCmd(opts),
		newCopyCmd(opts),
		newMoveCmd(opts),
		newRemoveCmd(opts),
	)
	return root
}

// runFunc is a command body that receives a started orchestrator
type runFunc func(cmd *cobra.Command, o *orchestrator.Orchestrator, args []string) error

// withOrchestrator starts the fx graph around fn and stops it afterwards
func withOrchestrator(opts *cliOptions, fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		v, err := opts.viper()
		if err != nil {
			return err
		}

		var o *orchestrator.Orchestrator
		app := fx.New(
			fx.NopLogger,
			datastorex.ConfigFromViper(v),
			datastorex.Module(),
			localfs.Module(),
			s3.Module(),
			orchestrator.Module(),
			fx.Populate(&o),
		)
		if err := app.Start(ctx); err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()
			if stopErr := app.Stop(stopCtx); stopErr != nil && err == nil {
				err = stopErr
			}
		}()

		cmd.SetContext(ctx)
		return fn(cmd, o, args)
	}
}

// viper loads the config file named by --config, or searches the default paths
func (opts *cliOptions) viper() (*viper.Viper, error) {
	var v *viper.Viper
	if opts.configFile != "" {
		v = viper.New()
		v.SetConfigFile(opts.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %q: %w", opts.configFile, err)
		}
	} else {
		v = datastorex.ViperOrDefault(nil)
	}

	if opts.verbose {
		v.Set("datastore.enable_logging", true)
		v.Set("datastore.log_level", "debug")
	}
	return v, nil
}
