package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pullwatch/pkg/config"
	"pullwatch/pkg/puller"
	"pullwatch/pkg/reference"
	"pullwatch/pkg/snapshot"
)

const usage = "Usage: pullwatch <image_name> [report_url]"

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pullwatch <image> [report_url]",
		Short: "Pull an image through the Docker socket and snapshot its progress",
		Long: `pullwatch asks the Docker daemon to pull an image and keeps a JSON snapshot of
the per-layer progress under <base-dir>/docker/. When a report URL is given the
snapshot is also POSTed there every report interval while the pull runs.

The outcome is printed to stdout as {"code": <int>, "message": <string>}.
Arguments after the report URL are ignored. To pull an image named like a
subcommand, end the flags first: pullwatch -- list`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				printStatus(cmd.OutOrStdout(), puller.UsageStatus(usage))
				return nil
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log := cfg.NewLogger(cmd.ErrOrStderr())
			if len(args) > 2 {
				log.WithField("ignored", args[2:]).Warn("Ignoring extra arguments")
			}

			opts := []puller.Option{puller.WithLogger(log)}
			if len(args) == 2 {
				if !validReportURL(args[1]) {
					printStatus(cmd.OutOrStdout(), puller.UsageStatus("Invalid report URL"))
					return nil
				}
				opts = append(opts, puller.WithReportURL(args[1]))
			}

			err = puller.New(cfg, opts...).Pull(cmd.Context(), args[0])
			printStatus(cmd.OutOrStdout(), puller.StatusFromError(err))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("base-dir", v.GetString(config.KeyBaseDir), "directory holding the docker/ snapshot folder")
	flags.String("socket", v.GetString(config.KeySocket), "path of the Docker daemon socket")
	flags.String("api-version", v.GetString(config.KeyAPIVersion), "Docker Engine API version used in the request path")
	flags.Duration("report-interval", v.GetDuration(config.KeyReportInterval), "interval between snapshot reports")
	flags.Int("read-buffer", v.GetInt(config.KeyReadBuffer), "size of each socket read in bytes")
	flags.String("log-level", v.GetString(config.KeyLogLevel), "log level (trace, debug, info, warn, error)")
	flags.String("log-format", v.GetString(config.KeyLogFormat), "log format (text, json)")

	for key, flag := range map[string]string{
		config.KeyBaseDir:        "base-dir",
		config.KeySocket:         "socket",
		config.KeyAPIVersion:     "api-version",
		config.KeyReportInterval: "report-interval",
		config.KeyReadBuffer:     "read-buffer",
		config.KeyLogLevel:       "log-level",
		config.KeyLogFormat:      "log-format",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(newStatusCmd(v))
	rootCmd.AddCommand(newListCmd(v))
	return rootCmd
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status [image]",
		Short: "Print the latest progress snapshot of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			ref, err := reference.Normalize(args[0])
			if err != nil {
				return err
			}

			store := snapshot.NewStore(cfg.BaseDir, ref)
			doc, err := store.Load()
			if err != nil {
				return fmt.Errorf("no snapshot for %s: %w", ref, err)
			}
			data, err := doc.MarshalIndent()
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", ref, doc.Summary())
			return nil
		},
	}
}

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List images that have a progress snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			refs, err := snapshot.List(cfg.BaseDir)
			if err != nil {
				return err
			}

			if len(refs) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No snapshots found")
				return nil
			}
			for _, ref := range refs {
				fmt.Fprintln(cmd.OutOrStdout(), ref)
			}
			return nil
		},
	}
}

func validReportURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func printStatus(w io.Writer, status puller.Status) {
	fmt.Fprint(w, status.String())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(config.NewViper()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
