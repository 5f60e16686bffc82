// Command harvester collects the Steam app list, game details and positive
// reviews into append-only output files. Every job resumes where the last
// run stopped.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK          = 0
	exitFatal       = 1
	exitInterrupted = 130
)

type options struct {
	configPath string
	debug      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	switch code {
	case exitInterrupted:
		log.Warn().Msg("Interrupted, unfinished keys stay pending for the next run")
	case exitFatal:
		event := log.Error().Err(err)
		if hint := errors.FlattenHints(err); hint != "" {
			event = event.Str("hint", hint)
		}
		event.Msg("Harvest failed")
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFatal
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "harvester",
		Short: "Resumable Steam catalog, game and review harvester",
		Long: `harvester fetches the Steam app list, the store details of every game and
the positive reviews of every harvested game. Progress is checkpointed per
key, so a stopped or crashed job continues where it left off.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "harvester.yaml", "config file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "applist",
			Short: "Fetch the Steam app list and write it sorted by app id",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), opts, runAppList)
			},
		},
		&cobra.Command{
			Use:   "games",
			Short: "Harvest store details and SteamSpy tags of every app in the app list",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), opts, runGames)
			},
		},
		&cobra.Command{
			Use:   "reviews",
			Short: "Harvest the positive reviews of every harvested game",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), opts, runReviews)
			},
		},
	)
	return root
}
