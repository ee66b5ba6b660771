package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"pipelineworker/internal/config"
	"pipelineworker/internal/models"
	"pipelineworker/internal/store"
	"pipelineworker/internal/synchronize"
)

var syncCmd = &cobra.Command{
	Use:   "sync <worker-id> <completion-code>",
	Short: "Synchronizes completed executions into the remote database once",
	Long: `Performs a single synchronization of the executions with the given completion result
(error, cancel, resubmitted, success or their numeric codes) into the remote database.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)

		workerID, err := uuid.Parse(args[0])
		if err != nil {
			log.Fatal().Err(err).Str("worker_id", args[0]).Msg("Invalid worker id")
		}
		code, ok := models.ParseCompletionResult(args[1])
		if !ok {
			log.Fatal().Str("completion", args[1]).Msg("Unknown completion code")
		}
		if conf.Database.Driver == "memory" {
			log.Fatal().Msg("Synchronization needs the postgres driver")
		}

		db := mustDatabase(conf)
		remoteDB := mustRemoteDatabase(conf)
		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
			}
			if err := remoteDB.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close remote db cleanly on shutdown")
			}
		}()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		sweeper := synchronize.New(synchronize.Options{
			Local:           store.NewPostgresExecutionStore(db),
			Remote:          store.NewPostgresRemoteStore(remoteDB),
			WorkerID:        workerID,
			StaleInProgress: conf.Sync.StaleInProgress,
		})
		res, err := sweeper.RunOnce(ctx, code)
		if err != nil {
			log.Error().Err(err).Str("completion", code.String()).Msg("Synchronization failed")
			cancel()
			os.Exit(1)
		}

		log.Info().
			Str("worker_id", workerID.String()).
			Str("completion", code.String()).
			Int("inserted", res.Inserted).
			Int("updated", res.Updated).
			Int("skipped", res.Skipped).
			Int("deleted", res.Deleted).
			Msg("Synchronization complete")
	},
}
