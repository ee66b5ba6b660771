package runcmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"pipelineworker/internal/api"
	"pipelineworker/internal/backend/cluster"
	"pipelineworker/internal/backend/local"
	"pipelineworker/internal/config"
	"pipelineworker/internal/heartbeat"
	"pipelineworker/internal/metrics"
	"pipelineworker/internal/models"
	"pipelineworker/internal/procman"
	"pipelineworker/internal/queue"
	"pipelineworker/internal/stats"
	"pipelineworker/internal/store"
	"pipelineworker/internal/supervisor"
	"pipelineworker/internal/synchronize"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Runs the worker agent",
	Long: `Runs the worker agent: the task API, the local and cluster backends, the heartbeat
and, when a remote database is enabled, the periodic synchronization.`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running worker agent")
		conf := config.FromCobraCmd(cmd)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		m, err := metrics.New(prometheus.NewRegistry())
		if err != nil {
			log.Fatal().Err(err).Msg("Could not register metrics")
		}

		st := mustStores(conf)
		defer st.Close()

		q := mustQueue(conf)
		defer func() {
			if err := q.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close queue cleanly on shutdown")
			}
		}()

		aggregator := stats.NewAggregator(st.statistics, m)
		aggregator.Start(ctx)
		defer aggregator.Stop()

		sup, err := supervisor.New(ctx, supervisor.Options{
			Executions:       st.executions,
			Workers:          st.workers,
			Publisher:        q,
			Statistics:       aggregator,
			Metrics:          m,
			WorkingDirectory: conf.Worker.WorkingDirectory,
			ZombieGrace:      conf.ZombieGrace,
		}, defaultWorker(conf))
		if err != nil {
			log.Fatal().Err(err).Msg("Could not start supervisor")
		}

		pm := procman.New()
		defer pm.Close()

		localBackend := local.New(local.Options{
			Supervisor:     sup,
			ProcessManager: pm,
			Sampler:        local.PSSampler{},
			Metrics:        m,
			PollInterval:   conf.Local.PollInterval,
		})
		sup.Register(localBackend)
		if err := localBackend.Reconcile(ctx); err != nil {
			log.Warn().Err(err).Msg("Initial local reconciliation failed")
		}
		localBackend.Run(ctx)
		defer localBackend.Close()

		shell := mustShell(conf, sup.Worker())
		if closer, ok := shell.(io.Closer); ok {
			defer func() { _ = closer.Close() }()
		}
		clusterBackend := cluster.New(cluster.Options{
			Supervisor:    sup,
			Shell:         shell,
			Metrics:       m,
			PollInterval:  conf.Cluster.PollInterval,
			JobNamePrefix: conf.Cluster.JobNamePrefix,
			GroupRoot:     conf.Cluster.GroupRoot,
			SubmitBinary:  conf.Cluster.SubmitBinary,
			StatusBinary:  conf.Cluster.StatusBinary,
			KillBinary:    conf.Cluster.KillBinary,
		})
		sup.Register(clusterBackend)
		clusterBackend.Run(ctx)
		defer clusterBackend.Close()

		hb := heartbeat.New(sup, q, conf.Heartbeat.Interval)
		hb.Start(ctx)
		defer hb.Stop()

		if conf.RemoteDatabase.Enabled {
			remoteDB := mustRemoteDatabase(conf)
			defer func() {
				if err := remoteDB.Close(); err != nil {
					log.Error().Err(err).Msg("Could not close remote db cleanly on shutdown")
				}
			}()

			sweeper := synchronize.New(synchronize.Options{
				Local:           st.executions,
				Remote:          store.NewPostgresRemoteStore(remoteDB),
				Metrics:         m,
				WorkerID:        sup.Worker().ID,
				CompletionCodes: completionCodes(conf.Sync.CompletionCodes),
				Schedule:        conf.Sync.Schedule,
				StaleInProgress: conf.Sync.StaleInProgress,
			})
			if err := sweeper.Start(ctx); err != nil {
				log.Fatal().Err(err).Msg("Could not start synchronization")
			}
			defer sweeper.Stop()
		}

		server := api.New(ctx, sup, aggregator, st.statistics, m, &api.Config{
			Host: conf.Server.Host,
			Port: conf.Server.Port,
		})

		subCtx, subCancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(subCtx)
		g.Go(func() error {
			return q.Subscribe(gctx, func(req queue.CancelRequest) {
				cancelExecution(gctx, sup, req)
			})
		})
		g.Go(server.ListenAndServe)

		errCh := make(chan error, 1)
		go func() {
			errCh <- g.Wait()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		case err := <-errCh:
			if err != nil && subCtx.Err() == nil {
				log.Error().Err(err).Msg("Agent stopped unexpectedly")
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down api server cleanly")
		}
		// the deferred stops run with ctx still live so queued statistics drain
		subCancel()
	},
}

func cancelExecution(ctx context.Context, sup *supervisor.Supervisor, req queue.CancelRequest) {
	exec, err := sup.Cancel(ctx, req.TaskExecutionID, req.Force)
	if err != nil {
		log.Error().
			Err(err).
			Str("task_execution_id", req.TaskExecutionID.String()).
			Msg("Could not cancel task execution")
		return
	}
	log.Info().
		Str("task_execution_id", exec.ID.String()).
		Int("execution_status", int(exec.ExecutionStatus)).
		Msg("Cancelled task execution")
}

// defaultWorker is the record created on the first start. Later starts keep the stored one.
func defaultWorker(conf *config.PWConfig) *models.Worker {
	name := conf.Worker.DisplayName
	if name == "" {
		name, _ = os.Hostname()
	}
	return &models.Worker{
		DisplayName:         name,
		LocalWorkCapacity:   conf.Worker.LocalWorkCapacity,
		ClusterWorkCapacity: conf.Worker.ClusterWorkCapacity,
		IsAcceptingJobs:     true,
		IsClusterProxy:      conf.Worker.IsClusterProxy,
	}
}
