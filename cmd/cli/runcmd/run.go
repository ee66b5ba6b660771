package runcmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"pipelineworker/internal/config"
	"pipelineworker/internal/database"
	"pipelineworker/internal/models"
	"pipelineworker/internal/queue"
	"pipelineworker/internal/remote"
	"pipelineworker/internal/store"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(agentCmd)
	Command.AddCommand(syncCmd)
}

// stores are the local record stores of the agent
type stores struct {
	executions store.ExecutionStore
	workers    store.WorkerStore
	statistics store.StatisticsStore
	db         *sqlx.DB
}

func (s *stores) Close() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
	}
}

func mustStores(conf *config.PWConfig) *stores {
	if conf.Database.Driver == "memory" {
		log.Warn().Msg("Using the in-memory store, executions are lost on restart")
		return &stores{
			executions: store.NewMemoryExecutionStore(),
			workers:    store.NewMemoryWorkerStore(),
			statistics: store.NewMemoryStatisticsStore(),
		}
	}

	db := mustDatabase(conf)
	return &stores{
		executions: store.NewPostgresExecutionStore(db),
		workers:    store.NewPostgresWorkerStore(db),
		statistics: store.NewPostgresStatisticsStore(db),
		db:         db,
	}
}

func mustDatabase(conf *config.PWConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}
	return db
}

func mustRemoteDatabase(conf *config.PWConfig) *sqlx.DB {
	db, err := database.NewRemote(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to remote database")
	}
	return db
}

// mustQueue connects to redis. Without a queue host the agent keeps its messages in memory.
func mustQueue(conf *config.PWConfig) queue.Client {
	if conf.Queue.Host == "" {
		log.Warn().Msg("No queue host configured, updates are not delivered to the coordinator")
		return queue.NewMemoryClient()
	}

	redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB, queue.Names{
		Update:    conf.Queue.UpdateQueue,
		Cancel:    conf.Queue.CancelQueue,
		Heartbeat: conf.Queue.HeartbeatTopic,
	})
	if err != nil {
		log.Fatal().Err(err).Str("host", conf.Queue.Host).Msg("Could not connect to redis queue")
	}
	return redis
}

// mustShell returns the transport cluster commands run through. "local" runs them on this host,
// as does a worker without cluster capacity.
func mustShell(conf *config.PWConfig, worker models.Worker) remote.Shell {
	host := conf.Cluster.SubmitHost
	if host == "" || host == "local" {
		return remote.LocalShell{}
	}
	if worker.ClusterWorkCapacity <= 0 && !worker.IsClusterProxy {
		log.Debug().Msg("Worker has no cluster capacity, cluster commands run locally")
		return remote.LocalShell{}
	}

	shell, err := remote.NewSSHShell(remote.SSHConfig{
		Addr:           host,
		User:           conf.Cluster.SSHUser,
		KeyFile:        expandHome(conf.Cluster.SSHKeyFile),
		KnownHostsFile: expandHome(conf.Cluster.KnownHostsFile),
		Timeout:        conf.Cluster.SSHTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Str("host", host).Msg("Could not configure ssh transport")
	}
	return shell
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func completionCodes(values []string) []models.CompletionResult {
	var codes []models.CompletionResult
	for _, v := range values {
		code, ok := models.ParseCompletionResult(v)
		if !ok {
			log.Fatal().Str("completion", v).Msg("Unknown completion code in sync configuration")
		}
		codes = append(codes, code)
	}
	return codes
}
