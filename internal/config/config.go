package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres or memory
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// URL returns a formatted database connection string
func (d *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		d.Password,
		d.Host,
		d.Port,
		d.Name,
		d.SSLMode,
	)
}

// PWConfig holds the application configuration
type PWConfig struct {
	Database DatabaseConfig `mapstructure:"database"`

	RemoteDatabase struct {
		Enabled        bool `mapstructure:"enabled"`
		DatabaseConfig `mapstructure:",squash"`
	} `mapstructure:"remote_database"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Queue struct {
		Host           string `mapstructure:"host"`
		Password       string `mapstructure:"password"`
		DB             int    `mapstructure:"db"`
		UpdateQueue    string `mapstructure:"update_queue"`
		CancelQueue    string `mapstructure:"cancel_queue"`
		HeartbeatTopic string `mapstructure:"heartbeat_topic"`
	} `mapstructure:"queue"`

	Worker struct {
		DisplayName         string  `mapstructure:"display_name"`
		LocalWorkCapacity   float64 `mapstructure:"local_work_capacity"`
		ClusterWorkCapacity float64 `mapstructure:"cluster_work_capacity"`
		IsClusterProxy      bool    `mapstructure:"is_cluster_proxy"`
		WorkingDirectory    string  `mapstructure:"working_directory"`
	} `mapstructure:"worker"`

	Local struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"local"`

	Cluster struct {
		PollInterval   time.Duration `mapstructure:"poll_interval"`
		SubmitHost     string        `mapstructure:"submit_host"`
		SSHUser        string        `mapstructure:"ssh_user"`
		SSHKeyFile     string        `mapstructure:"ssh_key_file"`
		KnownHostsFile string        `mapstructure:"known_hosts_file"`
		SSHTimeout     time.Duration `mapstructure:"ssh_timeout"`
		JobNamePrefix  string        `mapstructure:"job_name_prefix"`
		GroupRoot      string        `mapstructure:"group_root"`
		SubmitBinary   string        `mapstructure:"submit_binary"`
		StatusBinary   string        `mapstructure:"status_binary"`
		KillBinary     string        `mapstructure:"kill_binary"`
	} `mapstructure:"cluster"`

	Sync struct {
		Schedule        string        `mapstructure:"schedule"`
		CompletionCodes []string      `mapstructure:"completion_codes"`
		StaleInProgress time.Duration `mapstructure:"stale_in_progress"`
	} `mapstructure:"sync"`

	Heartbeat struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"heartbeat"`

	ZombieGrace time.Duration `mapstructure:"zombie_grace"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*PWConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("PW_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err == nil {
		return config, nil
	}

	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	// no config file anywhere, run on defaults and environment only
	var defaults PWConfig
	if err := v.Unmarshal(&defaults); err != nil {
		return nil, err
	}
	return &defaults, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "pipeline_worker")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("remote_database.enabled", false)
	v.SetDefault("remote_database.driver", "postgres")
	v.SetDefault("remote_database.host", "localhost")
	v.SetDefault("remote_database.port", 5432)
	v.SetDefault("remote_database.user", "postgres")
	v.SetDefault("remote_database.password", "postgres")
	v.SetDefault("remote_database.name", "pipeline_coordinator")
	v.SetDefault("remote_database.sslmode", "disable")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 6201)

	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "")
	v.SetDefault("queue.db", 0)
	v.SetDefault("queue.update_queue", "pipeline:task-execution-update")
	v.SetDefault("queue.cancel_queue", "pipeline:task-cancel-request")
	v.SetDefault("queue.heartbeat_topic", "pipeline:worker-heartbeat")

	// Worker defaults
	v.SetDefault("worker.display_name", "")
	v.SetDefault("worker.local_work_capacity", 1)
	v.SetDefault("worker.cluster_work_capacity", 0)
	v.SetDefault("worker.is_cluster_proxy", false)
	v.SetDefault("worker.working_directory", "")

	v.SetDefault("local.poll_interval", "20s")

	v.SetDefault("cluster.poll_interval", "30s")
	v.SetDefault("cluster.submit_host", "login1:22")
	v.SetDefault("cluster.ssh_user", "")
	v.SetDefault("cluster.ssh_key_file", "~/.ssh/id_rsa")
	v.SetDefault("cluster.known_hosts_file", "")
	v.SetDefault("cluster.ssh_timeout", "30s")
	v.SetDefault("cluster.job_name_prefix", "pw-")
	v.SetDefault("cluster.group_root", "/pipeline")
	v.SetDefault("cluster.submit_binary", "bsub")
	v.SetDefault("cluster.status_binary", "bjobs")
	v.SetDefault("cluster.kill_binary", "bkill")

	v.SetDefault("sync.schedule", "@every 15s")
	v.SetDefault("sync.completion_codes", []string{"error", "cancel", "resubmitted"})
	v.SetDefault("sync.stale_in_progress", "10m")

	v.SetDefault("heartbeat.interval", "10s")

	v.SetDefault("zombie_grace", "15m")

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("PW")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*PWConfig, error) {
	var config PWConfig

	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// GetDatabaseURL returns the connection string of the local execution store
func (c *PWConfig) GetDatabaseURL() string {
	return c.Database.URL()
}

// GetRemoteDatabaseURL returns the connection string of the remote durable store
func (c *PWConfig) GetRemoteDatabaseURL() string {
	return c.RemoteDatabase.URL()
}

// ZerologLevel parses LogLevel, falling back to info
func (c *PWConfig) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
