package config

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// FromCobraCmd creates a PWConfig instance from a cobra command object and applies its log level
// to the global logger. It exits the process if the configuration cannot be loaded.
func FromCobraCmd(cmd *cobra.Command) *PWConfig {
	var flags *pflag.FlagSet
	if cmd.Name() == "pwctl" {
		flags = cmd.PersistentFlags()
	} else {
		flags = cmd.InheritedFlags()
	}

	var paths []string
	if flag := flags.Lookup("config"); flag != nil && flag.Changed {
		fileLoc, err := flags.GetString("config")
		if err != nil {
			log.Fatal().Err(err).Msg("Could not get file location")
		}
		paths = append(paths, fileLoc)
	}

	conf, err := LoadConfig(paths...)
	if err != nil {
		log.Fatal().Err(err).Strs("paths", paths).Msg("Could not load config file")
	}

	zerolog.SetGlobalLevel(conf.ZerologLevel())
	return conf
}
