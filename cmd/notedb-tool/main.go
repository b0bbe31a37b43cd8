package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/notedb/internal/config"
)

func main() {
	if err := newRootCommand(viper.GetViper()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(configViper *viper.Viper) *cobra.Command {
	var cfgFile string
	rootCmd := &cobra.Command{
		Use:           "notedb-tool",
		Short:         "Maintenance tool for NoteDb change storage",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(configViper, cfgFile)
		},
	}

	setupFlags(rootCmd, configViper, &cfgFile)

	rootCmd.AddCommand(
		newBackfillCommand(configViper),
		newMigrateCommentsCommand(configViper),
		newSequenceCommand(configViper),
		newInspectCommand(configViper),
		newSyncStateCommand(configViper),
		newCreateChangeCommand(configViper),
		newReviewCommand(configViper),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command, configViper *viper.Viper, cfgFile *string) {
	config.ApplyDefaults(configViper)
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-id", "", "Server id used in synthesized identities")
	cmd.PersistentFlags().String("server-ident-email", "", "Email of the server identity")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Storage backend (sqlite, badger, memory)")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("storage.sqlite_path"), "SQLite database path")
	cmd.PersistentFlags().String("badger-path", defaults.GetString("storage.badger_path"), "Badger database directory")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, configViper, "server.id", "server-id")
	bindFlag(cmd, configViper, "server.ident_email", "server-ident-email")
	bindFlag(cmd, configViper, "storage.backend", "storage-backend")
	bindFlag(cmd, configViper, "storage.sqlite_path", "sqlite-path")
	bindFlag(cmd, configViper, "storage.badger_path", "badger-path")
	bindFlag(cmd, configViper, "log.level", "log-level")
	bindFlag(cmd, configViper, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, configViper *viper.Viper, key, flag string) {
	if err := configViper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig(configViper *viper.Viper, cfgFile string) error {
	if cfgFile == "" {
		return nil
	}
	configViper.SetConfigFile(cfgFile)
	return configViper.ReadInConfig()
}
