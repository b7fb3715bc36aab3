package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/codestream/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codestream",
		Short: "Join a collaborative code room from the terminal",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newRunCommand(), newRoomsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server", defaults.GetString("server.url"), "Collaboration server base URL")
	cmd.PersistentFlags().String("room", defaults.GetString("room.id"), "Room identifier")
	cmd.PersistentFlags().String("user-id", "", "User identifier (overrides the stored identity)")
	cmd.PersistentFlags().String("username", "", "Display name (overrides the stored identity)")
	cmd.PersistentFlags().String("identity-path", defaults.GetString("identity.path"), "SQLite database holding the local identity")
	cmd.PersistentFlags().Int("reconnect-delay-ms", defaults.GetInt("reconnect.delay_ms"), "Delay between reconnect attempts")
	cmd.PersistentFlags().Int("reconnect-max-attempts", defaults.GetInt("reconnect.max_attempts"), "Consecutive failures before giving up")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("sync.debounce_ms"), "Quiet period before local edits are sent")
	cmd.PersistentFlags().Int("execution-timeout-seconds", defaults.GetInt("execution.timeout_seconds"), "Abandon runs without a result after this long (0 disables)")
	cmd.PersistentFlags().Int("handshake-timeout-ms", defaults.GetInt("connection.handshake_timeout_ms"), "WebSocket handshake timeout")
	cmd.PersistentFlags().String("file", defaults.GetString("workspace.file"), "Mirror the shared document into this file")
	cmd.PersistentFlags().String("status-address", defaults.GetString("status.address"), "Serve the local status API on this address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (console, json)")

	bindFlag(cmd, "server.url", "server")
	bindFlag(cmd, "room.id", "room")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "user.name", "username")
	bindFlag(cmd, "identity.path", "identity-path")
	bindFlag(cmd, "reconnect.delay_ms", "reconnect-delay-ms")
	bindFlag(cmd, "reconnect.max_attempts", "reconnect-max-attempts")
	bindFlag(cmd, "sync.debounce_ms", "debounce-ms")
	bindFlag(cmd, "execution.timeout_seconds", "execution-timeout-seconds")
	bindFlag(cmd, "connection.handshake_timeout_ms", "handshake-timeout-ms")
	bindFlag(cmd, "workspace.file", "file")
	bindFlag(cmd, "status.address", "status-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
