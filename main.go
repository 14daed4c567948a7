package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/satriahrh/cocoa-fruit/persona/config"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

func main() {
	gotenv.Load()
	defer log.Sync()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	root := &cobra.Command{
		Use:           "persona-gateway",
		Short:         "Persona chat gateway: streaming chat, voice turns and history over HTTP and websocket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configFile string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.BindEnv(v); err != nil {
				return err
			}
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config %s: %w", configFile, err)
				}
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := serveCmd.Flags()
	flags.StringVar(&configFile, "config", "", "optional YAML/JSON/TOML config file")
	flags.String("addr", ":8080", "listen address")
	flags.String("data-root", "data", "directory holding history documents and uploaded audio")
	v.BindPFlag("addr", flags.Lookup("addr"))
	v.BindPFlag("data_root", flags.Lookup("data-root"))

	root.AddCommand(serveCmd)
	return root
}
