package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/makinet/agent/internal/agent"
	"github.com/makinet/agent/internal/config"
	"github.com/makinet/agent/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "makinet-agent [command]",
	Short: "makinet-agent: fleet node agent",
	Long:  "makinet-agent runs remote commands as supervised processes and distributes layered image archives for the MakiNet control plane.",
}

var (
	serverConfig string
	serverHost   string
	serverPort   int
	serverDebug  bool
)

func init() {
	rootCmd.AddCommand(cmdServer)

	cmdServer.Flags().StringVarP(&serverConfig, "config", "c", "", "Path to a TOML config file")
	cmdServer.Flags().StringVarP(&serverHost, "host", "H", "", "Host to bind to (overrides config)")
	cmdServer.Flags().IntVarP(&serverPort, "port", "p", 0, "Port to bind to (overrides config)")
	cmdServer.Flags().BoolVarP(&serverDebug, "debug", "v", false, "Enable debug mode")
}

var cmdServer = &cobra.Command{
	Use:   "server",
	Short: "Serve the agent API",
	Long:  "Checks TLS material and the download tool, registers with the configured control plane, then serves the agent API until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if serverConfig != "" {
			loaded, err := config.Load(serverConfig)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if serverHost != "" {
			cfg.Host = serverHost
		}
		if serverPort != 0 {
			cfg.Port = serverPort
		}
		if serverDebug {
			cfg.Debug = true
		}

		observability.InitLogger(cfg.Name, cfg.Debug)
		return agent.NewService(cfg).Run()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
