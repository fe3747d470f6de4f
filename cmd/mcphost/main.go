// Command mcphost serves a composed MCP server: the built-in Apple Mail
// tools plus any remote MCP servers listed in its configuration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpmacos/mcphost/pkg/config"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "mcphost",
		Short: "Compose and serve MCP servers",
		Long: `mcphost serves one MCP endpoint that combines the built-in Apple Mail
tools with the tools, resources and prompts of other MCP servers.

Each imported server is mounted under a prefix: its tools become
prefix_name and its resources scheme://prefix/path.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./mcphost.yaml or ~/.config/mcphost/mcphost.yaml)")

	root.AddCommand(
		newServeCmd("run", "Serve the composed server (stdio by default)", false, &cfgFile),
		newServeCmd("dev", "Serve with debug logging over HTTP by default", true, &cfgFile),
		newLsCmd(&cfgFile),
		newInstallCmd(&cfgFile),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcphost %s\n", version)
		},
	}
}

// loadConfig reads the configuration with the transport and address flags
// of cmd, when it has them, taking precedence.
func loadConfig(cmd *cobra.Command, cfgFile string, dev bool) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)
	v.SetDefault("server.version", version)
	if dev {
		v.SetDefault("server.transport", config.TransportHTTP)
		v.SetDefault("logging.mode", "development")
		v.SetDefault("logging.level", "debug")
	}

	for key, flag := range map[string]string{
		"server.transport": "transport",
		"server.address":   "address",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	return config.Load(v, cfgFile)
}
