package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
)

// serverEntry is one mcpServers entry of a client configuration file
type serverEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func newInstallCmd(cfgFile *string) *cobra.Command {
	var (
		name       string
		target     string
		env        map[string]string
		executable string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Register mcphost in an MCP client configuration (Claude Desktop by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				path, err := claudeDesktopConfigPath()
				if err != nil {
					return err
				}
				target = path
			}
			if executable == "" {
				exe, err := os.Executable()
				if err != nil {
					return fmt.Errorf("cannot locate mcphost binary: %w", err)
				}
				executable = exe
			}

			entry := serverEntry{Command: executable, Args: []string{"run"}, Env: env}
			if *cfgFile != "" {
				abs, err := filepath.Abs(*cfgFile)
				if err != nil {
					return err
				}
				entry.Args = append(entry.Args, "--config", abs)
			}

			if err := installServer(target, name, entry); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed %s in %s\n", name, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "mcphost", "server name in the client configuration")
	cmd.Flags().StringVar(&target, "client-config", "", "client configuration file (default: Claude Desktop)")
	cmd.Flags().StringToStringVar(&env, "env", nil, "environment variables for the server, KEY=VALUE")
	cmd.Flags().StringVar(&executable, "command", "", "command the client runs (default: this binary)")
	return cmd
}

// installServer adds or replaces mcpServers[name] in the JSON file at path,
// keeping every other key.
func installServer(path, name string, entry serverEntry) error {
	doc := map[string]interface{}{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) > 0 {
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("%s is not valid JSON: %w", path, err)
			}
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return err
	}

	// A file holding just null decodes to a nil map
	if doc == nil {
		doc = map[string]interface{}{}
	}
	servers := map[string]interface{}{}
	if existing, ok := doc["mcpServers"]; ok && existing != nil {
		servers, ok = existing.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s: mcpServers is not an object", path)
		}
	}
	servers[name] = entry
	doc["mcpServers"] = servers

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0o600)
}

func claudeDesktopConfigPath() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json"), nil
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Claude", "claude_desktop_config.json"), nil
	default:
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "Claude", "claude_desktop_config.json"), nil
	}
}
