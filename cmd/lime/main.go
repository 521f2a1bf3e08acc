// lime runs autonomous coding-agent jobs against GitHub repositories.
//
// Send a job, watch it work, get a PR.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aikaara/assembly-lime/internal/config"
)

var (
	version = "dev"

	cfgFile   string
	serverURL string
	apiToken  string

	ui = newUI()
)

var rootCmd = &cobra.Command{
	Use:   "lime",
	Short: "lime - autonomous coding-agent runs",
	Long: `lime runs an LLM coding agent inside a sandbox against your repositories.
Plans, implementations, bugfixes and reviews end in a pull request or a report.

  lime serve                                        Start the server
  lime worker                                       Consume jobs from the queue
  lime run "fix the bug" --repo owner/repo          Start a run and stream it
  lime list                                         List runs
  lime status <id>                                  Show a run
  lime logs <id> --follow                           Stream run events
  lime send <id> "also update the docs"             Send a follow-up message
  lime approve <id> | reject <id> | cancel <id>     Decide or stop a run`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.config/lime/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("LIME_SERVER", ""), "lime server URL (default server.url from config)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", envOr("LIME_TOKEN", ""), "API token (default server.api_token from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ui.Error("%v", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config, or the default one.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// client builds an API client from the flags, falling back to the config.
func client() (*apiClient, error) {
	base, token := serverURL, apiToken
	if base == "" || token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if base == "" {
			base = cfg.Server.URL
		}
		if token == "" {
			token = cfg.Server.APIToken
		}
	}
	return newAPIClient(base, token), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
