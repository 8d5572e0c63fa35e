package cli

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the configuration after defaults and environment overrides.
Secrets are masked.`,
	Run: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) {
	c := initContext()

	cfg := *c.Config
	if cfg.Remote.APIKey != "" {
		cfg.Remote.APIKey = "********"
	}
	if cfg.Remote.DSN != "" {
		cfg.Remote.DSN = maskDSN(cfg.Remote.DSN)
	}

	fmt.Printf("# %s\n", c.Config.Path())
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		exitError("failed to encode config: %v", err)
	}
	enc.Close()
}

// maskDSN hides the password of a postgres URL.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
