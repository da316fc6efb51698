package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultYAML = `# coscientd config
# Priority: CLI flag > this file > default.

http_addr:    ":8080"
metrics_addr: ":9095"
log_level:    "info"       # debug | info | warn | error

data_dir:       "./data/store"
checkpoint_dir: "./data/checkpoints"
checkpoint_keep: 5
checkpoint_schedule: "@every 10m"   # empty disables periodic checkpoints

task_timeout: 30s
max_retries:  3
# submit_rate: 50            # per-category submissions/sec; unset is unlimited

workers_min: 2
workers_max: 8

# round_schedule: "@every 5m"  # uncomment to run tournament rounds automatically
match_batch_size:   5
thorough_threshold: 1400
lead_gap:           400

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
`

// newInitCmd returns an "init" subcommand that writes a default config file.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write default configuration for coscientd.

If --config is given the file is written to that path.
Otherwise it is written to ~/.coscient/coscientd.yaml.
Fails if the file already exists unless --force is passed.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ".coscient", "coscientd.yaml")
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}

			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}

			if err := os.WriteFile(dest, []byte(defaultYAML), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
