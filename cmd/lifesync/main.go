// Command lifesync is a local-first personal data store that mirrors to a
// remote backend when signed in.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/lifesync/internal/config"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool

	v   *viper.Viper
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "lifesync",
	Short: "Local-first goals, tasks, tracking and journaling with background sync",
	Long: `lifesync keeps your goals, projects, tasks, events, meals, workouts,
tracker logs, people, places and tags on this device first.

Every change is written to the local cache before anything else. When you are
signed in, changes are mirrored to the remote backend; when the backend is
unreachable they wait in a durable queue and are retried on the next sync.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	v = config.NewViper()

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default: "+config.DefaultPath()+")")
	flags.String("data-dir", "", "directory holding the local cache")
	flags.String("backend", "", "remote backend: memory, rest or postgres")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")
	flags.BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("remote.backend", flags.Lookup("backend"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
