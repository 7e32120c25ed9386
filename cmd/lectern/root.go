// Package lectern is the CLI entrypoint: serve runs the HTTP API, worker
// runs the embedding consumer, redrive moves dead-lettered jobs back onto
// the work queue.
package lectern

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/pkg/config"
	"github.com/lectern-ai/lectern/pkg/log"
)

var (
	cfgFile string
	cfg     *config.Config
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "lectern",
	Short: "Lectern - retrieval-augmented educational QA backend",
	Long: `Lectern ingests course documents, embeds them asynchronously, and answers
student questions with cited sources from the uploaded material.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		log.SetLevelName(cfg.LogLevel)
		return nil
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion stamps the build version on the root command.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lectern version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path (default: environment only)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(redriveCmd)
}
