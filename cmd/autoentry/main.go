package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"

	httpapi "github.com/garyjia/erp-autoentry/internal/interfaces/http"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	envFile    string
}

var rootCmd = &cobra.Command{
	Use:   "autoentry",
	Short: "Enter purchase orders into the ERP through its remote desktop",
	Long: "autoentry watches an inbox of purchase-order records and types each one\n" +
		"into the ERP sales order form, keeping a checkpoint per file so an\n" +
		"interrupted run resumes where it stopped.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadEnvFile(rootFlags.envFile)
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&rootFlags.configPath, "config", "c", "", "config file (default: config.yaml in . or ./configs)")
	f.StringVar(&rootFlags.envFile, "env-file", ".env", "dotenv file with secrets; ignored when missing")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.Version = version
	httpapi.Version = version
}

// loadEnvFile exports the variables of a dotenv file without overriding the
// environment
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
