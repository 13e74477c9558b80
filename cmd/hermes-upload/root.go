package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/arencloud/hermes-upload/internal/logging"
	"github.com/arencloud/hermes-upload/internal/upload"

	"github.com/spf13/cobra"
)

var (
	brokerURL string
	token     string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "hermes-upload",
	Short: "Upload large files through a hermes broker",
	Long: `hermes-upload talks to a hermes broker to obtain presigned URLs and
sends file bytes straight to the bucket's storage endpoint.

Files above the multipart threshold are split into parts that are
uploaded independently and then assembled by the storage provider.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker", os.Getenv("HERMES_BROKER_URL"), "broker base URL (env HERMES_BROKER_URL)")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("HERMES_TOKEN"), "capability token (env HERMES_TOKEN); without it tokens are minted and renewed with HERMES_ADMIN_API_KEY")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log broker calls and retries")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient(tok string) (*upload.Client, error) {
	if brokerURL == "" {
		return nil, errors.New("--broker or HERMES_BROKER_URL is required")
	}
	return upload.NewClient(brokerURL, tok, upload.WithLogger(cliLogger())), nil
}

func cliLogger() logging.Logger {
	if !verbose {
		return logging.Nop()
	}
	logging.SetLevel("debug")
	return logging.New("cli")
}

func adminKey() (string, error) {
	k := os.Getenv("HERMES_ADMIN_API_KEY")
	if k == "" {
		return "", fmt.Errorf("HERMES_ADMIN_API_KEY is required")
	}
	return k, nil
}
