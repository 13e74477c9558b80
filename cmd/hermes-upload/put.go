package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arencloud/hermes-upload/internal/upload"
	"github.com/arencloud/hermes-upload/internal/vault"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	putBucket      uint
	putConcurrency int
	putChunkSize   string
	putThreshold   string
	putAbort       bool
)

var putCmd = &cobra.Command{
	Use:   "put FILE",
	Short: "Upload a file to a bucket",
	Args:  cobra.ExactArgs(1),
	RunE:  runPut,
}

func init() {
	putCmd.Flags().UintVar(&putBucket, "bucket", 0, "target bucket id")
	putCmd.Flags().IntVar(&putConcurrency, "concurrency", 1, "parts uploaded in parallel")
	putCmd.Flags().StringVar(&putChunkSize, "chunk-size", humanize.IBytes(upload.DefaultChunkSize), "multipart part size")
	putCmd.Flags().StringVar(&putThreshold, "threshold", humanize.IBytes(upload.DefaultThreshold), "size from which multipart is used")
	putCmd.Flags().BoolVar(&putAbort, "abort-on-failure", false, "abort the storage multipart upload if the session fails")
	_ = putCmd.MarkFlagRequired("bucket")
	rootCmd.AddCommand(putCmd)
}

func runPut(cmd *cobra.Command, args []string) error {
	opts := upload.DefaultOptions()
	chunk, err := humanize.ParseBytes(putChunkSize)
	if err != nil {
		return fmt.Errorf("--chunk-size: %w", err)
	}
	threshold, err := humanize.ParseBytes(putThreshold)
	if err != nil {
		return fmt.Errorf("--threshold: %w", err)
	}
	opts.ChunkSize = int64(chunk)
	opts.Threshold = int64(threshold)
	opts.Concurrency = max(putConcurrency, 1)
	opts.AbortOnFailure = putAbort

	out := cmd.OutOrStdout()
	opts.OnState = func(s upload.State) {
		if verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "state: %s\n", s)
		}
	}
	opts.OnProgress = func(p upload.Progress) {
		fmt.Fprintf(out, "\r%3.0f%%  part %d/%d  %s", p.Percent(), p.CompletedParts, p.TotalParts, humanize.IBytes(uint64(p.BytesSent)))
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	src, err := upload.FileSource(f)
	if err != nil {
		return err
	}

	client, err := uploadClient()
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := upload.NewOrchestrator(client, client, opts, cliLogger()).Upload(ctx, putBucket, src)
	fmt.Fprintln(out)
	if err != nil {
		var missing *upload.MissingETagError
		if errors.As(err, &missing) {
			fmt.Fprintln(cmd.ErrOrStderr(), "storage did not expose the ETag header; check the bucket CORS ExposeHeaders setting")
		}
		return err
	}
	fmt.Fprintf(out, "uploaded %s (%s, %s, %d parts)\n", res.Key, humanize.IBytes(uint64(res.Size)), res.Strategy, res.Parts)
	fmt.Fprintln(out, res.FinalURL)
	return nil
}

// uploadClient prefers minting capabilities with the admin key, renewed as
// they expire, so uploads may outlive a single token. A fixed --token only
// lasts one capability lifetime.
func uploadClient() (*upload.Client, error) {
	if token != "" {
		return newClient(token)
	}
	key, err := adminKey()
	if err != nil {
		return nil, errors.New("--token, HERMES_TOKEN or HERMES_ADMIN_API_KEY is required")
	}
	issuer, err := newClient("")
	if err != nil {
		return nil, err
	}
	renewer := upload.NewRenewer(issuer, key, upload.CapabilityRequest{
		BucketID: putBucket,
		Scope:    vault.ScopeUpload,
		Subject:  "hermes-upload",
	})
	return upload.NewClient(brokerURL, "", upload.WithTokenSource(renewer.Token), upload.WithLogger(cliLogger())), nil
}
