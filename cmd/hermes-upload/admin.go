package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/arencloud/hermes-upload/internal/capacity"
	"github.com/arencloud/hermes-upload/internal/upload"
	"github.com/arencloud/hermes-upload/internal/vault"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	tokenBucket  uint
	tokenScope   string
	tokenSubject string
	refreshJSON  bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a capability token with the admin API key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := adminKey()
		if err != nil {
			return err
		}
		client, err := newClient("")
		if err != nil {
			return err
		}
		resp, err := client.IssueCapability(cmd.Context(), key, upload.CapabilityRequest{
			BucketID: tokenBucket,
			Scope:    tokenScope,
			Subject:  tokenSubject,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
		if verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "scope %s, expires %s\n", resp.Scope, humanize.Time(resp.ExpiresAt))
		}
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh ID...",
	Short: "Recount storage usage for buckets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		client, err := adminClient(cmd.Context())
		if err != nil {
			return err
		}
		var snaps []capacity.UsageSnapshot
		if err := client.RefreshUsage(cmd.Context(), ids, &snaps); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if refreshJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snaps)
		}
		for _, s := range snaps {
			switch s.Status {
			case capacity.StatusSuccess:
				fmt.Fprintf(out, "%d\t%s\t%s used\t%s free\t%d objects\t%s\n", s.BucketID, s.Name, s.StorageUsedGB, s.AvailableCapacityGB, s.ObjectCount, s.RefreshedAt.Format(time.RFC3339))
			default:
				fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", s.BucketID, s.Name, s.Status, s.Error)
			}
		}
		return nil
	},
}

var testCmd = &cobra.Command{
	Use:   "test ID...",
	Short: "Check that buckets are reachable with their stored credentials",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		client, err := adminClient(cmd.Context())
		if err != nil {
			return err
		}
		var statuses []capacity.ConnectionStatus
		if err := client.TestConnections(cmd.Context(), ids, &statuses); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		failed := 0
		for _, s := range statuses {
			fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", s.BucketID, s.Name, s.Status, s.Error)
			if s.Status != capacity.StatusSuccess {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d buckets failed", failed, len(statuses))
		}
		return nil
	},
}

func parseIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid bucket id %q", a)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

// adminClient mints an admin capability for one short command.
func adminClient(ctx context.Context) (*upload.Client, error) {
	key, err := adminKey()
	if err != nil {
		return nil, err
	}
	issuer, err := newClient("")
	if err != nil {
		return nil, err
	}
	capToken, err := issuer.IssueCapability(ctx, key, upload.CapabilityRequest{Scope: vault.ScopeAdmin, Subject: "hermes-upload"})
	if err != nil {
		return nil, err
	}
	return newClient(capToken.Token)
}

func init() {
	tokenCmd.Flags().UintVar(&tokenBucket, "bucket", 0, "bucket id the token is bound to (upload scope)")
	tokenCmd.Flags().StringVar(&tokenScope, "scope", vault.ScopeUpload, "upload or admin")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "free-form caller name recorded in the token")
	refreshCmd.Flags().BoolVar(&refreshJSON, "json", false, "print raw snapshots")
	rootCmd.AddCommand(tokenCmd, refreshCmd, testCmd)
}
