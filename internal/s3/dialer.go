package s3

import (
	"context"
	"net/http"
	"time"

	"github.com/arencloud/hermes-upload/internal/logging"
	"github.com/arencloud/hermes-upload/internal/models"
	"github.com/arencloud/hermes-upload/internal/vault"
)

// Dialer opens a Gateway for a registered bucket.
type Dialer interface {
	// Dial decrypts the bucket's stored credentials and opens a gateway with them.
	Dial(ctx context.Context, b models.BucketConfig) (Gateway, error)
	// DialWithCredentials opens a gateway with plaintext credentials that have
	// not been persisted yet, as during registration.
	DialWithCredentials(ctx context.Context, b models.BucketConfig, creds vault.Credentials) (Gateway, error)
}

// Factory is the production Dialer. Every gateway it opens holds the
// decrypted credentials only for as long as the caller keeps the gateway.
type Factory struct {
	vault      *vault.Vault
	httpClient *http.Client
	uploadTTL  time.Duration
	getTTL     time.Duration
	logger     logging.Logger
}

// NewFactory builds a Factory. timeout bounds every provider round trip.
func NewFactory(v *vault.Vault, timeout, uploadTTL, getTTL time.Duration, logger logging.Logger) *Factory {
	return &Factory{
		vault:      v,
		httpClient: &http.Client{Timeout: timeout},
		uploadTTL:  uploadTTL,
		getTTL:     getTTL,
		logger:     logger,
	}
}

func (f *Factory) Dial(ctx context.Context, b models.BucketConfig) (Gateway, error) {
	creds, err := f.vault.DecryptCredentials(b)
	if err != nil {
		return nil, err
	}
	return f.DialWithCredentials(ctx, b, creds)
}

func (f *Factory) DialWithCredentials(_ context.Context, b models.BucketConfig, creds vault.Credentials) (Gateway, error) {
	return newClient(b, creds, f.httpClient, f.uploadTTL, f.getTTL, f.logger), nil
}
