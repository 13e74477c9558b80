// Package registry owns the authoritative bucket rows and hands out gateways
// for them. Secrets are encrypted before they reach the store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arencloud/hermes-upload/internal/authz"
	"github.com/arencloud/hermes-upload/internal/logging"
	"github.com/arencloud/hermes-upload/internal/models"
	"github.com/arencloud/hermes-upload/internal/s3"
	"github.com/arencloud/hermes-upload/internal/vault"
)

const DefaultRegion = "auto"

// ErrConnectionVerification means the connectivity probe failed; nothing was written.
var ErrConnectionVerification = errors.New("registry: bucket connection could not be verified")

type Registry struct {
	store  Store
	vault  *vault.Vault
	dialer s3.Dialer
	logger logging.Logger
}

func New(store Store, v *vault.Vault, dialer s3.Dialer, logger logging.Logger) *Registry {
	return &Registry{store: store, vault: v, dialer: dialer, logger: logger}
}

// Resolve returns the rows for ids in request order, each id once. Unknown
// ids are omitted; only a failing store yields an error.
func (r *Registry) Resolve(ctx context.Context, ids []uint) ([]models.BucketConfig, error) {
	sc := scopeFrom(ctx)
	if sc == nil {
		sc = newScope()
	}
	seen := make(map[uint]struct{}, len(ids))
	out := make([]models.BucketConfig, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		l, err := sc.load(ctx, r.store, id)
		if err != nil {
			return nil, fmt.Errorf("resolve bucket %d: %w", id, err)
		}
		if l.found {
			out = append(out, l.bucket)
		}
	}
	return out, nil
}

// Get resolves a single id, returning ErrNotFound when it is unknown.
func (r *Registry) Get(ctx context.Context, id uint) (models.BucketConfig, error) {
	bs, err := r.Resolve(ctx, []uint{id})
	if err != nil {
		return models.BucketConfig{}, err
	}
	if len(bs) == 0 {
		return models.BucketConfig{}, ErrNotFound
	}
	return bs[0], nil
}

// Gateway opens a storage gateway with the bucket's decrypted credentials.
func (r *Registry) Gateway(ctx context.Context, b models.BucketConfig) (s3.Gateway, error) {
	return r.dialer.Dial(ctx, b)
}

// RegisterBucket validates d, probes the bucket with the plaintext
// credentials and persists the row with encrypted secrets on success.
func (r *Registry) RegisterBucket(ctx context.Context, g authz.Grant, d Draft) (models.BucketConfig, error) {
	if err := g.RequireAdmin(); err != nil {
		return models.BucketConfig{}, err
	}
	d = normalizeDraft(d)
	if err := ValidateDraft(d); err != nil {
		return models.BucketConfig{}, err
	}
	accessEnc, err := r.vault.EncryptSecret(d.AccessKey)
	if err != nil {
		return models.BucketConfig{}, err
	}
	secretEnc, err := r.vault.EncryptSecret(d.SecretKey)
	if err != nil {
		return models.BucketConfig{}, err
	}
	b := models.BucketConfig{
		Name:               d.Name,
		Provider:           d.Provider,
		Region:             d.Region,
		Endpoint:           d.Endpoint,
		AccessKeyEncrypted: accessEnc,
		SecretKeyEncrypted: secretEnc,
		TotalCapacityGB:    d.TotalCapacityGB,
		IsPrivate:          d.IsPrivate,
		CDNURL:             d.CDNURL,
	}
	if err := r.verify(ctx, b, vault.Credentials{AccessKeyID: d.AccessKey, SecretAccessKey: d.SecretKey}); err != nil {
		return models.BucketConfig{}, err
	}
	if err := r.store.Create(ctx, &b); err != nil {
		return models.BucketConfig{}, fmt.Errorf("create bucket %s: %w", b.Name, err)
	}
	r.logger.Info("bucket registered", "bucketId", b.ID, "bucket", b.Name, "provider", b.Provider, "by", g.Subject)
	return b, nil
}

// RotateSecrets replaces the credentials of bucket id after probing the new ones.
func (r *Registry) RotateSecrets(ctx context.Context, g authz.Grant, id uint, accessKey, secretKey string) (models.BucketConfig, error) {
	if err := g.RequireBucket(id); err != nil {
		return models.BucketConfig{}, err
	}
	fields := map[string]string{}
	if strings.TrimSpace(accessKey) == "" {
		fields["accessKey"] = "is required"
	}
	if strings.TrimSpace(secretKey) == "" {
		fields["secretKey"] = "is required"
	}
	if len(fields) > 0 {
		return models.BucketConfig{}, &ValidationError{Fields: fields}
	}
	b, err := r.Get(ctx, id)
	if err != nil {
		return models.BucketConfig{}, err
	}
	if err := r.verify(ctx, b, vault.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}); err != nil {
		return models.BucketConfig{}, err
	}
	if b.AccessKeyEncrypted, err = r.vault.EncryptSecret(accessKey); err != nil {
		return models.BucketConfig{}, err
	}
	if b.SecretKeyEncrypted, err = r.vault.EncryptSecret(secretKey); err != nil {
		return models.BucketConfig{}, err
	}
	if err := r.store.UpdateSecrets(ctx, id, b.AccessKeyEncrypted, b.SecretKeyEncrypted); err != nil {
		return models.BucketConfig{}, err
	}
	r.invalidate(ctx, id)
	r.logger.Info("bucket secrets rotated", "bucketId", id, "by", g.Subject)
	return b, nil
}

// List returns every bucket row. Secrets never leave as plaintext.
func (r *Registry) List(ctx context.Context, g authz.Grant) ([]models.BucketConfig, error) {
	if err := g.RequireAdmin(); err != nil {
		return nil, err
	}
	return r.store.List(ctx)
}

// UpdateUsage persists a refreshed usage figure for bucket id.
func (r *Registry) UpdateUsage(ctx context.Context, g authz.Grant, id uint, usedBytes int64, at time.Time) error {
	if err := g.RequireBucket(id); err != nil {
		return err
	}
	if err := r.store.UpdateUsage(ctx, id, usedBytes, at); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *Registry) verify(ctx context.Context, b models.BucketConfig, creds vault.Credentials) error {
	gw, err := r.dialer.DialWithCredentials(ctx, b, creds)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionVerification, err)
	}
	if !gw.Probe(ctx) {
		r.logger.Info("bucket probe rejected", "bucket", b.Name, "endpoint", b.Endpoint)
		return fmt.Errorf("%w: bucket %s at %s", ErrConnectionVerification, b.Name, b.Endpoint)
	}
	return nil
}

func (r *Registry) invalidate(ctx context.Context, id uint) {
	if sc := scopeFrom(ctx); sc != nil {
		sc.forget(id)
	}
}

func normalizeDraft(d Draft) Draft {
	d.Name = strings.TrimSpace(d.Name)
	d.Provider = strings.ToLower(strings.TrimSpace(d.Provider))
	d.Region = strings.TrimSpace(d.Region)
	if d.Region == "" {
		d.Region = DefaultRegion
	}
	d.Endpoint = strings.TrimSpace(d.Endpoint)
	d.CDNURL = strings.TrimSpace(d.CDNURL)
	return d
}
