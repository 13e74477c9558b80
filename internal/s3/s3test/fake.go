// Package s3test provides an in-memory s3.Dialer for tests.
package s3test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"sync"

	"github.com/arencloud/hermes-upload/internal/models"
	"github.com/arencloud/hermes-upload/internal/s3"
	"github.com/arencloud/hermes-upload/internal/vault"
)

// Gateway is a scripted s3.Gateway. The zero value probes false and lists nothing.
type Gateway struct {
	mu sync.Mutex

	ProbeOK  bool
	Objects  []s3.ObjectMeta
	ListErr  error
	BaseURL  string // prefix for presigned and object URLs
	UploadID string

	Completed map[string][]s3.CompletedPart // by upload id
	Aborted   []string
	Probes    int
	Lists     int
}

var _ s3.Gateway = (*Gateway)(nil)

func (g *Gateway) base() string {
	if g.BaseURL == "" {
		return "https://storage.test"
	}
	return g.BaseURL
}

func (g *Gateway) Probe(context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Probes++
	return g.ProbeOK
}

func (g *Gateway) ListAllObjects(context.Context) iter.Seq2[s3.ObjectMeta, error] {
	g.mu.Lock()
	g.Lists++
	objs, err := g.Objects, g.ListErr
	g.mu.Unlock()
	return func(yield func(s3.ObjectMeta, error) bool) {
		for _, o := range objs {
			if !yield(o, nil) {
				return
			}
		}
		if err != nil {
			yield(s3.ObjectMeta{}, err)
		}
	}
}

func (g *Gateway) PresignPut(_ context.Context, key, _ string) (string, error) {
	return g.base() + "/" + key + "?X-Amz-Signature=put", nil
}

func (g *Gateway) PresignPart(_ context.Context, key, uploadID string, partNumber int32) (string, error) {
	q := url.Values{"uploadId": {uploadID}, "partNumber": {fmt.Sprint(partNumber)}}
	return g.base() + "/" + key + "?" + q.Encode(), nil
}

func (g *Gateway) PresignGet(_ context.Context, key string) (string, error) {
	return g.base() + "/" + key + "?X-Amz-Signature=get", nil
}

func (g *Gateway) InitiateMultipart(context.Context, string, string) (string, error) {
	if g.UploadID == "" {
		return "upload-1", nil
	}
	return g.UploadID, nil
}

func (g *Gateway) CompleteMultipart(_ context.Context, _ string, uploadID string, parts []s3.CompletedPart) error {
	ordered, err := s3.NormalizeParts(parts)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Completed == nil {
		g.Completed = map[string][]s3.CompletedPart{}
	}
	g.Completed[uploadID] = ordered
	return nil
}

func (g *Gateway) AbortMultipart(_ context.Context, _ string, uploadID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Aborted = append(g.Aborted, uploadID)
	return nil
}

func (g *Gateway) ObjectURL(key string) string { return g.base() + "/" + key }

// Dialer hands out Gateways by bucket name.
type Dialer struct {
	mu       sync.Mutex
	Gateways map[string]*Gateway
	Dials    int
	// LastCredentials is what the most recent dial authenticated with.
	LastCredentials vault.Credentials
	Vault           *vault.Vault
}

var _ s3.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, b models.BucketConfig) (s3.Gateway, error) {
	if d.Vault == nil {
		return nil, errors.New("s3test: dialer has no vault")
	}
	creds, err := d.Vault.DecryptCredentials(b)
	if err != nil {
		return nil, err
	}
	return d.DialWithCredentials(ctx, b, creds)
}

func (d *Dialer) DialWithCredentials(_ context.Context, b models.BucketConfig, creds vault.Credentials) (s3.Gateway, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dials++
	d.LastCredentials = creds
	g, ok := d.Gateways[b.Name]
	if !ok {
		return nil, fmt.Errorf("s3test: no gateway for bucket %q", b.Name)
	}
	return g, nil
}
