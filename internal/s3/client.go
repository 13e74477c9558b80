package s3

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arencloud/hermes-upload/internal/logging"
	"github.com/arencloud/hermes-upload/internal/models"
	"github.com/arencloud/hermes-upload/internal/vault"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const defaultRegion = "auto"

// ObjectMeta is one entry of a bucket listing.
type ObjectMeta struct {
	Key       string
	SizeBytes int64
}

// PaginationError reports a provider that handed back a continuation token
// it had already issued. Following it would loop forever.
type PaginationError struct {
	Bucket string
	Token  string
}

func (e *PaginationError) Error() string {
	return fmt.Sprintf("s3: bucket %s repeated continuation token %q", e.Bucket, e.Token)
}

// Gateway is the set of storage control operations scoped to one bucket.
// Transport failures are returned as-is; retry policy belongs to callers.
type Gateway interface {
	Probe(ctx context.Context) bool
	ListAllObjects(ctx context.Context) iter.Seq2[ObjectMeta, error]
	PresignPut(ctx context.Context, key, contentType string) (string, error)
	PresignPart(ctx context.Context, key, uploadID string, partNumber int32) (string, error)
	PresignGet(ctx context.Context, key string) (string, error)
	InitiateMultipart(ctx context.Context, key, contentType string) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	ObjectURL(key string) string
}

// api is the subset of *s3.Client the gateway drives.
type api interface {
	HeadBucket(ctx context.Context, in *awss3.HeadBucketInput, opts ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *awss3.CreateMultipartUploadInput, opts ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *awss3.CompleteMultipartUploadInput, opts ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *awss3.AbortMultipartUploadInput, opts ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error)
}

// presigner is the subset of *s3.PresignClient the gateway drives.
type presigner interface {
	PresignPutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignUploadPart(ctx context.Context, in *awss3.UploadPartInput, opts ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Client struct {
	bucket    models.BucketConfig
	api       api
	presign   presigner
	uploadTTL time.Duration
	getTTL    time.Duration
	logger    logging.Logger
}

// normalizeEndpoint returns an absolute endpoint URL without a trailing slash.
// Bare host:port values are assumed to be https.
func normalizeEndpoint(endpoint string) string {
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if ep == "" {
		return ""
	}
	if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
		ep = "https://" + ep
	}
	return ep
}

// forcePathStyle is true for every provider except AWS, which prefers virtual-hosted addressing.
func forcePathStyle(b models.BucketConfig) bool {
	return strings.ToLower(strings.TrimSpace(b.Provider)) != "aws"
}

func region(b models.BucketConfig) string {
	if r := strings.TrimSpace(b.Region); r != "" {
		return r
	}
	return defaultRegion
}

func newClient(b models.BucketConfig, creds vault.Credentials, httpClient *http.Client, uploadTTL, getTTL time.Duration, logger logging.Logger) *Client {
	opts := awss3.Options{
		Region:       region(b),
		Credentials:  credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		UsePathStyle: forcePathStyle(b),
		HTTPClient:   httpClient,
	}
	if ep := normalizeEndpoint(b.Endpoint); ep != "" {
		opts.BaseEndpoint = aws.String(ep)
	}
	sc := awss3.New(opts)
	return &Client{
		bucket:    b,
		api:       sc,
		presign:   awss3.NewPresignClient(sc),
		uploadTTL: uploadTTL,
		getTTL:    getTTL,
		logger:    logger.With("bucketId", b.ID, "bucket", b.Name),
	}
}

// Probe issues HeadBucket. It never returns an error; the cause is logged.
func (c *Client) Probe(ctx context.Context) bool {
	_, err := c.api.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(c.bucket.Name)})
	if err != nil {
		c.logger.Error("bucket probe failed", "error", err.Error())
		return false
	}
	return true
}

// ListAllObjects lazily walks every ListObjectsV2 page. The sequence stops at
// the first error, which is yielded with a zero ObjectMeta.
func (c *Client) ListAllObjects(ctx context.Context) iter.Seq2[ObjectMeta, error] {
	return func(yield func(ObjectMeta, error) bool) {
		seen := map[string]struct{}{}
		var token *string
		for {
			out, err := c.api.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
				Bucket:            aws.String(c.bucket.Name),
				ContinuationToken: token,
			})
			if err != nil {
				yield(ObjectMeta{}, fmt.Errorf("list objects %s: %w", c.bucket.Name, err))
				return
			}
			for _, o := range out.Contents {
				if !yield(ObjectMeta{Key: aws.ToString(o.Key), SizeBytes: aws.ToInt64(o.Size)}, nil) {
					return
				}
			}
			next := aws.ToString(out.NextContinuationToken)
			if next == "" {
				return
			}
			if _, dup := seen[next]; dup {
				yield(ObjectMeta{}, &PaginationError{Bucket: c.bucket.Name, Token: next})
				return
			}
			seen[next] = struct{}{}
			token = aws.String(next)
		}
	}
}

func (c *Client) PresignPut(ctx context.Context, key, contentType string) (string, error) {
	in := &awss3.PutObjectInput{Bucket: aws.String(c.bucket.Name), Key: aws.String(key)}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	req, err := c.presign.PresignPutObject(ctx, in, awss3.WithPresignExpires(c.uploadTTL))
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", key, err)
	}
	return req.URL, nil
}

func (c *Client) PresignPart(ctx context.Context, key, uploadID string, partNumber int32) (string, error) {
	req, err := c.presign.PresignUploadPart(ctx, &awss3.UploadPartInput{
		Bucket:     aws.String(c.bucket.Name),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, awss3.WithPresignExpires(c.uploadTTL))
	if err != nil {
		return "", fmt.Errorf("presign part %d of %s: %w", partNumber, key, err)
	}
	return req.URL, nil
}

func (c *Client) PresignGet(ctx context.Context, key string) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket.Name),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(c.getTTL))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return req.URL, nil
}

func (c *Client) InitiateMultipart(ctx context.Context, key, contentType string) (string, error) {
	in := &awss3.CreateMultipartUploadInput{Bucket: aws.String(c.bucket.Name), Key: aws.String(key)}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	out, err := c.api.CreateMultipartUpload(ctx, in)
	if err != nil {
		return "", fmt.Errorf("initiate multipart %s: %w", key, err)
	}
	id := aws.ToString(out.UploadId)
	if id == "" {
		return "", errors.New("initiate multipart: provider returned no upload id")
	}
	return id, nil
}

// CompleteMultipart submits parts in ascending part-number order.
func (c *Client) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	ordered, err := NormalizeParts(parts)
	if err != nil {
		return err
	}
	sdkParts := make([]types.CompletedPart, 0, len(ordered))
	for _, p := range ordered {
		sdkParts = append(sdkParts, types.CompletedPart{ETag: aws.String(p.ETag), PartNumber: aws.Int32(p.PartNumber)})
	}
	_, err = c.api.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket.Name),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: sdkParts},
	})
	if err != nil {
		return fmt.Errorf("complete multipart %s: %w", key, err)
	}
	return nil
}

func (c *Client) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := c.api.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket.Name),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart %s: %w", key, err)
	}
	return nil
}

// ObjectURL is the unsigned address of key: under the CDN when one is
// configured, otherwise path-style or virtual-hosted on the endpoint.
func (c *Client) ObjectURL(key string) string {
	escaped := escapeKey(key)
	if cdn := strings.TrimRight(c.bucket.CDNURL, "/"); cdn != "" {
		return cdn + "/" + escaped
	}
	ep := normalizeEndpoint(c.bucket.Endpoint)
	if ep == "" {
		ep = "https://s3." + region(c.bucket) + ".amazonaws.com"
	}
	if forcePathStyle(c.bucket) {
		return ep + "/" + url.PathEscape(c.bucket.Name) + "/" + escaped
	}
	u, err := url.Parse(ep)
	if err != nil {
		return ep + "/" + url.PathEscape(c.bucket.Name) + "/" + escaped
	}
	return u.Scheme + "://" + c.bucket.Name + "." + u.Host + "/" + escaped
}

func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
