package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arencloud/hermes-upload/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
)

// TokenHeader carries the capability token on every broker call.
const TokenHeader = "x-access-token"

// Broker is the signing side of the upload protocol.
type Broker interface {
	Presign(ctx context.Context, bucketID uint, req PresignRequest) (PresignResponse, error)
	Complete(ctx context.Context, bucketID uint, req CompleteRequest) (FinalizeResponse, error)
	InitiateMultipart(ctx context.Context, bucketID uint, req InitiateRequest) (InitiateResponse, error)
	PresignPart(ctx context.Context, bucketID uint, req PartPresignRequest) (PartPresignResponse, error)
	CompleteMultipart(ctx context.Context, bucketID uint, req MultipartCompleteRequest) (FinalizeResponse, error)
	AbortMultipart(ctx context.Context, bucketID uint, req AbortRequest) error
}

// Storage PUTs bytes to a presigned URL and returns the raw ETag header.
type Storage interface {
	Put(ctx context.Context, rawURL string, body io.Reader, size int64, contentType string) (string, error)
}

// TokenSource returns the capability token for one broker call. It is
// consulted before every request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns tok. It suits sessions shorter than the
// capability lifetime.
func StaticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

// Client talks to the broker and to storage. Signing calls are retried on
// transport errors only; initiate, abort and storage PUTs are never retried.
type Client struct {
	baseURL string
	tokens  TokenSource
	signing *retryablehttp.Client
	storage *http.Client
}

type ClientOption func(*Client)

// WithRetryMax sets how many times a broker call is retried after a transport error.
func WithRetryMax(n int) ClientOption {
	return func(c *Client) { c.signing.RetryMax = n }
}

// WithStorageClient replaces the HTTP client used for storage PUTs.
func WithStorageClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.storage = hc }
}

// WithLogger routes retry diagnostics to l.
func WithLogger(l logging.Logger) ClientOption {
	return func(c *Client) { c.signing.Logger = leveledLogger{l} }
}

// WithTokenSource replaces the static token given to NewClient.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.CheckRetry = retryTransportErrors
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  StaticToken(token),
		signing: rc,
		storage: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CloseIdleConnections releases pooled connections of both HTTP clients.
func (c *Client) CloseIdleConnections() {
	c.signing.HTTPClient.CloseIdleConnections()
	c.storage.CloseIdleConnections()
}

type noRetryKey struct{}

// retryTransportErrors retries only when no response was received and the
// call is safe to replay. Broker answers, including 5xx, are final.
func retryTransportErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if ctx.Value(noRetryKey{}) != nil {
		return false, nil
	}
	return err != nil, nil
}

// brokerCall describes one JSON POST to the broker. A nil header means the
// capability token is sent.
type brokerCall struct {
	op, path string
	query    url.Values
	header   http.Header
	in, out  any
	// once marks calls with storage side effects that a replay would duplicate
	once bool
}

func (c *Client) Presign(ctx context.Context, bucketID uint, req PresignRequest) (PresignResponse, error) {
	var out PresignResponse
	err := c.post(ctx, brokerCall{op: "presign", path: "/files/presign", query: bucketQuery(bucketID), in: req, out: &out})
	return out, err
}

func (c *Client) Complete(ctx context.Context, bucketID uint, req CompleteRequest) (FinalizeResponse, error) {
	var out FinalizeResponse
	err := c.post(ctx, brokerCall{op: "complete", path: "/files/complete", query: bucketQuery(bucketID), in: req, out: &out})
	return out, err
}

// InitiateMultipart is sent once: a lost response may still have created a
// storage multipart upload, and a replay would orphan it.
func (c *Client) InitiateMultipart(ctx context.Context, bucketID uint, req InitiateRequest) (InitiateResponse, error) {
	var out InitiateResponse
	err := c.post(ctx, brokerCall{op: "initiate multipart", path: "/files/multipart/initiate", query: bucketQuery(bucketID), in: req, out: &out, once: true})
	return out, err
}

func (c *Client) PresignPart(ctx context.Context, bucketID uint, req PartPresignRequest) (PartPresignResponse, error) {
	var out PartPresignResponse
	err := c.post(ctx, brokerCall{op: "presign part " + strconv.Itoa(int(req.PartNumber)), path: "/files/multipart/presign", query: bucketQuery(bucketID), in: req, out: &out})
	return out, err
}

func (c *Client) CompleteMultipart(ctx context.Context, bucketID uint, req MultipartCompleteRequest) (FinalizeResponse, error) {
	var out FinalizeResponse
	err := c.post(ctx, brokerCall{op: "complete multipart", path: "/files/multipart/complete", query: bucketQuery(bucketID), in: req, out: &out})
	return out, err
}

func (c *Client) AbortMultipart(ctx context.Context, bucketID uint, req AbortRequest) error {
	return c.post(ctx, brokerCall{op: "abort multipart", path: "/files/multipart/abort", query: bucketQuery(bucketID), in: req, once: true})
}

// IssueCapability exchanges the broker's admin API key for a capability token.
func (c *Client) IssueCapability(ctx context.Context, adminKey string, req CapabilityRequest) (CapabilityResponse, error) {
	var out CapabilityResponse
	err := c.post(ctx, brokerCall{op: "issue capability", path: "/api/v1/capabilities", header: http.Header{"Authorization": {"Bearer " + adminKey}}, in: req, out: &out})
	return out, err
}

// RefreshUsage asks the broker to recount bucketIDs and decodes the snapshot list into out.
// The client token must be an admin capability.
func (c *Client) RefreshUsage(ctx context.Context, bucketIDs []uint, out any) error {
	return c.post(ctx, brokerCall{op: "refresh usage", path: "/api/v1/buckets/refresh", in: BucketIDsRequest{BucketIDs: bucketIDs}, out: out})
}

// TestConnections asks the broker to probe bucketIDs with their stored
// credentials and decodes the status list into out.
func (c *Client) TestConnections(ctx context.Context, bucketIDs []uint, out any) error {
	return c.post(ctx, brokerCall{op: "test connections", path: "/api/v1/buckets/test", in: BucketIDsRequest{BucketIDs: bucketIDs}, out: out})
}

func bucketQuery(id uint) url.Values {
	return url.Values{"bucketId": {strconv.FormatUint(uint64(id), 10)}}
}

func (c *Client) post(ctx context.Context, call brokerCall) error {
	hdr := call.header
	if hdr == nil {
		tok, err := c.tokens(ctx)
		if err != nil {
			return fmt.Errorf("%s: capability: %w", call.op, err)
		}
		hdr = http.Header{http.CanonicalHeaderKey(TokenHeader): {tok}}
	}
	body, err := json.Marshal(call.in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", call.op, err)
	}
	u := c.baseURL + call.path
	if len(call.query) > 0 {
		u += "?" + call.query.Encode()
	}
	rctx := ctx
	if call.once {
		rctx = context.WithValue(ctx, noRetryKey{}, true)
	}
	req, err := retryablehttp.NewRequestWithContext(rctx, http.MethodPost, u, body)
	if err != nil {
		return fmt.Errorf("%s: %w", call.op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.signing.Do(req)
	if err != nil {
		return &TransportError{Op: call.op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: call.op, StatusCode: resp.StatusCode, Err: decodeError(resp.Body)}
	}
	if call.out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(call.out); err != nil {
		return &TransportError{Op: call.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func decodeError(r io.Reader) error {
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var er ErrorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		if len(er.Fields) > 0 {
			return fmt.Errorf("%s %v", er.Error, er.Fields)
		}
		return errors.New(er.Error)
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return errors.New(s)
	}
	return errors.New("empty response body")
}

// Put uploads exactly size bytes from body. contentType is sent only when
// non-empty, since presigned part URLs are not signed over it.
func (c *Client) Put(ctx context.Context, rawURL string, body io.Reader, size int64, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, body)
	if err != nil {
		return "", &TransportError{Op: "storage put", Err: err}
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.storage.Do(req)
	if err != nil {
		return "", &TransportError{Op: "storage put", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &TransportError{Op: "storage put", StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(raw)))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Header.Get("ETag"), nil
}

// leveledLogger adapts logging.Logger to retryablehttp.LeveledLogger.
type leveledLogger struct{ l logging.Logger }

func (a leveledLogger) Error(msg string, kv ...any) { a.l.Error(msg, kv...) }
func (a leveledLogger) Info(msg string, kv ...any)  { a.l.Info(msg, kv...) }
func (a leveledLogger) Debug(msg string, kv ...any) { a.l.Debug(msg, kv...) }
func (a leveledLogger) Warn(msg string, kv ...any)  { a.l.Info(msg, kv...) }
