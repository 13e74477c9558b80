// Package upload drives a file from the caller's disk to object storage
// through the broker's presigned URLs, single-part or multipart.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arencloud/hermes-upload/internal/logging"
	"github.com/arencloud/hermes-upload/internal/s3"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const (
	MiB = 1024 * 1024

	DefaultThreshold = 50 * MiB
	DefaultChunkSize = 5 * MiB
	DefaultTimeout   = 5 * time.Minute

	// MinChunkSize is the smallest part S3-compatible providers accept for
	// every part but the last.
	MinChunkSize = 5 * MiB
	// MaxParts is the provider limit on parts per multipart upload.
	MaxParts = 10000
)

// ErrChunkTooSmall is returned before initiating when the configured chunk
// size is below the provider minimum.
var ErrChunkTooSmall = errors.New("chunk size below provider minimum")

// Source is the file being uploaded.
type Source struct {
	Reader      io.ReaderAt
	Size        int64
	Name        string
	ContentType string
}

// FileSource describes an open file. The content type is guessed from the extension.
func FileSource(f *os.File) (Source, error) {
	st, err := f.Stat()
	if err != nil {
		return Source{}, err
	}
	if st.IsDir() {
		return Source{}, fmt.Errorf("%s is a directory", f.Name())
	}
	name := filepath.Base(f.Name())
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return Source{Reader: f, Size: st.Size(), Name: name, ContentType: ct}, nil
}

// Progress is reported after every stored part. Finalization is not counted.
type Progress struct {
	CompletedParts int
	TotalParts     int
	BytesSent      int64
}

func (p Progress) Percent() float64 {
	if p.TotalParts == 0 {
		return 0
	}
	return float64(p.CompletedParts) * 100 / float64(p.TotalParts)
}

// Binding holds the file URL currently shown to the user. An upload clears
// it while running and restores the previous value if it fails.
type Binding struct {
	mu    sync.Mutex
	value string
}

func NewBinding(v string) *Binding { return &Binding{value: v} }

func (b *Binding) Get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

func (b *Binding) Set(v string) {
	b.mu.Lock()
	b.value = v
	b.mu.Unlock()
}

type Options struct {
	Threshold int64
	// ChunkSize is grown when the file would need more than MaxParts parts.
	ChunkSize int64
	// MinChunkSize defaults to MinChunkSize; providers with a lower floor
	// may set it smaller.
	MinChunkSize int64
	Concurrency int           // parts in flight; 1 uploads strictly in order
	Timeout     time.Duration // per network call
	// AbortOnFailure asks the broker to abort the storage multipart upload
	// when the session fails after initiation. Off by default; incomplete
	// uploads are then left to the provider's lifecycle rules.
	AbortOnFailure bool
	OnProgress     func(Progress)
	OnState        func(State)
	Binding        *Binding
}

func DefaultOptions() Options {
	return Options{
		Threshold:    DefaultThreshold,
		ChunkSize:    DefaultChunkSize,
		MinChunkSize: MinChunkSize,
		Concurrency:  1,
		Timeout:      DefaultTimeout,
	}
}

// Result describes a finished session, successful or not.
type Result struct {
	State    State
	Strategy Strategy
	FileID   string
	Key      string
	FinalURL string
	Parts    int
	Size     int64
}

type Orchestrator struct {
	broker  Broker
	storage Storage
	opts    Options
	logger  logging.Logger
}

func NewOrchestrator(broker Broker, storage Storage, opts Options, logger logging.Logger) *Orchestrator {
	def := DefaultOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = def.MinChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Orchestrator{broker: broker, storage: storage, opts: opts, logger: logger}
}

// Upload runs one session for src into bucketID. On failure the returned
// Result has State Failed and the binding holds its pre-upload value.
func (o *Orchestrator) Upload(ctx context.Context, bucketID uint, src Source) (Result, error) {
	s := &session{state: Idle, onState: o.opts.OnState}
	res := Result{Size: src.Size}
	log := o.logger.With("bucketId", bucketID, "file", src.Name)

	var prior string
	if o.opts.Binding != nil {
		prior = o.opts.Binding.Get()
	}
	err := o.run(ctx, s, bucketID, src, &res, log)
	if err != nil {
		if !s.state.Terminal() {
			_ = s.to(Failed)
		}
		res.State = s.state
		if o.opts.Binding != nil {
			o.opts.Binding.Set(prior)
		}
		log.Error("upload failed", "strategy", res.Strategy.String(), "error", err.Error())
		return res, fmt.Errorf("upload %s: %w", src.Name, err)
	}
	res.State = s.state
	if o.opts.Binding != nil {
		o.opts.Binding.Set(res.FinalURL)
	}
	log.Info("upload completed", "strategy", res.Strategy.String(), "size", humanize.IBytes(uint64(src.Size)), "parts", res.Parts)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, s *session, bucketID uint, src Source, res *Result, log logging.Logger) error {
	if src.Reader == nil || src.Size < 0 {
		return errors.New("invalid source")
	}
	if err := s.to(StrategySelected); err != nil {
		return err
	}
	res.Strategy = SelectStrategy(src.Size, o.opts.Threshold)
	if o.opts.Binding != nil {
		o.opts.Binding.Set("")
	}
	if res.Strategy == SinglePart {
		return o.single(ctx, s, bucketID, src, res)
	}
	return o.multipart(ctx, s, bucketID, src, res, log)
}

func (o *Orchestrator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.opts.Timeout)
}

func (o *Orchestrator) single(ctx context.Context, s *session, bucketID uint, src Source, res *Result) error {
	cctx, cancel := o.call(ctx)
	p, err := o.broker.Presign(cctx, bucketID, PresignRequest{FileName: src.Name, ContentType: src.ContentType})
	cancel()
	if err != nil {
		return err
	}
	switch {
	case p.UploadURL == "":
		return &MissingFieldError{Op: "presign", Field: "uploadUrl"}
	case p.FileID == "":
		return &MissingFieldError{Op: "presign", Field: "fileId"}
	case p.Key == "":
		return &MissingFieldError{Op: "presign", Field: "key"}
	}
	res.FileID, res.Key, res.Parts = p.FileID, p.Key, 1

	if err := s.to(SinglePutInFlight); err != nil {
		return err
	}
	cctx, cancel = o.call(ctx)
	_, err = o.storage.Put(cctx, p.UploadURL, io.NewSectionReader(src.Reader, 0, src.Size), src.Size, src.ContentType)
	cancel()
	if err != nil {
		return err
	}
	o.report(Progress{CompletedParts: 1, TotalParts: 1, BytesSent: src.Size})

	if err := s.to(Finalizing); err != nil {
		return err
	}
	cctx, cancel = o.call(ctx)
	f, err := o.broker.Complete(cctx, bucketID, CompleteRequest{
		FileID:      p.FileID,
		Key:         p.Key,
		FileName:    src.Name,
		SizeBytes:   src.Size,
		ContentType: src.ContentType,
	})
	cancel()
	if err != nil {
		return err
	}
	if f.FinalURL == "" {
		return &MissingFieldError{Op: "complete", Field: "finalUrl"}
	}
	res.FinalURL = f.FinalURL
	return s.to(Completed)
}

func (o *Orchestrator) multipart(ctx context.Context, s *session, bucketID uint, src Source, res *Result, log logging.Logger) error {
	chunk, err := o.partSize(src.Size)
	if err != nil {
		return err
	}
	if chunk != o.opts.ChunkSize {
		log.Info("chunk size raised to stay within part limit", "chunk", humanize.IBytes(uint64(chunk)), "maxParts", MaxParts)
	}
	cctx, cancel := o.call(ctx)
	in, err := o.broker.InitiateMultipart(cctx, bucketID, InitiateRequest{FileName: src.Name, ContentType: src.ContentType})
	cancel()
	if err != nil {
		return err
	}
	switch {
	case in.UploadID == "":
		return &MissingFieldError{Op: "initiate multipart", Field: "uploadId"}
	case in.FileID == "":
		return &MissingFieldError{Op: "initiate multipart", Field: "fileId"}
	case in.Key == "":
		return &MissingFieldError{Op: "initiate multipart", Field: "key"}
	}
	res.FileID, res.Key = in.FileID, in.Key
	if err := s.to(MultipartInitiated); err != nil {
		return err
	}

	err = o.finishMultipart(ctx, s, bucketID, src, in, chunk, res)
	if err != nil && o.opts.AbortOnFailure {
		o.abort(ctx, bucketID, in, log)
	}
	return err
}

// partSize is the chunk size for a file of size bytes: the configured size,
// grown in whole MiB when the file would need more than MaxParts parts.
func (o *Orchestrator) partSize(size int64) (int64, error) {
	chunk := o.opts.ChunkSize
	if chunk < o.opts.MinChunkSize {
		return 0, fmt.Errorf("%w: %s < %s", ErrChunkTooSmall, humanize.IBytes(uint64(chunk)), humanize.IBytes(uint64(o.opts.MinChunkSize)))
	}
	if PartCount(size, chunk) > MaxParts {
		need := (size + MaxParts - 1) / MaxParts
		chunk = (need + MiB - 1) / MiB * MiB
	}
	return chunk, nil
}

func (o *Orchestrator) finishMultipart(ctx context.Context, s *session, bucketID uint, src Source, in InitiateResponse, chunk int64, res *Result) error {
	total := PartCount(src.Size, chunk)
	res.Parts = total
	if err := s.to(PartsUploading); err != nil {
		return err
	}
	parts, err := o.uploadParts(ctx, bucketID, src, in, chunk, total)
	if err != nil {
		return err
	}
	ordered, err := s3.NormalizeParts(parts)
	if err != nil {
		return err
	}

	if err := s.to(Finalizing); err != nil {
		return err
	}
	cctx, cancel := o.call(ctx)
	f, err := o.broker.CompleteMultipart(cctx, bucketID, MultipartCompleteRequest{
		FileID:    in.FileID,
		Key:       in.Key,
		UploadID:  in.UploadID,
		Parts:     ordered,
		SizeBytes: src.Size,
	})
	cancel()
	if err != nil {
		return err
	}
	if f.FinalURL == "" {
		return &MissingFieldError{Op: "complete multipart", Field: "finalUrl"}
	}
	res.FinalURL = f.FinalURL
	return s.to(Completed)
}

// uploadParts stores parts 1..total with at most Concurrency in flight. The
// returned slice is indexed by part number minus one.
func (o *Orchestrator) uploadParts(ctx context.Context, bucketID uint, src Source, in InitiateResponse, chunk int64, total int) ([]s3.CompletedPart, error) {
	parts := make([]s3.CompletedPart, total)
	var (
		mu   sync.Mutex
		done int
		sent int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for p := 1; p <= total; p++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			etag, n, err := o.uploadPart(gctx, bucketID, src, in, chunk, p)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			parts[p-1] = s3.CompletedPart{PartNumber: int32(p), ETag: etag}
			done++
			sent += n
			o.report(Progress{CompletedParts: done, TotalParts: total, BytesSent: sent})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return parts, nil
}

func (o *Orchestrator) uploadPart(ctx context.Context, bucketID uint, src Source, in InitiateResponse, chunk int64, p int) (string, int64, error) {
	cctx, cancel := o.call(ctx)
	defer cancel()
	pp, err := o.broker.PresignPart(cctx, bucketID, PartPresignRequest{Key: in.Key, UploadID: in.UploadID, PartNumber: int32(p)})
	if err != nil {
		return "", 0, err
	}
	if pp.UploadURL == "" {
		return "", 0, &MissingFieldError{Op: fmt.Sprintf("presign part %d", p), Field: "uploadUrl"}
	}
	off, n := partRange(p, src.Size, chunk)
	raw, err := o.storage.Put(cctx, pp.UploadURL, io.NewSectionReader(src.Reader, off, n), n, "")
	if err != nil {
		return "", 0, fmt.Errorf("part %d: %w", p, err)
	}
	etag := s3.TrimETag(raw)
	if etag == "" {
		return "", 0, &MissingETagError{PartNumber: p}
	}
	return etag, n, nil
}

func (o *Orchestrator) abort(ctx context.Context, bucketID uint, in InitiateResponse, log logging.Logger) {
	cctx, cancel := o.call(context.WithoutCancel(ctx))
	defer cancel()
	err := o.broker.AbortMultipart(cctx, bucketID, AbortRequest{FileID: in.FileID, Key: in.Key, UploadID: in.UploadID})
	if err != nil {
		log.Error("abort multipart failed", "uploadId", in.UploadID, "error", err.Error())
		return
	}
	log.Info("multipart upload aborted", "uploadId", in.UploadID)
}

func (o *Orchestrator) report(p Progress) {
	if o.opts.OnProgress != nil {
		o.opts.OnProgress(p)
	}
}
