package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arencloud/hermes-upload/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorage accepts presigned PUTs and answers with a quoted ETag.
type fakeStorage struct {
	srv *httptest.Server

	mu        sync.Mutex
	bodies    map[int][]byte // by part number, 0 for single PUT
	types     map[int]string
	failPart  int
	noETag    int
	delay     func(part int) time.Duration
	inFlight  atomic.Int32
	maxFlight atomic.Int32
}

func newFakeStorage(t *testing.T) *fakeStorage {
	fs := &fakeStorage{bodies: map[int][]byte{}, types: map[int]string{}}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeStorage) handle(w http.ResponseWriter, r *http.Request) {
	n := fs.inFlight.Add(1)
	defer fs.inFlight.Add(-1)
	for {
		m := fs.maxFlight.Load()
		if n <= m || fs.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	part, _ := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if fs.delay != nil {
		time.Sleep(fs.delay(part))
	}
	body, _ := io.ReadAll(r.Body)
	if part != 0 && part == fs.failPart {
		http.Error(w, "SlowDown", http.StatusServiceUnavailable)
		return
	}
	fs.mu.Lock()
	fs.bodies[part] = body
	fs.types[part] = r.Header.Get("Content-Type")
	fs.mu.Unlock()
	if part == 0 || part != fs.noETag {
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, part))
	}
	w.WriteHeader(http.StatusOK)
}

func (fs *fakeStorage) assembled(parts int) []byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []byte
	for p := 1; p <= parts; p++ {
		out = append(out, fs.bodies[p]...)
	}
	return out
}

// fakeBroker signs URLs against fakeStorage and records every call.
type fakeBroker struct {
	storageURL string

	mu           sync.Mutex
	calls        []string
	completed    *MultipartCompleteRequest
	single       *CompleteRequest
	aborted      *AbortRequest
	emptyPresign bool
}

func (b *fakeBroker) record(c string) {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	b.mu.Unlock()
}

func (b *fakeBroker) count(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (b *fakeBroker) Presign(_ context.Context, _ uint, req PresignRequest) (PresignResponse, error) {
	b.record("presign")
	if b.emptyPresign {
		return PresignResponse{FileID: "f1", Key: "uploads/f1/" + req.FileName}, nil
	}
	return PresignResponse{UploadURL: b.storageURL + "/uploads/f1/" + req.FileName, FileID: "f1", Key: "uploads/f1/" + req.FileName, FinalURL: "https://cdn.test/uploads/f1/" + req.FileName}, nil
}

func (b *fakeBroker) Complete(_ context.Context, _ uint, req CompleteRequest) (FinalizeResponse, error) {
	b.record("complete")
	b.mu.Lock()
	b.single = &req
	b.mu.Unlock()
	return FinalizeResponse{FinalURL: "https://cdn.test/" + req.Key}, nil
}

func (b *fakeBroker) InitiateMultipart(_ context.Context, _ uint, req InitiateRequest) (InitiateResponse, error) {
	b.record("initiate")
	return InitiateResponse{FileID: "f2", Key: "uploads/f2/" + req.FileName, UploadID: "up-9"}, nil
}

func (b *fakeBroker) PresignPart(_ context.Context, _ uint, req PartPresignRequest) (PartPresignResponse, error) {
	b.record(fmt.Sprintf("part-%d", req.PartNumber))
	return PartPresignResponse{UploadURL: fmt.Sprintf("%s/%s?uploadId=%s&partNumber=%d", b.storageURL, req.Key, req.UploadID, req.PartNumber)}, nil
}

func (b *fakeBroker) CompleteMultipart(_ context.Context, _ uint, req MultipartCompleteRequest) (FinalizeResponse, error) {
	b.record("complete-multipart")
	b.mu.Lock()
	b.completed = &req
	b.mu.Unlock()
	return FinalizeResponse{FinalURL: "https://cdn.test/" + req.Key}, nil
}

func (b *fakeBroker) AbortMultipart(_ context.Context, _ uint, req AbortRequest) error {
	b.record("abort")
	b.mu.Lock()
	b.aborted = &req
	b.mu.Unlock()
	return nil
}

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func source(data []byte, name string) Source {
	return Source{Reader: bytes.NewReader(data), Size: int64(len(data)), Name: name, ContentType: "application/pdf"}
}

type harness struct {
	storage  *fakeStorage
	broker   *fakeBroker
	client   *Client
	states   []State
	progress []Progress
	binding  *Binding
}

func newHarness(t *testing.T) *harness {
	h := &harness{storage: newFakeStorage(t), binding: NewBinding("https://cdn.test/old.pdf")}
	h.broker = &fakeBroker{storageURL: h.storage.srv.URL}
	h.client = NewClient("http://unused", "tok")
	t.Cleanup(h.client.CloseIdleConnections)
	return h
}

func (h *harness) orchestrator(opts Options) *Orchestrator {
	if opts.Threshold == 0 {
		opts.Threshold = 1000
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 100
	}
	if opts.MinChunkSize == 0 {
		opts.MinChunkSize = 1
	}
	opts.Timeout = 5 * time.Second
	opts.Binding = h.binding
	opts.OnState = func(s State) { h.states = append(h.states, s) }
	var mu sync.Mutex
	opts.OnProgress = func(p Progress) {
		mu.Lock()
		h.progress = append(h.progress, p)
		mu.Unlock()
	}
	return NewOrchestrator(h.broker, h.client, opts, logging.Nop())
}

func TestSinglePartUpload(t *testing.T) {
	h := newHarness(t)
	data := payload(999)
	res, err := h.orchestrator(Options{}).Upload(context.Background(), 7, source(data, "report.pdf"))
	require.NoError(t, err)

	assert.Equal(t, Completed, res.State)
	assert.Equal(t, SinglePart, res.Strategy)
	assert.Equal(t, []State{StrategySelected, SinglePutInFlight, Finalizing, Completed}, h.states)
	assert.Equal(t, data, h.storage.bodies[0])
	assert.Equal(t, "application/pdf", h.storage.types[0])
	require.NotNil(t, h.broker.single)
	assert.Equal(t, int64(999), h.broker.single.SizeBytes)
	assert.Equal(t, "https://cdn.test/uploads/f1/report.pdf", res.FinalURL)
	assert.Equal(t, res.FinalURL, h.binding.Get())
	assert.Zero(t, h.broker.count("initiate"))
}

func TestMultipartUploadOrdersParts(t *testing.T) {
	h := newHarness(t)
	// later parts finish first
	h.storage.delay = func(part int) time.Duration { return time.Duration(12-part) * 5 * time.Millisecond }
	data := payload(1050)

	res, err := h.orchestrator(Options{Concurrency: 4}).Upload(context.Background(), 7, source(data, "movie.mp4"))
	require.NoError(t, err)

	assert.Equal(t, Multipart, res.Strategy)
	assert.Equal(t, 11, res.Parts)
	require.NotNil(t, h.broker.completed)
	parts := h.broker.completed.Parts
	require.Len(t, parts, 11)
	for i, p := range parts {
		assert.Equal(t, int32(i+1), p.PartNumber)
		assert.Equal(t, fmt.Sprintf("etag-%d", i+1), p.ETag, "ETag must be unquoted")
	}
	assert.Equal(t, int64(1050), h.broker.completed.SizeBytes)
	assert.Equal(t, data, h.storage.assembled(11))
	assert.Empty(t, h.storage.types[1], "part PUTs carry no content type")
	assert.LessOrEqual(t, h.storage.maxFlight.Load(), int32(4))

	require.Len(t, h.progress, 11)
	for i, p := range h.progress {
		assert.Equal(t, i+1, p.CompletedParts)
	}
	assert.Equal(t, 100.0, h.progress[10].Percent())
	assert.Equal(t, Completed, h.states[len(h.states)-1])
}

func TestMultipartSequentialFailureAtPart(t *testing.T) {
	h := newHarness(t)
	h.storage.failPart = 3

	res, err := h.orchestrator(Options{}).Upload(context.Background(), 7, source(payload(1000), "big.bin"))
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, Failed, res.State)
	assert.Zero(t, h.broker.count("complete"), "no completion after a failed part")
	assert.Zero(t, h.broker.count("abort"), "abort is opt-in")
	assert.Equal(t, 3, h.broker.count("part-"), "no part after the failing one is signed")
	require.NotEmpty(t, h.progress)
	last := h.progress[len(h.progress)-1]
	assert.Equal(t, 2, last.CompletedParts)
	assert.Equal(t, 20.0, last.Percent())
	assert.Equal(t, "https://cdn.test/old.pdf", h.binding.Get(), "binding reverts to the pre-upload value")
}

func TestMultipartMissingETag(t *testing.T) {
	h := newHarness(t)
	h.storage.noETag = 2

	res, err := h.orchestrator(Options{}).Upload(context.Background(), 7, source(payload(1000), "big.bin"))
	var me *MissingETagError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 2, me.PartNumber)
	assert.Equal(t, Failed, res.State)
	assert.Nil(t, h.broker.completed)
}

func TestMultipartAbortOnFailure(t *testing.T) {
	h := newHarness(t)
	h.storage.failPart = 1

	_, err := h.orchestrator(Options{AbortOnFailure: true}).Upload(context.Background(), 7, source(payload(1000), "big.bin"))
	require.Error(t, err)
	require.NotNil(t, h.broker.aborted)
	assert.Equal(t, "up-9", h.broker.aborted.UploadID)
	assert.Equal(t, "uploads/f2/big.bin", h.broker.aborted.Key)
}

func TestSinglePartMissingUploadURL(t *testing.T) {
	h := newHarness(t)
	h.broker.emptyPresign = true

	res, err := h.orchestrator(Options{}).Upload(context.Background(), 7, source(payload(10), "a.txt"))
	var mf *MissingFieldError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "uploadUrl", mf.Field)
	assert.Equal(t, Failed, res.State)
	assert.Empty(t, h.storage.bodies, "nothing is stored without a URL")
	assert.Equal(t, "https://cdn.test/old.pdf", h.binding.Get())
}

func TestUploadRejectsInvalidSource(t *testing.T) {
	h := newHarness(t)
	res, err := h.orchestrator(Options{}).Upload(context.Background(), 7, Source{Name: "x"})
	require.Error(t, err)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, []State{Failed}, h.states)
}

func TestUploadCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.orchestrator(Options{}).Upload(ctx, 7, source(payload(1000), "big.bin"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, res.State)
	assert.Zero(t, h.broker.count("part-"))
}

func TestChunkBelowProviderMinimumFailsBeforeInitiate(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(Options{ChunkSize: 100, MinChunkSize: 512})

	res, err := o.Upload(context.Background(), 7, source(payload(2000), "big.bin"))
	require.ErrorIs(t, err, ErrChunkTooSmall)
	assert.Equal(t, Failed, res.State)
	assert.Zero(t, h.broker.count("initiate"), "nothing is created at the provider")
	assert.Equal(t, "https://cdn.test/old.pdf", h.binding.Get())
}

func TestPartSizeStaysWithinPartLimit(t *testing.T) {
	o := NewOrchestrator(&fakeBroker{}, NewClient("http://unused", ""), Options{}, logging.Nop())
	cases := []struct {
		name  string
		size  int64
		chunk int64
	}{
		{"fits at default", MaxParts * DefaultChunkSize, DefaultChunkSize},
		{"one part over", (MaxParts + 1) * DefaultChunkSize, 6 * MiB},
		{"1 TiB", 1 << 40, 105 * MiB},
	}
	for _, c := range cases {
		chunk, err := o.partSize(c.size)
		require.NoError(t, err, c.name)
		assert.Equal(t, c.chunk, chunk, c.name)
		assert.LessOrEqual(t, PartCount(c.size, chunk), MaxParts, c.name)
	}

	small := NewOrchestrator(&fakeBroker{}, NewClient("http://unused", ""), Options{ChunkSize: 1 << 10}, logging.Nop())
	_, err := small.partSize(100 * MiB)
	assert.ErrorIs(t, err, ErrChunkTooSmall, "default floor is 5 MiB")
}
