package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/arencloud/hermes-upload/internal/capacity"
	"github.com/arencloud/hermes-upload/internal/config"
	"github.com/arencloud/hermes-upload/internal/db"
	"github.com/arencloud/hermes-upload/internal/logging"
	"github.com/arencloud/hermes-upload/internal/models"
	"github.com/arencloud/hermes-upload/internal/registry"
	"github.com/arencloud/hermes-upload/internal/s3/s3test"
	"github.com/arencloud/hermes-upload/internal/upload"
	"github.com/arencloud/hermes-upload/internal/vault"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const testAdminKey = "test-admin-key"

func init() { gin.SetMode(gin.TestMode) }

type testServer struct {
	t      *testing.T
	engine *gin.Engine
	db     *gorm.DB
	vault  *vault.Vault
	dialer *s3test.Dialer
	store  *registry.GormStore
}

// setupTestServer builds the broker on a temporary sqlite DB and an in-memory storage fake.
func setupTestServer(t *testing.T, opts ...vault.Option) *testServer {
	t.Helper()
	tmp := t.TempDir()
	cfg := &config.Config{Env: "test", DBDriver: "sqlite", DBPath: filepath.Join(tmp, "test.db"), AdminAPIKey: testAdminKey}
	logger := logging.Nop()
	gdb, err := db.Open(cfg, logger)
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	key, err := vault.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	v, err := vault.New(key, opts...)
	if err != nil {
		t.Fatal(err)
	}
	dialer := &s3test.Dialer{Gateways: map[string]*s3test.Gateway{}, Vault: v}
	store := registry.NewGormStore(gdb)
	reg := registry.New(store, v, dialer, logger)
	engine := Router(Deps{
		Config:     cfg,
		Logger:     logger,
		DB:         gdb,
		Vault:      v,
		Registry:   reg,
		Accountant: capacity.New(reg, 2, logger),
	})
	return &testServer{t: t, engine: engine, db: gdb, vault: v, dialer: dialer, store: store}
}

// seedBucket stores a bucket row directly, bypassing the probe.
func (s *testServer) seedBucket(name string, edit func(*models.BucketConfig)) (models.BucketConfig, *s3test.Gateway) {
	s.t.Helper()
	ak, _ := s.vault.EncryptSecret("AK")
	sk, _ := s.vault.EncryptSecret("SK")
	b := models.BucketConfig{Name: name, Provider: "minio", Region: "auto", Endpoint: "http://minio:9000", AccessKeyEncrypted: ak, SecretKeyEncrypted: sk, TotalCapacityGB: 25}
	if edit != nil {
		edit(&b)
	}
	if err := s.store.Create(context.Background(), &b); err != nil {
		s.t.Fatalf("seed bucket: %v", err)
	}
	gw := &s3test.Gateway{ProbeOK: true, BaseURL: "https://storage.test/" + name}
	s.dialer.Gateways[name] = gw
	return b, gw
}

func (s *testServer) token(scope string, bucketID uint) string {
	s.t.Helper()
	tok, _, err := s.vault.IssueCapability("tester", scope, bucketID)
	if err != nil {
		s.t.Fatalf("issue capability: %v", err)
	}
	return tok
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(upload.TokenHeader, token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func bucketPath(path string, id uint) string {
	return path + "?bucketId=" + strconv.FormatUint(uint64(id), 10)
}

func TestHealthAndVersion(t *testing.T) {
	s := setupTestServer(t)
	if w := s.do(http.MethodGet, "/health", "", nil); w.Code != 200 || w.Body.String() != "ok" {
		t.Fatalf("/health status=%d body=%q", w.Code, w.Body.String())
	}
	w := s.do(http.MethodGet, "/api/version", "", nil)
	if w.Code != 200 {
		t.Fatalf("/api/version status=%d", w.Code)
	}
	if v := decode[map[string]any](t, w); v["name"] != "hermes-upload" {
		t.Fatalf("unexpected version body: %v", v)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	s.do(http.MethodGet, "/health", "", nil)
	w := s.do(http.MethodGet, "/metrics", "", nil)
	if w.Code != 200 {
		t.Fatalf("/metrics status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "hermes_http_requests_total") {
		t.Fatalf("request counter not exported")
	}
}

func TestErrorBodyCarriesRequestID(t *testing.T) {
	s := setupTestServer(t)
	w := s.do(http.MethodGet, "/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	body := decode[upload.ErrorResponse](t, w)
	if body.RequestID == "" || body.RequestID != w.Header().Get("X-Request-ID") {
		t.Fatalf("request id missing or mismatched: %+v header=%q", body, w.Header().Get("X-Request-ID"))
	}
}
