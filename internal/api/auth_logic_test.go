package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/arencloud/hermes-upload/internal/upload"
	"github.com/arencloud/hermes-upload/internal/vault"
)

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }

func (s *testServer) issue(bearer string, req upload.CapabilityRequest) *httptest.ResponseRecorder {
	s.t.Helper()
	raw, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/capabilities", bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, r)
	return w
}

func TestIssueCapability(t *testing.T) {
	s := setupTestServer(t)
	b, _ := s.seedBucket("media", nil)

	if w := s.issue("", upload.CapabilityRequest{BucketID: b.ID}); w.Code != http.StatusUnauthorized {
		t.Fatalf("no key: %d", w.Code)
	}
	if w := s.issue("wrong", upload.CapabilityRequest{BucketID: b.ID}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d", w.Code)
	}
	if w := s.issue(testAdminKey, upload.CapabilityRequest{BucketID: 999}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown bucket: %d", w.Code)
	}
	if w := s.issue(testAdminKey, upload.CapabilityRequest{}); w.Code != http.StatusBadRequest {
		t.Fatalf("upload without bucket: %d", w.Code)
	}
	if w := s.issue(testAdminKey, upload.CapabilityRequest{Scope: "root"}); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown scope: %d", w.Code)
	}

	w := s.issue(testAdminKey, upload.CapabilityRequest{BucketID: b.ID, Subject: "web"})
	if w.Code != http.StatusCreated {
		t.Fatalf("issue status=%d body=%s", w.Code, w.Body.String())
	}
	resp := decode[upload.CapabilityResponse](t, w)
	c, err := s.vault.VerifyCapability(resp.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if c.Scope != vault.ScopeUpload || c.BucketID != b.ID || c.Subject != "web" {
		t.Fatalf("unexpected capability %+v", c)
	}
}

func TestForeignCapabilityRejected(t *testing.T) {
	s := setupTestServer(t)
	b, _ := s.seedBucket("media", nil)
	key, _ := vault.GenerateMasterKey()
	foreign, _ := vault.New(key)
	tok, _, _ := foreign.IssueCapability("x", vault.ScopeUpload, b.ID)

	if w := s.do(http.MethodPost, bucketPath("/files/presign", b.ID), tok, map[string]string{"fileName": "a"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("foreign token accepted: %d", w.Code)
	}
}
