package land

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/config"
	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/models"
	"github.com/cmspricing/refpipe/internal/paths"
)

func testLander(t *testing.T) (*Lander, paths.Layout) {
	t.Helper()
	layout := paths.Layout{OutputDir: t.TempDir()}
	cfg := config.HTTPConfig{
		TimeoutSeconds:        5,
		RetryAttempts:         3,
		InitialBackoffSeconds: 0.01,
		ParallelFetches:       2,
		UserAgent:             "refpipe-test",
	}
	return New(cfg, layout, zap.NewNop()), layout
}

func release(url string) *models.Release {
	return &models.Release{
		ReleaseID:      "mpfs_2025_annual_test",
		VintageDate:    "2025-01-01",
		ProductYear:    "2025",
		QuarterVintage: "2025_annual",
	}
}

func TestLandWritesRawTreeAndManifest(t *testing.T) {
	content := []byte("cf_type,cf_value\nphysician,32.3465\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Write(content)
	}))
	defer srv.Close()

	l, layout := testLander(t)
	rel := release(srv.URL)
	files, err := l.Land(context.Background(), rel, StaticDiscovery{Files: []models.SourceFile{
		{URL: srv.URL + "/cf_2025.csv", Filename: "cf_2025.csv"},
	}})
	if err != nil {
		t.Fatalf("Land: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("files = %d", len(files))
	}

	sum := sha256.Sum256(content)
	if files[0].SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %s", files[0].SHA256)
	}
	if files[0].SizeBytes != int64(len(content)) {
		t.Errorf("size = %d", files[0].SizeBytes)
	}

	raw, err := os.ReadFile(layout.RawFile(rel.ReleaseID, "cf_2025.csv"))
	if err != nil {
		t.Fatalf("raw file missing: %v", err)
	}
	if string(raw) != string(content) {
		t.Error("raw bytes differ")
	}

	m, err := ReadManifest(layout, rel.ReleaseID)
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	if m.ReleaseID != rel.ReleaseID || len(m.Files) != 1 {
		t.Errorf("manifest = %+v", m)
	}
	if m.Files[0].SHA256 != files[0].SHA256 {
		t.Error("manifest sha mismatch")
	}
}

func TestFetchRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	l, _ := testLander(t)
	files, err := l.Land(context.Background(), release(srv.URL), StaticDiscovery{Files: []models.SourceFile{
		{URL: srv.URL + "/file.txt", Filename: "file.txt"},
	}})
	if err != nil {
		t.Fatalf("Land should succeed on third attempt: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if files[0].SizeBytes != 2 {
		t.Errorf("size = %d", files[0].SizeBytes)
	}
}

func TestFetch4xxFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	l, _ := testLander(t)
	_, err := l.Land(context.Background(), release(srv.URL), StaticDiscovery{Files: []models.SourceFile{
		{URL: srv.URL + "/missing.zip", Filename: "missing.zip"},
	}})
	if err == nil {
		t.Fatal("expected failure")
	}
	if errors.GetKind(err) != errors.KindSource {
		t.Errorf("kind = %v, want source", errors.GetKind(err))
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestChecksumMismatchBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("actual content"))
	}))
	defer srv.Close()

	l, _ := testLander(t)
	_, err := l.Land(context.Background(), release(srv.URL), StaticDiscovery{Files: []models.SourceFile{
		{URL: srv.URL + "/f.txt", Filename: "f.txt", SHA256: "0000000000000000000000000000000000000000000000000000000000000000"},
	}})
	if err == nil {
		t.Fatal("expected checksum mismatch")
	}
	if errors.GetKind(err) != errors.KindSource {
		t.Errorf("kind = %v", errors.GetKind(err))
	}
}

func TestEmptyDiscoveryFails(t *testing.T) {
	l, _ := testLander(t)
	_, err := l.Land(context.Background(), release(""), StaticDiscovery{})
	if err == nil {
		t.Fatal("expected error for empty discovery")
	}
}
