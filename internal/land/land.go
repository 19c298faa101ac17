// Package land implements source acquisition: discover the release's
// source files, fetch bytes with a bounded retry budget, verify
// checksums, persist the immutable raw tree, and emit manifest.json as
// the source of truth for later stages.
package land

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cmspricing/refpipe/internal/config"
	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/models"
	"github.com/cmspricing/refpipe/internal/paths"
)

// Discoverer enumerates the source files of a release. Deterministic
// for a given release.
type Discoverer interface {
	Discover(ctx context.Context, release *models.Release) ([]models.SourceFile, error)
}

// StaticDiscovery returns a preconfigured file list; CMS releases are
// published at stable URLs, so discovery is configuration, not crawling.
type StaticDiscovery struct {
	Files []models.SourceFile
}

func (d StaticDiscovery) Discover(_ context.Context, _ *models.Release) ([]models.SourceFile, error) {
	if len(d.Files) == 0 {
		return nil, errors.Errorf(errors.KindSource, "no source files configured for release")
	}
	return d.Files, nil
}

// ManifestEntry is one file record inside raw/<release_id>/manifest.json.
type ManifestEntry struct {
	Filename       string `json:"filename"`
	SourceURL      string `json:"source_url"`
	SHA256         string `json:"sha256"`
	SizeBytes      int64  `json:"size_bytes"`
	ContentType    string `json:"content_type"`
	DiscoveredFrom string `json:"discovered_from"`
}

// Manifest is the raw-tree manifest, the source of truth for subsequent
// stages.
type Manifest struct {
	ReleaseID           string          `json:"release_id"`
	FetchedAt           string          `json:"fetched_at"`
	License             string          `json:"license"`
	AttributionRequired bool            `json:"attribution_required"`
	Files               []ManifestEntry `json:"files"`
}

// Lander drives the Land stage.
type Lander struct {
	HTTP         config.HTTPConfig
	Layout       paths.Layout
	Log          *zap.Logger
	Client       *http.Client
	ShowProgress bool
}

// New creates a Lander with a client honoring the per-request timeout.
func New(cfg config.HTTPConfig, layout paths.Layout, log *zap.Logger) *Lander {
	return &Lander{
		HTTP:   cfg,
		Layout: layout,
		Log:    log.Named("land"),
		Client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

// Land fetches every discovered file (bounded fan-out), writes the raw
// tree, and emits the manifest. Returned SourceFiles carry observed
// sizes and digests.
func (l *Lander) Land(ctx context.Context, release *models.Release, discovery Discoverer) ([]models.SourceFile, error) {
	files, err := discovery.Discover(ctx, release)
	if err != nil {
		return nil, errors.Wrap("land.discover", err)
	}

	fetched := make([]models.SourceFile, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.HTTP.ParallelFetches)
	for i, sf := range files {
		g.Go(func() error {
			out, err := l.fetchOne(gctx, release.ReleaseID, sf)
			if err != nil {
				return err
			}
			fetched[i] = *out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	manifest := Manifest{
		ReleaseID:           release.ReleaseID,
		FetchedAt:           time.Now().UTC().Format(time.RFC3339),
		License:             "CMS Public Domain",
		AttributionRequired: false,
	}
	for _, sf := range fetched {
		manifest.Files = append(manifest.Files, ManifestEntry{
			Filename:       sf.Filename,
			SourceURL:      sf.URL,
			SHA256:         sf.SHA256,
			SizeBytes:      sf.SizeBytes,
			ContentType:    sf.ContentType,
			DiscoveredFrom: "static_configuration",
		})
	}
	if err := l.writeManifest(release.ReleaseID, manifest); err != nil {
		return nil, err
	}

	l.Log.Info("land completed",
		zap.String("release_id", release.ReleaseID),
		zap.Int("files", len(fetched)))
	return fetched, nil
}

// fetchOne downloads one file with the retry budget: transport errors
// and 5xx retry with doubling backoff, 4xx fails immediately.
func (l *Lander) fetchOne(ctx context.Context, releaseID string, sf models.SourceFile) (*models.SourceFile, error) {
	op := errors.Op("land.fetch")

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(time.Duration(l.HTTP.InitialBackoffSeconds*float64(time.Second))),
			backoff.WithMultiplier(2),
			backoff.WithMaxElapsedTime(0),
		),
		uint64(l.HTTP.RetryAttempts-1)), ctx)

	var body []byte
	var contentType string
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sf.URL, nil)
		if err != nil {
			return backoff.Permanent(errors.E(op, errors.KindSource, err))
		}
		req.Header.Set("User-Agent", l.HTTP.UserAgent)

		resp, err := l.Client.Do(req)
		if err != nil {
			l.Log.Warn("fetch transport error",
				zap.String("url", sf.URL), zap.Int("attempt", attempt), zap.Error(err))
			return errors.E(op, errors.KindTransport, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			l.Log.Warn("fetch server error",
				zap.String("url", sf.URL), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			return errors.Errorf(errors.KindTransport, "server error %d for %s", resp.StatusCode, sf.URL)
		case resp.StatusCode >= 400:
			return backoff.Permanent(errors.E(op, errors.KindSource,
				fmt.Sprintf("client error %d for %s", resp.StatusCode, sf.URL)))
		}

		contentType = resp.Header.Get("Content-Type")
		var reader io.Reader = resp.Body
		if l.ShowProgress {
			bar := progressbar.DefaultBytes(resp.ContentLength, "fetch "+sf.Filename)
			reader = io.TeeReader(resp.Body, bar)
		}
		body, err = io.ReadAll(reader)
		if err != nil {
			return errors.E(op, errors.KindTransport, err)
		}
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	if sf.SHA256 != "" && sf.SHA256 != digest {
		return nil, errors.E(op, errors.KindSource,
			fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", sf.Filename, sf.SHA256, digest))
	}

	path := l.Layout.RawFile(releaseID, sf.Filename)
	if err := paths.EnsureDir(path); err != nil {
		return nil, errors.E(op, errors.KindSource, err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return nil, errors.E(op, errors.KindSource, err)
	}

	out := sf
	out.SHA256 = digest
	out.SizeBytes = int64(len(body))
	if contentType != "" {
		out.ContentType = contentType
	}
	l.Log.Info("source file landed",
		zap.String("filename", sf.Filename),
		zap.String("sha256", digest),
		zap.Int64("size_bytes", out.SizeBytes))
	return &out, nil
}

func (l *Lander) writeManifest(releaseID string, m Manifest) error {
	path := l.Layout.RawManifest(releaseID)
	if err := paths.EnsureDir(path); err != nil {
		return errors.E(errors.Op("land.manifest"), errors.KindSource, err)
	}
	blob, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o644)
}

// ReadManifest loads a previously written manifest.
func ReadManifest(layout paths.Layout, releaseID string) (*Manifest, error) {
	blob, err := os.ReadFile(layout.RawManifest(releaseID))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadRawFile loads one landed file's bytes.
func ReadRawFile(layout paths.Layout, releaseID, filename string) ([]byte, error) {
	return os.ReadFile(layout.RawFile(releaseID, filename))
}
