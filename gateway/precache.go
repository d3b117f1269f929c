package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	syncErrors "github.com/thriftline/offlinekit/errors"
	"github.com/thriftline/offlinekit/logging"
	"github.com/thriftline/offlinekit/storage/sqlite"
)

// Manifest names the shell assets fetched into the cache at startup and
// the cache generation they belong to. Bumping Version rotates the
// cache: entries from older generations are evicted wholesale.
type Manifest struct {
	Version string   `json:"version"`
	Assets  []string `json:"assets"`
}

// LoadManifest reads and validates a precache manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncErrors.NewStorageUnavailable(syncErrors.OpPrecache, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, syncErrors.NewValidation(syncErrors.OpPrecache, err)
	}
	if m.Version == "" {
		return nil, syncErrors.NewValidation(syncErrors.OpPrecache,
			errMissingVersion)
	}
	return &m, nil
}

var errMissingVersion = &manifestError{"manifest has no version"}

type manifestError struct{ msg string }

func (e *manifestError) Error() string { return e.msg }

// Precacher fetches the manifest's assets from the upstream into the
// response cache and re-runs when the manifest file changes.
type Precacher struct {
	manifestPath string
	upstream     *url.URL
	client       *http.Client
	cache        *sqlite.ResponseCache
	logger       *logging.Logger
}

func NewPrecacher(manifestPath, upstreamURL string, client *http.Client, cache *sqlite.ResponseCache) (*Precacher, error) {
	upstream, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, syncErrors.NewValidation(syncErrors.OpPrecache, err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Precacher{
		manifestPath: manifestPath,
		upstream:     upstream,
		client:       client,
		cache:        cache,
		logger:       logging.WithComponent(logging.Component("precache")),
	}, nil
}

// Run fetches every asset in the manifest into the cache. Individual
// asset failures are logged and skipped; a fully offline start is not
// an error.
func (p *Precacher) Run(ctx context.Context) error {
	m, err := LoadManifest(p.manifestPath)
	if err != nil {
		return err
	}

	var cached int
	for _, asset := range m.Assets {
		if err := p.fetchOne(ctx, asset); err != nil {
			p.logger.LogError(ctx, err, "precache asset skipped",
				slog.String("asset", asset))
			continue
		}
		cached++
	}

	p.logger.Info("precache pass completed",
		slog.String("version", m.Version),
		slog.Int("cached", cached),
		slog.Int("total", len(m.Assets)))
	return nil
}

func (p *Precacher) fetchOne(ctx context.Context, asset string) error {
	ref, err := url.Parse(asset)
	if err != nil {
		return syncErrors.NewValidation(syncErrors.OpPrecache, err)
	}
	target := p.upstream.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return syncErrors.NewNetworkTransient(syncErrors.OpPrecache, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return syncErrors.NewNetworkTransient(syncErrors.OpPrecache, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return syncErrors.NewNetworkPermanent(syncErrors.OpPrecache,
			&manifestError{"upstream returned " + resp.Status}).
			WithMetadata("asset", asset)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncErrors.NewNetworkTransient(syncErrors.OpPrecache, err)
	}

	return p.cache.Put(ctx, sqlite.CachedResponse{
		URL:    asset,
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	})
}

// Watch re-runs the precache pass whenever the manifest file is
// rewritten, so shell assets can be updated without a restart. Blocks
// until the context is cancelled.
func (p *Precacher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpPrecache, err)
	}
	defer watcher.Close()

	// Watch the directory: editors and deploy tools replace the file,
	// which would drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(p.manifestPath)); err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpPrecache, err)
	}

	target := filepath.Clean(p.manifestPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			p.logger.Info("manifest changed, re-running precache",
				slog.String("path", target))
			if err := p.Run(ctx); err != nil {
				p.logger.LogError(ctx, err, "precache re-run failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.LogError(ctx, err, "manifest watcher error")
		}
	}
}
