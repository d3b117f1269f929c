// Package gateway intercepts every storefront request and applies a
// per-route caching policy so the application keeps working while the
// upstream backend is unreachable. It is the coarse caching tier below
// the application: navigation falls back to an offline page, cacheable
// reads are served stale while revalidating, and offline writes are
// queued for replay.
package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thriftline/offlinekit"
	syncErrors "github.com/thriftline/offlinekit/errors"
	"github.com/thriftline/offlinekit/logging"
	"github.com/thriftline/offlinekit/storage/sqlite"
)

// Offline error bodies. Calling code distinguishes "offline" from a
// server error by these shapes, so they are fixed.
const (
	offlineBody       = `{"error":"You are offline"}`
	offlineQueuedBody = `{"error":"You are offline, but your request has been queued for sync"}`
)

// RouteClass is the routing policy bucket a request falls into,
// most-specific first.
type RouteClass int

const (
	RouteNavigation RouteClass = iota
	RouteAPIGet
	RouteAPIMutation
	RouteImage
	RouteDefault
)

func (c RouteClass) String() string {
	switch c {
	case RouteNavigation:
		return "navigation"
	case RouteAPIGet:
		return "api_get"
	case RouteAPIMutation:
		return "api_mutation"
	case RouteImage:
		return "image"
	default:
		return "default"
	}
}

// Options configures a Gateway.
type Options struct {
	// UpstreamURL is the backend every intercepted request is forwarded to.
	UpstreamURL string

	// HTTPClient used for upstream fetches.
	HTTPClient *http.Client

	// OfflinePagePath is the HTML fallback served when a navigation
	// request fails. Optional; a minimal built-in page is used when empty.
	OfflinePagePath string

	// PlaceholderImagePath is served when an image can be neither
	// fetched nor found in cache. Optional.
	PlaceholderImagePath string
}

// Gateway applies the routing policy over a response cache, a sync
// queue, and the connectivity monitor.
type Gateway struct {
	upstream *url.URL
	client   *http.Client
	cache    *sqlite.ResponseCache
	queue    offlinekit.SyncQueue
	monitor  *offlinekit.Monitor
	syncer   *offlinekit.Syncer

	offlinePage      []byte
	placeholderImage []byte
	placeholderType  string

	logger *logging.Logger
}

const defaultOfflinePage = `<!DOCTYPE html>
<html>
<head><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available right now. Your pending changes will sync automatically once you are back online.</p>
</body>
</html>`

// New creates a gateway. The syncer is woken whenever an offline write
// is queued, as a fallback alongside the connectivity trigger.
func New(opts Options, cache *sqlite.ResponseCache, queue offlinekit.SyncQueue,
	monitor *offlinekit.Monitor, syncer *offlinekit.Syncer) (*Gateway, error) {

	upstream, err := url.Parse(opts.UpstreamURL)
	if err != nil {
		return nil, syncErrors.NewValidation(syncErrors.OpReplay, err)
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	g := &Gateway{
		upstream:    upstream,
		client:      client,
		cache:       cache,
		queue:       queue,
		monitor:     monitor,
		syncer:      syncer,
		offlinePage: []byte(defaultOfflinePage),
		logger:      logging.WithComponent(logging.Component("gateway")),
	}

	if opts.OfflinePagePath != "" {
		page, err := os.ReadFile(opts.OfflinePagePath)
		if err != nil {
			return nil, syncErrors.NewStorageUnavailable(syncErrors.OpCacheRead, err)
		}
		g.offlinePage = page
	}
	if opts.PlaceholderImagePath != "" {
		img, err := os.ReadFile(opts.PlaceholderImagePath)
		if err != nil {
			return nil, syncErrors.NewStorageUnavailable(syncErrors.OpCacheRead, err)
		}
		g.placeholderImage = img
		g.placeholderType = placeholderContentType(opts.PlaceholderImagePath)
	}

	return g, nil
}

func placeholderContentType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".svg":
		return "image/svg+xml"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {},
	".svg": {}, ".ico": {}, ".avif": {},
}

// Classify buckets a request into the routing policy, most-specific
// match first.
func Classify(r *http.Request) RouteClass {
	if _, ok := imageExtensions[strings.ToLower(path.Ext(r.URL.Path))]; ok {
		return RouteImage
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			return RouteAPIGet
		}
		return RouteAPIMutation
	}
	if r.Method == http.MethodGet && acceptsHTML(r) {
		return RouteNavigation
	}
	return RouteDefault
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Handler returns the gin engine serving the interception policy.
func (g *Gateway) Handler() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.NoRoute(g.intercept)
	registerStatusRoutes(engine, g)
	return engine
}

// intercept is the fetch handler: every request resolves to some
// response, never an error up the stack.
func (g *Gateway) intercept(c *gin.Context) {
	class := Classify(c.Request)

	switch class {
	case RouteNavigation:
		g.serveNetworkFirst(c)
	case RouteAPIGet:
		g.serveStaleWhileRevalidate(c)
	case RouteAPIMutation:
		g.serveMutation(c)
	case RouteImage:
		g.serveCacheFirst(c)
	default:
		g.serveStaleWhileRevalidate(c)
	}
}

// serveNetworkFirst forwards to the upstream and falls back to the
// offline page when the network fails.
func (g *Gateway) serveNetworkFirst(c *gin.Context) {
	resp, err := g.forward(c.Request)
	if err != nil {
		g.logger.Info("navigation fell back to offline page",
			slog.String("path", c.Request.URL.Path))
		c.Data(http.StatusServiceUnavailable, "text/html; charset=utf-8", g.offlinePage)
		return
	}
	g.writeUpstream(c, resp)
}

// serveStaleWhileRevalidate serves a cached copy immediately when one
// exists and refreshes it in the background. On a cache miss it waits
// on the network; generic routes and API routes share the same offline
// error shape.
func (g *Gateway) serveStaleWhileRevalidate(c *gin.Context) {
	key := cacheKey(c.Request)

	cached, err := g.cache.Get(c.Request.Context(), key)
	if err != nil {
		g.logger.LogError(c.Request.Context(), err, "cache read failed",
			slog.String("url", key))
	}

	if cached != nil {
		go g.revalidate(key, c.Request)
		g.writeCached(c, cached)
		return
	}

	resp, err := g.forward(c.Request)
	if err != nil {
		c.Header("Content-Type", "application/json")
		c.String(http.StatusServiceUnavailable, offlineBody)
		return
	}
	g.cacheAndWrite(c, key, resp)
}

// serveCacheFirst serves images from cache, fetching and caching on a
// miss, with the placeholder as the last resort.
func (g *Gateway) serveCacheFirst(c *gin.Context) {
	key := cacheKey(c.Request)

	cached, err := g.cache.Get(c.Request.Context(), key)
	if err != nil {
		g.logger.LogError(c.Request.Context(), err, "cache read failed",
			slog.String("url", key))
	}
	if cached != nil {
		g.writeCached(c, cached)
		return
	}

	resp, err := g.forward(c.Request)
	if err == nil {
		g.cacheAndWrite(c, key, resp)
		return
	}

	if g.placeholderImage != nil {
		c.Data(http.StatusOK, g.placeholderType, g.placeholderImage)
		return
	}
	c.Header("Content-Type", "application/json")
	c.String(http.StatusServiceUnavailable, offlineBody)
}

// serveMutation forwards writes when online. While offline, or when the
// forward fails on the transport, the request is queued verbatim for
// replay and the caller gets the queued-for-sync response.
func (g *Gateway) serveMutation(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Header("Content-Type", "application/json")
		c.String(http.StatusBadRequest, `{"error":"unreadable request body"}`)
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	if g.monitor.Online() {
		resp, err := g.forward(c.Request)
		if err == nil {
			g.writeUpstream(c, resp)
			return
		}
		// Transient failure mid-session: treat it like an offline write.
		g.logger.Info("online mutation failed on transport, queueing",
			slog.String("path", c.Request.URL.Path))
	}

	if err := g.enqueue(c.Request, body); err != nil {
		g.logger.LogError(c.Request.Context(), err, "failed to queue offline write",
			slog.String("path", c.Request.URL.Path))
		c.Header("Content-Type", "application/json")
		c.String(http.StatusServiceUnavailable, offlineBody)
		return
	}

	g.syncer.Wake()
	c.Header("Content-Type", "application/json")
	c.String(http.StatusServiceUnavailable, offlineQueuedBody)
}

// enqueue stores the request for later replay against the upstream.
func (g *Gateway) enqueue(r *http.Request, body []byte) error {
	headers := make(map[string]string)
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	delete(headers, "Content-Length")

	op := &offlinekit.QueuedOperation{
		URL:     g.upstreamURL(r),
		Method:  r.Method,
		Headers: headers,
		Body:    body,
		Type:    classifyOpType(r.URL.Path),
	}
	return g.queue.Enqueue(r.Context(), op)
}

// classifyOpType maps an API path to the coarse operation type used in
// failure notifications.
func classifyOpType(p string) offlinekit.OpType {
	switch {
	case strings.Contains(p, "/cart"):
		return offlinekit.OpTypeCart
	case strings.Contains(p, "/order"):
		return offlinekit.OpTypeOrder
	case strings.Contains(p, "/product"):
		return offlinekit.OpTypeProduct
	case strings.Contains(p, "/user"), strings.Contains(p, "/preference"):
		return offlinekit.OpTypeUser
	default:
		return offlinekit.OpTypeOther
	}
}

func (g *Gateway) upstreamURL(r *http.Request) string {
	u := *g.upstream
	u.Path = r.URL.Path
	u.RawQuery = r.URL.RawQuery
	return u.String()
}

func cacheKey(r *http.Request) string {
	if r.URL.RawQuery != "" {
		return r.URL.Path + "?" + r.URL.RawQuery
	}
	return r.URL.Path
}

// forward issues the request against the upstream. A non-2xx status is
// still a response; only transport failures return an error.
func (g *Gateway) forward(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, g.upstreamURL(r), r.Body)
	if err != nil {
		return nil, syncErrors.NewNetworkTransient(syncErrors.OpReplay, err)
	}
	req.Header = r.Header.Clone()

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, syncErrors.NewNetworkTransient(syncErrors.OpReplay, err)
	}
	return resp, nil
}

// revalidate refreshes one cache entry in the background. The serving
// path never waits on it.
func (g *Gateway) revalidate(key string, original *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.upstreamURL(original), nil)
	if err != nil {
		return
	}
	req.Header = original.Header.Clone()

	resp, err := g.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	if err := g.cache.Put(ctx, sqlite.CachedResponse{
		URL:    key,
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}); err != nil {
		g.logger.LogError(ctx, err, "background revalidation write failed",
			slog.String("url", key))
	}
}

// cacheAndWrite relays an upstream response, caching it when it is a
// successful read.
func (g *Gateway) cacheAndWrite(c *gin.Context, key string, resp *http.Response) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.Header("Content-Type", "application/json")
		c.String(http.StatusServiceUnavailable, offlineBody)
		return
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := g.cache.Put(c.Request.Context(), sqlite.CachedResponse{
			URL:    key,
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   body,
		}); err != nil {
			g.logger.LogError(c.Request.Context(), err, "cache write failed",
				slog.String("url", key))
		}
	}

	copyHeader(c, resp.Header)
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), body)
}

func (g *Gateway) writeUpstream(c *gin.Context, resp *http.Response) {
	defer resp.Body.Close()
	copyHeader(c, resp.Header)
	c.Status(resp.StatusCode)
	_, _ = io.Copy(c.Writer, resp.Body)
}

func (g *Gateway) writeCached(c *gin.Context, cached *sqlite.CachedResponse) {
	copyHeader(c, cached.Header)
	c.Header("X-Served-From", "offline-cache")
	c.Data(cached.Status, cached.Header.Get("Content-Type"), cached.Body)
}

func copyHeader(c *gin.Context, h http.Header) {
	for k := range h {
		if k == "Content-Length" || k == "Content-Type" {
			continue
		}
		c.Header(k, h.Get(k))
	}
}
