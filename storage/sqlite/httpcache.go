package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	syncErrors "github.com/thriftline/offlinekit/errors"
)

// CachedResponse is a stored HTTP response the gateway can serve while
// offline or while revalidating.
type CachedResponse struct {
	URL       string
	Status    int
	Header    http.Header
	Body      []byte
	FetchedAt time.Time
}

// ResponseCache is the gateway's response store. Entries belong to a
// cache generation (the versioned cache name); Activate evicts every
// entry from other generations in one step, mirroring single-generation
// cache rotation rather than LRU.
type ResponseCache struct {
	store      *Store
	generation string
}

func NewResponseCache(store *Store, generation string) *ResponseCache {
	return &ResponseCache{store: store, generation: generation}
}

// Generation returns the cache name this instance writes under.
func (c *ResponseCache) Generation() string {
	return c.generation
}

// Put stores a response, overwriting any previous entry for the URL.
func (c *ResponseCache) Put(ctx context.Context, resp CachedResponse) error {
	if err := c.store.checkOpen(); err != nil {
		return err
	}

	headers, err := json.Marshal(resp.Header)
	if err != nil {
		return syncErrors.NewValidation(syncErrors.OpCacheWrite, err)
	}

	fetchedAt := resp.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	_, err = c.store.db.ExecContext(ctx, `INSERT INTO http_cache
		(url, generation, status, headers, body, fetched_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET generation = excluded.generation,
			status = excluded.status, headers = excluded.headers,
			body = excluded.body, fetched_at = excluded.fetched_at`,
		resp.URL, c.generation, resp.Status, string(headers), resp.Body, fetchedAt.UnixNano())
	if err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpCacheWrite, err)
	}
	return nil
}

// Get returns the cached response for a URL in the current generation,
// or nil on a miss.
func (c *ResponseCache) Get(ctx context.Context, url string) (*CachedResponse, error) {
	if err := c.store.checkOpen(); err != nil {
		return nil, err
	}

	var resp CachedResponse
	var headers string
	var fetchedAt int64
	err := c.store.db.QueryRowContext(ctx, `SELECT url, status, headers, body, fetched_at
		FROM http_cache WHERE url = ? AND generation = ?`, url, c.generation).
		Scan(&resp.URL, &resp.Status, &headers, &resp.Body, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.NewStorageUnavailable(syncErrors.OpCacheRead, err)
	}
	if err := json.Unmarshal([]byte(headers), &resp.Header); err != nil {
		return nil, syncErrors.NewStorageUnavailable(syncErrors.OpCacheRead, err)
	}
	resp.FetchedAt = time.Unix(0, fetchedAt)
	return &resp, nil
}

// Delete removes one entry.
func (c *ResponseCache) Delete(ctx context.Context, url string) error {
	if err := c.store.checkOpen(); err != nil {
		return err
	}
	if _, err := c.store.db.ExecContext(ctx, `DELETE FROM http_cache WHERE url = ?`, url); err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpCacheWrite, err)
	}
	return nil
}

// Activate deletes every entry cached under a different generation.
// Called once at startup so a deploy with a new cache name starts from a
// clean slate.
func (c *ResponseCache) Activate(ctx context.Context) (int64, error) {
	if err := c.store.checkOpen(); err != nil {
		return 0, err
	}

	res, err := c.store.db.ExecContext(ctx,
		`DELETE FROM http_cache WHERE generation != ?`, c.generation)
	if err != nil {
		return 0, syncErrors.NewStorageUnavailable(syncErrors.OpCacheWrite, err)
	}
	evicted, _ := res.RowsAffected()
	return evicted, nil
}
