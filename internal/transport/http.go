// Package transport implements the server-facing sync client over HTTP.
// The server side exposes one resource per entity instance; uploads carry
// the operation and versioning metadata, and a 409 response surfaces as a
// typed conflict for the resolver.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openhabitat/accesscase/internal/models"
	syncpkg "github.com/openhabitat/accesscase/internal/sync"
)

// Config holds the HTTP client settings.
type Config struct {
	BaseURL string // e.g. http://localhost:8090/api
	Token   string // optional bearer token
}

// HTTPClient talks to the sync endpoints of the case-management server.
type HTTPClient struct {
	cfg  Config
	http *http.Client
}

var _ syncpkg.Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client over the given settings. Per-call deadlines
// come from the caller's context; the underlying client sets no timeout of
// its own.
func NewHTTPClient(cfg Config) *HTTPClient {
	return &HTTPClient{cfg: cfg, http: &http.Client{}}
}

type uploadBody struct {
	Operation     models.SyncOperation `json:"operation"`
	Data          json.RawMessage      `json:"data,omitempty"`
	LastModified  int64                `json:"last_modified"`
	ClientVersion int                  `json:"client_version"`
}

type conflictBody struct {
	ServerData     json.RawMessage `json:"server_data"`
	ServerModified int64           `json:"server_modified"`
	ServerVersion  int             `json:"server_version"`
}

type fetchBody struct {
	Data         json.RawMessage `json:"data"`
	LastModified int64           `json:"last_modified"`
	Version      int             `json:"version"`
}

// Push uploads the item. The server rejects a stale client version with
// 409, which comes back as a *sync.ConflictError.
func (c *HTTPClient) Push(ctx context.Context, item *models.SyncItem) error {
	return c.upload(ctx, item, false)
}

// ForcePush uploads the item overriding the server's version check.
func (c *HTTPClient) ForcePush(ctx context.Context, item *models.SyncItem) error {
	return c.upload(ctx, item, true)
}

func (c *HTTPClient) upload(ctx context.Context, item *models.SyncItem, force bool) error {
	body, err := json.Marshal(uploadBody{
		Operation:     item.Operation,
		Data:          item.Data,
		LastModified:  item.LastModified,
		ClientVersion: item.ClientVersion,
	})
	if err != nil {
		return models.WrapError(models.ErrInternal, "marshal upload body", err)
	}

	url := c.entityURL(item.EntityType, item.EntityID)
	if force {
		url += "?force=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return models.WrapError(models.ErrInternal, "build upload request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return models.WrapError(models.ErrTransport, "upload "+string(item.EntityType), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		if err := json.NewDecoder(resp.Body).Decode(&cb); err != nil {
			return models.WrapError(models.ErrTransport, "decode conflict body", err)
		}
		return &syncpkg.ConflictError{
			EntityType:     item.EntityType,
			EntityID:       item.EntityID,
			ServerData:     cb.ServerData,
			ServerModified: cb.ServerModified,
			ServerVersion:  cb.ServerVersion,
		}
	default:
		return models.NewError(models.ErrTransport,
			fmt.Sprintf("upload %s/%s: server returned %d", item.EntityType, item.EntityID, resp.StatusCode))
	}
}

// Fetch downloads the server copy of one entity.
func (c *HTTPClient) Fetch(ctx context.Context, entityType models.EntityType, entityID string) (*syncpkg.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.entityURL(entityType, entityID), nil)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, "build fetch request", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, models.WrapError(models.ErrTransport, "fetch "+string(entityType), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var fb fetchBody
		if err := json.NewDecoder(resp.Body).Decode(&fb); err != nil {
			return nil, models.WrapError(models.ErrTransport, "decode fetch body", err)
		}
		return &syncpkg.FetchResult{Data: fb.Data, LastModified: fb.LastModified, Version: fb.Version}, nil
	case http.StatusNotFound:
		return nil, models.NewError(models.ErrNotFound,
			fmt.Sprintf("entity not on server: %s/%s", entityType, entityID))
	default:
		return nil, models.NewError(models.ErrTransport,
			fmt.Sprintf("fetch %s/%s: server returned %d", entityType, entityID, resp.StatusCode))
	}
}

// Probe downloads the server's probe payload and reports observed
// throughput in bytes per second.
func (c *HTTPClient) Probe(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/sync/probe", nil)
	if err != nil {
		return 0, models.WrapError(models.ErrInternal, "build probe request", err)
	}
	c.authorize(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, models.WrapError(models.ErrTransport, "bandwidth probe", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, models.NewError(models.ErrTransport,
			fmt.Sprintf("bandwidth probe: server returned %d", resp.StatusCode))
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, models.WrapError(models.ErrTransport, "read probe payload", err)
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-6
	}
	return float64(n) / elapsed, nil
}

func (c *HTTPClient) entityURL(entityType models.EntityType, entityID string) string {
	return fmt.Sprintf("%s/sync/%s/%s", c.cfg.BaseURL, entityType, entityID)
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}
