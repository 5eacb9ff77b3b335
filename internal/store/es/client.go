// Package es provides an Elasticsearch-backed log store with analyzed
// full-text search, fuzzy matching and highlighting.
package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"argus-logs/internal/config"
)

// Client wraps the Elasticsearch client with the target index.
type Client struct {
	ES      *elasticsearch.Client
	Index   string
	Refresh string
}

// New creates a client for the configured cluster.
func New(cfg *config.ElasticsearchConfig) (*Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &Client{ES: client, Index: cfg.Index, Refresh: cfg.Refresh}, nil
}

// Ping checks that the cluster is reachable.
func (c *Client) Ping(ctx context.Context) error {
	res, err := esapi.PingRequest{}.Do(ctx, c.ES)
	if err != nil {
		return fmt.Errorf("failed to ping elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res)
	}
	return nil
}

// EnsureIndex creates the index with the log mapping when it does not exist.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{c.Index}}.Do(ctx, c.ES)
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	body, err := encode(indexMapping())
	if err != nil {
		return err
	}
	res, err = esapi.IndicesCreateRequest{Index: c.Index, Body: body}.Do(ctx, c.ES)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusBadRequest {
		return responseError(res)
	}
	return nil
}

// DeleteIndex drops the index. Used by tests.
func (c *Client) DeleteIndex(ctx context.Context) error {
	res, err := esapi.IndicesDeleteRequest{Index: []string{c.Index}}.Do(ctx, c.ES)
	if err != nil {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseError(res)
	}
	return nil
}

func encode(v interface{}) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return &buf, nil
}

func decode(res *esapi.Response, v interface{}) error {
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// responseError turns an error response into an error carrying its body.
func responseError(res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Errorf("elasticsearch %s: %s", res.Status(), bytes.TrimSpace(body))
}
