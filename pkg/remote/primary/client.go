// Package primary is the client of the cloud REST backend.
//
// The backend exposes tables under {url}/rest/v1/{table} with a
// PostgREST-style query syntax: filters as column=eq.value, ordering as
// order=column.asc and pagination as limit/offset.
package primary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/remote"
	"github.com/goccy/go-json"
)

const (
	name     = "primary"
	restPath = "/rest/v1/"
)

// Client is a pooled HTTP client of the Primary backend.
type Client struct {
	// URL is the base URL of the backend, without the /rest/v1 suffix.
	URL string
	// APIKey is sent both as the apikey header and as a bearer token.
	APIKey string

	http         *http.Client
	probeTimeout time.Duration
}

var _ remote.Backend = (*Client)(nil)

type Option func(*Client)

// WithHTTPClient replaces the default pooled client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.probeTimeout = d
	}
}

// New creates a new Primary client.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		URL:    baseURL,
		APIKey: apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		probeTimeout: constants.PrimaryProbeTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string {
	return name
}

// Probe reports the backend reachable when it answers the REST root with any
// status below 500. An authentication failure still proves reachability.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	_, status, err := c.Request(ctx, http.MethodGet, restPath, nil, nil)
	if err != nil {
		return err
	}
	if status >= http.StatusInternalServerError {
		return &remote.ConnectivityError{
			Backend: name,
			Kind:    remote.FailureProtocol,
			Err:     fmt.Errorf("status %d", status),
		}
	}
	return nil
}

func (c *Client) List(ctx context.Context, spec models.TableSpec, limit, offset int) ([]models.Record, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", spec.PK()+".asc")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return c.rows(ctx, http.MethodGet, spec, q, nil, nil)
}

func (c *Client) Get(ctx context.Context, spec models.TableSpec, id string) (models.Record, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set(spec.PK(), "eq."+id)
	return c.single(ctx, http.MethodGet, spec, id, q, nil)
}

func (c *Client) Create(ctx context.Context, spec models.TableSpec, rec models.Record) (models.Record, error) {
	id, _ := rec.ID(spec.PK())
	return c.single(ctx, http.MethodPost, spec, id, url.Values{}, rec)
}

func (c *Client) Update(ctx context.Context, spec models.TableSpec, id string, patch *models.Patch) (models.Record, error) {
	if err := patch.Validate(spec); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set(spec.PK(), "eq."+id)
	return c.single(ctx, http.MethodPatch, spec, id, q, patch.Record())
}

// Delete is idempotent: deleting a missing row succeeds.
func (c *Client) Delete(ctx context.Context, spec models.TableSpec, id string) error {
	q := url.Values{}
	q.Set(spec.PK(), "eq."+id)
	_, err := c.rows(ctx, http.MethodDelete, spec, q, nil, nil)
	return err
}

func (c *Client) single(ctx context.Context, method string, spec models.TableSpec, id string, q url.Values, body any) (models.Record, error) {
	header := http.Header{}
	if method != http.MethodGet {
		header.Set("Prefer", "return=representation")
	}
	rows, err := c.rows(ctx, method, spec, q, header, body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", constants.ErrNotFound, spec.Name, id)
	}
	return rows[0], nil
}

// rows sends a table request and decodes the JSON array response.
func (c *Client) rows(ctx context.Context, method string, spec models.TableSpec, q url.Values, header http.Header, body any) ([]models.Record, error) {
	if !models.ValidIdentifier(spec.Name) {
		return nil, fmt.Errorf("%w: table %q", constants.ErrInvalidName, spec.Name)
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", spec.Name, err)
		}
	}

	endpoint := restPath + spec.Name
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	resp, status, err := c.Request(ctx, method, endpoint, header, payload)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(status, resp); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(resp)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(resp))
	dec.UseNumber()
	var out []models.Record
	if err := dec.Decode(&out); err != nil {
		return nil, &remote.ConnectivityError{
			Backend: name,
			Kind:    remote.FailureProtocol,
			Err:     fmt.Errorf("failed to decode %s response: %w", spec.Name, err),
		}
	}
	return out, nil
}

func checkStatus(status int, body []byte) error {
	switch {
	case status >= http.StatusInternalServerError:
		return &remote.ConnectivityError{
			Backend: name,
			Kind:    remote.FailureProtocol,
			Err:     fmt.Errorf("status %d: %s", status, errorMessage(body)),
		}
	case status >= http.StatusBadRequest:
		return &remote.RejectedError{Backend: name, Status: status, Message: errorMessage(body)}
	}
	return nil
}

// errorMessage extracts the message field of an error body, falling back to
// the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return string(bytes.TrimSpace(body))
}

// Request sends a request to endpoint, relative to URL, and returns the raw
// body with the status code. Transport failures come back as
// *remote.ConnectivityError.
func (c *Client) Request(ctx context.Context, method, endpoint string, header http.Header, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("apikey", c.APIKey)
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, remote.Connectivity(name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, remote.Connectivity(name, err)
	}
	return data, resp.StatusCode, nil
}
