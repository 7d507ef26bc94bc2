// Package registry talks to the controller that tracks live inference
// workers: refreshing the worker set, listing served models, and resolving a
// model name to a worker address.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

const requestTimeout = 10 * time.Second

// priority pins known model names to the front of the list; everything else
// sorts lexicographically on its own name.
var priority = map[string]string{
	"vicuna-13b": "aaaaaaa",
	"koala-13b":  "aaaaaab",
}

// Error is a controller protocol failure: unreachable endpoint, non-success
// status, or a body that does not decode.
type Error struct {
	Op     string
	Status int
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("registry %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("registry %s: status %d", e.Op, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Client is a stateless controller client, safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Cause: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: op, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Op: op, Status: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, Cause: err}
		}
	}

	return nil
}

// RefreshWorkers asks the controller to re-enumerate its workers.
func (c *Client) RefreshWorkers(ctx context.Context) error {
	return c.post(ctx, "refresh_all_workers", "/refresh_all_workers", nil, nil)
}

// ListModels refreshes the worker set and returns the models currently
// served, sorted by the priority table and then by name.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if err := c.RefreshWorkers(ctx); err != nil {
		return nil, err
	}

	var out struct {
		Models []string `json:"models"`
	}
	if err := c.post(ctx, "list_models", "/list_models", nil, &out); err != nil {
		return nil, err
	}

	models := out.Models
	sort.Slice(models, func(i, j int) bool {
		return sortKey(models[i]) < sortKey(models[j])
	})

	return models, nil
}

func sortKey(model string) string {
	if k, ok := priority[model]; ok {
		return k
	}
	return model
}

// Resolve returns the address of a worker serving model, or "" when no
// worker is available. An empty address is not an error here; the relay
// treats it as a terminal failure for the turn.
func (c *Client) Resolve(ctx context.Context, model string) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	in := map[string]string{"model": model}
	if err := c.post(ctx, "get_worker_address", "/get_worker_address", in, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}
