// Package worker implements the streaming generation protocol spoken by
// inference workers: one POST, a response body of NUL-delimited JSON records,
// each carrying the cumulative generated text so far.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigFastest

// connectTimeout bounds dialing and the wait for the first response bytes.
// There is no overall deadline: a slow worker may stream indefinitely.
const connectTimeout = 10 * time.Second

// MaxNewTokens is the upper bound on requested tokens; lower requests pass
// through unchanged.
const MaxNewTokens = 1536

// ErrStop is returned by a chunk callback to end the stream early without
// reporting an error. The underlying connection is closed.
var ErrStop = errors.New("stop stream")

// Kind categorizes worker client failures.
type Kind int

const (
	KindUnreachable Kind = iota
	KindTimeout
	KindMalformedChunk
)

// ClientError is a worker protocol failure. Malformed chunks are fatal for
// the turn; there is no partial recovery.
type ClientError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// GenerateRequest is the payload of one streaming generation call.
type GenerateRequest struct {
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	Temperature  float64  `json:"temperature"`
	TopP         float64  `json:"top_p"`
	MaxNewTokens int      `json:"max_new_tokens"`
	Stop         string   `json:"stop"`
	Images       []string `json:"images"`
}

// Chunk is one wire record. Text is cumulative and includes the original
// prompt echoed back; ErrorCode zero means success.
type Chunk struct {
	Text      string `json:"text"`
	ErrorCode int    `json:"error_code"`
}

// Client issues streaming generation requests. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	clientID   string
}

// NewClient builds a client identifying itself as clientID to workers.
func NewClient(clientID string) *Client {
	if clientID == "" {
		clientID = "Parley Client"
	}
	return &Client{
		clientID: clientID,
		// No overall timeout: only connect and first-response are bounded.
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: connectTimeout,
			},
		},
	}
}

// GenerateStream posts req to the worker at addr and invokes fn for every
// decoded record, in arrival order, without buffering the full response.
// fn returning ErrStop ends the stream cleanly; any other error aborts and
// is returned. Cancelling ctx closes the connection.
func (c *Client) GenerateStream(ctx context.Context, addr string, req GenerateRequest, fn func(Chunk) error) error {
	if req.MaxNewTokens > MaxNewTokens {
		req.MaxNewTokens = MaxNewTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return &ClientError{Kind: KindMalformedChunk, Message: "encode request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/worker_generate_stream", bytes.NewReader(body))
	if err != nil {
		return &ClientError{Kind: KindUnreachable, Message: "build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.clientID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Kind:    KindUnreachable,
			Message: fmt.Sprintf("worker returned status %d", resp.StatusCode),
		}
	}

	return readChunks(resp.Body, fn)
}

// readChunks splits the body on NUL bytes and decodes each record. A final
// record without a trailing NUL is still processed.
func readChunks(r io.Reader, fn func(Chunk) error) error {
	reader := bufio.NewReader(r)

	for {
		record, err := reader.ReadBytes(0)
		if len(record) > 0 && record[len(record)-1] == 0 {
			record = record[:len(record)-1]
		}

		if len(record) > 0 {
			var chunk Chunk
			if derr := json.Unmarshal(record, &chunk); derr != nil {
				return &ClientError{Kind: KindMalformedChunk, Message: "decode chunk", Cause: derr}
			}
			if cerr := fn(chunk); cerr != nil {
				if errors.Is(cerr, ErrStop) {
					return nil
				}
				return cerr
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return transportError(err)
		}
	}
}

func transportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ClientError{Kind: KindTimeout, Message: "worker timed out", Cause: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &ClientError{Kind: KindTimeout, Message: "worker timed out", Cause: err}
	default:
		return &ClientError{Kind: KindUnreachable, Message: "worker unreachable", Cause: err}
	}
}
