package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/roach88/crdtsync/internal/engine"
	"github.com/roach88/crdtsync/internal/wire"
)

// SyncPath is the route the relay server serves exchanges on.
const SyncPath = "sync"

// maxErrorBody caps how much of an error response is kept for diagnostics.
const maxErrorBody = 4 << 10

// HTTPTransport exchanges msgpack envelopes with a relay server.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTransport creates a transport posting to <baseURL>/sync. A nil
// client means http.DefaultClient.
func NewHTTPTransport(baseURL string, client *http.Client) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{endpoint: u.JoinPath(SyncPath).String(), client: client}, nil
}

// Exchange posts req and decodes the response.
//
// 409 Conflict (the file belongs to another group) is OUT_OF_SYNC; every
// other failure is TRANSIENT.
func (t *HTTPTransport) Exchange(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	var body bytes.Buffer
	if err := wire.Encode(&body, req); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", wire.ContentType)
	httpReq.Header.Set("Accept", wire.ContentType)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, engine.NewTransientError("post "+t.endpoint, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out wire.Response
		if err := wire.Decode(resp.Body, &out); err != nil {
			return nil, engine.NewTransientError("read response", err)
		}
		return &out, nil

	case http.StatusConflict:
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, engine.NewOutOfSyncError("peer rejected file/group", map[string]string{
			"status": strconv.Itoa(resp.StatusCode),
			"body":   string(text),
		})

	default:
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := engine.NewTransientError(fmt.Sprintf("unexpected status code: %d", resp.StatusCode), nil)
		se.Details = map[string]string{
			"status": strconv.Itoa(resp.StatusCode),
			"body":   string(text),
		}
		return nil, se
	}
}
