package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crdtsync/internal/engine"
	"github.com/roach88/crdtsync/internal/wire"
)

func TestHTTPTransport_Exchange(t *testing.T) {
	peer := newMemPeer()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync", r.URL.Path)
		assert.Equal(t, wire.ContentType, r.Header.Get("Content-Type"))

		var req wire.Request
		if err := wire.Decode(r.Body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := peer.Exchange(r.Context(), &req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", wire.ContentType)
		_ = wire.Encode(w, resp)
	}))
	defer srv.Close()

	a := newTestReplica(t, 1, 1_700_000_000_000)
	a.set(t, "tx1", "amount", nil)

	tr, err := NewHTTPTransport(srv.URL, srv.Client())
	require.NoError(t, err)

	report, err := a.coordinator(tr).FullSync(context.Background(), a.sc)
	require.NoError(t, err)
	assert.Equal(t, PhaseConverged, report.Phase)
	assert.Equal(t, 1, peer.calls)
}

func TestHTTPTransport_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		outOfSync bool
	}{
		{"conflict", http.StatusConflict, true},
		{"server error", http.StatusInternalServerError, false},
		{"bad request", http.StatusBadRequest, false},
		{"rate limited", http.StatusTooManyRequests, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			tr, err := NewHTTPTransport(srv.URL, nil)
			require.NoError(t, err)

			_, err = tr.Exchange(context.Background(), &wire.Request{GroupID: "g", FileID: "f"})
			require.Error(t, err)
			assert.Equal(t, tt.outOfSync, engine.IsOutOfSync(err))
			assert.Equal(t, !tt.outOfSync, engine.IsTransient(err))
		})
	}
}

func TestHTTPTransport_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, err := NewHTTPTransport(url, nil)
	require.NoError(t, err)

	_, err = tr.Exchange(context.Background(), &wire.Request{GroupID: "g", FileID: "f"})
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
}

func TestNewHTTPTransport_RejectsBadURL(t *testing.T) {
	_, err := NewHTTPTransport("ftp://example.com", nil)
	assert.Error(t, err)

	_, err = NewHTTPTransport("://", nil)
	assert.Error(t, err)
}
