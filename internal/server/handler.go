package server

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/crdtsync/internal/wire"
)

// maxRequestBody caps a sync request body.
const maxRequestBody = 32 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleSync serves one exchange. A file already bound to another group
// answers 409 Conflict, which clients treat as out of sync.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)

	var req wire.Request
	if err := wire.Decode(http.MaxBytesReader(w, r.Body, maxRequestBody), &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.Contains(req.FileID, "/") {
		http.Error(w, "file_id must not contain '/'", http.StatusBadRequest)
		return
	}
	since, _ := req.SinceTimestamp()

	res, err := s.store.Sync(req.FileID, req.GroupID, since, req.Messages)
	if errors.Is(err, ErrGroupMismatch) {
		s.logger.Warn("group mismatch",
			zap.String("request_id", requestID),
			zap.String("file_id", req.FileID),
			zap.String("group_id", req.GroupID),
		)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("sync failed",
			zap.String("request_id", requestID),
			zap.String("file_id", req.FileID),
			zap.Error(err),
		)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	s.metrics.UpdateStoredMessages(req.FileID, res.Trie.Count())
	if res.Malformed > 0 {
		s.logger.Warn("dropped malformed messages",
			zap.String("request_id", requestID),
			zap.String("file_id", req.FileID),
			zap.Int("malformed", res.Malformed),
		)
	}
	s.logger.Debug("sync exchange",
		zap.String("request_id", requestID),
		zap.String("file_id", req.FileID),
		zap.Int("received", len(req.Messages)),
		zap.Int("inserted", res.Inserted),
		zap.Int("malformed", res.Malformed),
		zap.Int("returned", len(res.Messages)),
	)

	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(http.StatusOK)
	resp := &wire.Response{Messages: res.Messages, Merkle: res.Trie.Snapshot(false)}
	if err := wire.Encode(w, resp); err != nil {
		s.logger.Warn("write response", zap.String("request_id", requestID), zap.Error(err))
	}
}
