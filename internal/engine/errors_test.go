package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncError_Classification(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name      string
		err       error
		transient bool
		outOfSync bool
		malformed bool
		storage   bool
	}{
		{"transient", NewTransientError("exchange failed", cause), true, false, false, false},
		{"out of sync", NewOutOfSyncError("gave up", map[string]string{"rounds": "100"}), false, true, false, false},
		{"malformed", NewMalformedError(cause), false, false, true, false},
		{"storage", NewStorageError(cause), false, false, false, true},
		{"wrapped", fmt.Errorf("sync: %w", NewTransientError("x", nil)), true, false, false, false},
		{"plain", cause, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.outOfSync, IsOutOfSync(tt.err))
			assert.Equal(t, tt.malformed, IsMalformed(tt.err))
			assert.Equal(t, tt.storage, IsStorageFailure(tt.err))
		})
	}
}

func TestSyncError_Message(t *testing.T) {
	err := NewStorageError(errors.New("disk full"))
	assert.Equal(t, "STORAGE_TRANSACTION: apply transaction aborted: disk full", err.Error())

	err = NewOutOfSyncError("no convergence", nil)
	assert.Equal(t, "OUT_OF_SYNC: no convergence", err.Error())
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeEnabled, ModeDisabled, ModeOffline, ModeImport} {
		got, err := ParseMode(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	got, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeEnabled, got)

	_, err = ParseMode("paused")
	assert.Error(t, err)
}

func TestMode_Bookkeeping(t *testing.T) {
	assert.True(t, ModeEnabled.tracksTrie())
	assert.False(t, ModeDisabled.tracksTrie())
	assert.False(t, ModeOffline.tracksTrie())
	assert.False(t, ModeImport.tracksTrie())

	assert.True(t, ModeOffline.logsMessages())
	assert.False(t, ModeImport.logsMessages())
}

func TestSyncContext_RebindAndInvalidate(t *testing.T) {
	r := newTestReplica(t, 1, ModeEnabled)
	first := r.sc.Identity()
	assert.Equal(t, "file", first.FileID)

	second := r.sc.Rebind("other", "group2")
	assert.Equal(t, "other", second.FileID)
	assert.Equal(t, "group2", second.GroupID)
	assert.Greater(t, second.Epoch, first.Epoch)

	prev := r.sc.SetMode(ModeOffline)
	assert.Equal(t, ModeEnabled, prev)
	assert.Equal(t, ModeOffline, r.sc.Mode())

	r.sc.Invalidate()
	assert.True(t, r.sc.Closed())
	assert.Greater(t, r.sc.Identity().Epoch, second.Epoch)
}
