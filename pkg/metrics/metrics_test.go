package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/market_eye/pkg/media"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector()

	c.SessionStarted()
	c.StateChanged(media.StateIdle, media.StateConnecting)
	c.StateChanged(media.StateConnecting, media.StateActive)
	c.ChunkSent(media.ChunkAudio)
	c.ChunkSent(media.ChunkAudio)
	c.ChunkDropped(media.ChunkVideo)
	c.ChunkError(media.ChunkAudio, StageSend)
	c.PlaybackScheduled(500*time.Millisecond, true)
	c.Interrupted()
	c.MicVolume(0.25)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsTotal))
	assert.Equal(t, float64(media.StateActive), testutil.ToFloat64(c.sessionState))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stateTransitions.WithLabelValues("connecting", "active")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunksSent.WithLabelValues("audio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chunksDropped.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chunkErrors.WithLabelValues("audio", "send")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.playbackItems))
	assert.InDelta(t, 0.5, testutil.ToFloat64(c.playbackScheduled), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.playbackUnderruns))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.interruptions))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.micVolume))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionStarted()
		c.StateChanged(media.StateIdle, media.StateError)
		c.ChunkSent(media.ChunkVideo)
		c.ChunkDropped(media.ChunkAudio)
		c.ChunkError(media.ChunkVideo, StageEncode)
		c.PlaybackScheduled(time.Second, false)
		c.Interrupted()
		c.MicVolume(1)
	})
	assert.Nil(t, c.Registry())
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector()
	c.ChunkSent(media.ChunkAudio)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `market_eye_chunks_sent_total{kind="audio"} 1`))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	a.Interrupted()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.interruptions))
}
