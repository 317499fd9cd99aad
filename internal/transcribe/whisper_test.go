package transcribe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge-api/internal/apperror"
)

func writeTestAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF fake wav"), 0600))
	return path
}

func TestNewWhisperClient_RequiresAPIKey(t *testing.T) {
	t.Setenv("ASR_API_KEY", "")

	_, err := NewWhisperClient()
	assert.ErrorIs(t, err, ErrAPIKeyRequired)

	c, err := NewWhisperClient(WithAPIKey("sk-test"))
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestWhisperClient_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(32<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.ElementsMatch(t, []string{"word", "segment"}, r.MultipartForm.Value["timestamp_granularities[]"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"segments": [
				{"start": 0, "end": 2.5, "text": "hello world"},
				{"start": 2.5, "end": 5, "text": "more speech"}
			],
			"words": [
				{"word": "hello", "start": 0.1, "end": 0.8},
				{"word": "world", "start": 1.0, "end": 1.7},
				{"word": "more", "start": 2.6, "end": 3.1},
				{"word": "speech", "start": 3.3, "end": 4.0}
			]
		}`))
	}))
	defer srv.Close()

	c, err := NewWhisperClient(WithAPIKey("sk-test"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	tr, err := c.Transcribe(context.Background(), writeTestAudio(t))
	require.NoError(t, err)

	require.Len(t, tr.Segments, 2)
	assert.Equal(t, "hello world", tr.Segments[0].Text)
	require.Len(t, tr.Segments[0].Words, 2)
	assert.Equal(t, "hello", tr.Segments[0].Words[0].Text)
	require.Len(t, tr.Segments[1].Words, 2)
	assert.Equal(t, "speech", tr.Segments[1].Words[1].Text)
}

func TestWhisperClient_EmptySpeech(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"segments": [], "words": []}`))
	}))
	defer srv.Close()

	c, err := NewWhisperClient(WithAPIKey("sk-test"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	tr, err := c.Transcribe(context.Background(), writeTestAudio(t))
	require.NoError(t, err)
	assert.True(t, tr.Empty())
}

func TestWhisperClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewWhisperClient(WithAPIKey("sk-test"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), writeTestAudio(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, apperror.KindTransientDependency, apperror.KindOf(err))
}

func TestWhisperClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewWhisperClient(WithAPIKey("sk-test"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), writeTestAudio(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, apperror.KindTransientDependency, apperror.KindOf(err))
}

func TestWhisperClient_ClientErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "bad audio"}`))
	}))
	defer srv.Close()

	c, err := NewWhisperClient(WithAPIKey("sk-test"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), writeTestAudio(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestFailed))
	assert.False(t, apperror.Retryable(apperror.KindOf(err)))
}

func TestWhisperClient_NetworkError(t *testing.T) {
	c, err := NewWhisperClient(WithAPIKey("sk-test"), WithBaseURL("http://127.0.0.1:1"))
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), writeTestAudio(t))
	require.Error(t, err)
	assert.Equal(t, apperror.KindTransientDependency, apperror.KindOf(err))
}
