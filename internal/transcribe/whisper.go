package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/clipforge/clipforge-api/internal/apperror"
)

// Static errors for the ASR client.
var (
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("transcribe: API key is required")
	// ErrServerError is returned when the ASR service returns a 5xx status.
	ErrServerError = errors.New("transcribe: server error")
	// ErrRateLimited is returned when the ASR service returns a 429 status.
	ErrRateLimited = errors.New("transcribe: rate limited")
	// ErrRequestFailed is returned for other non-2xx responses.
	ErrRequestFailed = errors.New("transcribe: request failed")
)

// Transcriber defines the interface to the speech recognition dependency.
type Transcriber interface {
	// Transcribe converts an audio file into a timed transcript.
	// Audio with no detectable speech yields an empty transcript, not
	// an error.
	Transcribe(ctx context.Context, audioPath string) (Transcript, error)
}

// WhisperClient is an HTTP Transcriber for OpenAI-compatible
// /audio/transcriptions endpoints.
type WhisperClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	maxRetries int
}

// Compile-time check that WhisperClient implements Transcriber.
var _ Transcriber = (*WhisperClient)(nil)

// ClientOption is a function that configures a WhisperClient.
type ClientOption func(*WhisperClient)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(c *WhisperClient) {
		c.apiKey = key
	}
}

// WithBaseURL sets a custom base URL for the ASR service.
func WithBaseURL(url string) ClientOption {
	return func(c *WhisperClient) {
		c.baseURL = url
	}
}

// WithModel sets the transcription model name.
func WithModel(model string) ClientOption {
	return func(c *WhisperClient) {
		c.model = model
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *WhisperClient) {
		c.httpClient = hc
	}
}

// NewWhisperClient creates a new ASR HTTP client.
// The API key can be set via the WithAPIKey option. If not provided,
// it is read from the environment variable ASR_API_KEY.
func NewWhisperClient(opts ...ClientOption) (*WhisperClient, error) {
	c := &WhisperClient{
		baseURL:    "https://api.openai.com/v1",
		model:      "whisper-1",
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		maxRetries: 2,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		c.apiKey = os.Getenv("ASR_API_KEY")
	}
	if c.apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	return c, nil
}

// verboseResponse mirrors the verbose_json response shape we consume.
type verboseResponse struct {
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// Transcribe uploads the audio file and returns the timed transcript.
// 5xx and 429 responses are classified transient-dependency so the
// scheduler can retry the job.
func (c *WhisperClient) Transcribe(ctx context.Context, audioPath string) (Transcript, error) {
	body, contentType, err := c.buildForm(audioPath)
	if err != nil {
		return Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", bytes.NewReader(body))
	if err != nil {
		return Transcript{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Transcript{}, fmt.Errorf("transcription cancelled: %w", ctx.Err())
		}
		return Transcript{}, apperror.Wrap(apperror.KindTransientDependency, "transcription service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Transcript{}, apperror.Wrap(apperror.KindTransientDependency, "failed to read transcription response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fallthrough to parse
	case resp.StatusCode == http.StatusTooManyRequests:
		return Transcript{}, apperror.Wrap(apperror.KindTransientDependency, "transcription service rate limited", ErrRateLimited)
	case resp.StatusCode >= 500:
		return Transcript{}, apperror.Wrap(apperror.KindTransientDependency, "transcription service error", fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode))
	default:
		return Transcript{}, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, truncate(respBody, 200))
	}

	var out verboseResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Transcript{}, fmt.Errorf("parse transcription response: %w", err)
	}

	return assemble(out), nil
}

// buildForm writes the multipart request body for the transcription call.
func (c *WhisperClient) buildForm(audioPath string) ([]byte, string, error) {
	f, err := os.Open(audioPath) // #nosec G304 - path is produced by the pipeline
	if err != nil {
		return nil, "", apperror.Wrap(apperror.KindTransientIO, "failed to open audio file", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", apperror.Wrap(apperror.KindTransientIO, "failed to read audio file", err)
	}

	fields := map[string]string{
		"model":           c.model,
		"response_format": "verbose_json",
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("build form: %w", err)
		}
	}
	// Word timings drive the karaoke captions; segments drive scoring.
	for _, g := range []string{"word", "segment"} {
		if err := w.WriteField("timestamp_granularities[]", g); err != nil {
			return nil, "", fmt.Errorf("build form: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("build form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// assemble nests the flat word list under its covering segments.
func assemble(out verboseResponse) Transcript {
	t := Transcript{}
	wi := 0
	for _, s := range out.Segments {
		seg := Segment{Start: s.Start, End: s.End, Text: s.Text}
		for wi < len(out.Words) && out.Words[wi].Start < s.End {
			w := out.Words[wi]
			if w.End <= s.End || w.Start >= s.Start {
				seg.Words = append(seg.Words, Word{Start: w.Start, End: w.End, Text: w.Word})
			}
			wi++
		}
		t.Segments = append(t.Segments, seg)
	}
	return t
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
