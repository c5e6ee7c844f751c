// Package tts provides the speech engines behind the uniform synthesis
// contract, the registry tasks select them from, the shared mapping of engine
// failures onto the error taxonomy, and the retry policy applied per chunk.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/narrator-service/internal/core"
)

// EngineOuteTTS is the registry name of the generative model served over HTTP.
const EngineOuteTTS = "outetts"

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

const defaultTemperature = 0.75

// Speaker references the generative service ships for each voice type.
var speakerRefs = map[string]string{
	core.VoiceMale:   "speakers/en_male_1.json",
	core.VoiceFemale: "speakers/en_female_1.json",
}

var _ core.Synthesizer = (*HTTPClient)(nil)

// HTTPClient represents a client for the standalone generative TTS service.
// It encapsulates the HTTP configuration and provides methods for
// speech generation and health monitoring.
type HTTPClient struct {
	httpClient  *http.Client
	baseURL     string
	temperature float64
}

// TTSRequest defines the JSON payload structure for TTS generation requests.
type TTSRequest struct {
	// Text contains the input text to convert to speech.
	Text string `json:"text"`

	// SpeakerRefPath optionally specifies a server-side path to a speaker
	// reference file. If empty, the default speaker is used.
	SpeakerRefPath string `json:"speaker_ref_path,omitempty"`

	// Language specifies the target language code (e.g., "en", "es").
	Language string `json:"language"`

	// Temperature controls randomness in speech generation.
	Temperature float64 `json:"temperature"`

	// Speed scales the speaking rate; 1.0 is normal.
	Speed float64 `json:"speed,omitempty"`
}

// NewHTTPClient creates and configures an HTTP client for the TTS service.
// The baseURL should include the protocol and port (e.g., "http://localhost:8000").
// The timeout applies to all HTTP requests made by this client.
func NewHTTPClient(baseURL string, timeout time.Duration, temperature float64) *HTTPClient {
	if temperature == 0 {
		temperature = defaultTemperature
	}

	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		temperature: temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the registry name.
func (c *HTTPClient) Name() string { return EngineOuteTTS }

// Format returns the container the engine produces.
func (c *HTTPClient) Format() core.AudioFormat { return core.FormatWAV }

// Synthesize maps the voice parameters onto a generation request.
func (c *HTTPClient) Synthesize(ctx context.Context, text string, voice core.VoiceParams) ([]byte, error) {
	return c.GenerateSpeech(ctx, TTSRequest{
		Text:           text,
		SpeakerRefPath: speakerRefs[voice.VoiceType],
		Language:       voice.Language,
		Temperature:    c.temperature,
		Speed:          voice.SpeechRate,
	})
}

// GenerateSpeech sends a TTS generation request and returns the raw WAV data.
// Failures carry the shared error kinds.
func (c *HTTPClient) GenerateSpeech(ctx context.Context, req TTSRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, core.Errorf(core.KindEngineRejected, "%s: %s", EngineOuteTTS, ErrTextEmpty)
	}

	if req.Temperature == 0 {
		req.Temperature = c.temperature
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiGenerateSpeech,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, EngineOuteTTS, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(EngineOuteTTS, resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, core.Errorf(core.KindEngineRejected,
			"unexpected content type: expected %s, got %s", contentTypeWAV, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, EngineOuteTTS, err)
	}

	return audioData, nil
}

// HealthCheck verifies that the TTS service is running and operational.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, EngineOuteTTS, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(EngineOuteTTS, resp)
	}

	return nil
}
