package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/book-expert/narrator-service/internal/core"
)

// EngineElevenLabs is the registry name of the premium voice engine.
const EngineElevenLabs = "elevenlabs"

// Voice ids used for the two supported voice types.
const (
	ElevenLabsVoiceMale   = "pNInz6obpgDQGcFmaJgB"
	ElevenLabsVoiceFemale = "EXAVITQu4vr4xnSDxMaL"
)

const (
	elevenLabsPathFmt   = "/v1/text-to-speech/%s/stream"
	headerXIAPIKey      = "xi-api-key"
	contentTypeMPEG     = "audio/mpeg"
	elevenLabsStability = 0.5
	elevenLabsSimilar   = 0.75
)

var _ core.StreamSynthesizer = (*ElevenLabs)(nil)

// ElevenLabs calls the ElevenLabs streaming text-to-speech API.
type ElevenLabs struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	LanguageCode  string                  `json:"language_code,omitempty"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// NewElevenLabs creates the engine. Timeouts come from the caller's context.
func NewElevenLabs(baseURL, apiKey, modelID string) *ElevenLabs {
	return &ElevenLabs{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		modelID:    modelID,
	}
}

// Name returns the registry name.
func (e *ElevenLabs) Name() string { return EngineElevenLabs }

// Format returns the container the engine produces.
func (e *ElevenLabs) Format() core.AudioFormat { return core.FormatMP3 }

// Synthesize buffers the streamed response.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string, voice core.VoiceParams) ([]byte, error) {
	stream, err := e.SynthesizeStream(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	audio, err := io.ReadAll(stream)
	if err != nil {
		return nil, transportError(ctx, EngineElevenLabs, err)
	}

	return audio, nil
}

// SynthesizeStream returns the response body as audio arrives. The caller
// closes the stream.
func (e *ElevenLabs) SynthesizeStream(ctx context.Context, text string, voice core.VoiceParams) (io.ReadCloser, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.Errorf(core.KindEngineRejected, "%s: %s", EngineElevenLabs, ErrTextEmpty)
	}

	payload := elevenLabsRequest{
		Text:         text,
		ModelID:      e.modelID,
		LanguageCode: voice.Language,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       elevenLabsStability,
			SimilarityBoost: elevenLabsSimilar,
			Speed:           voice.SpeechRate,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", EngineElevenLabs, err)
	}

	endpoint := e.baseURL + fmt.Sprintf(elevenLabsPathFmt, ElevenLabsVoiceID(voice.VoiceType))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", EngineElevenLabs, err)
	}

	req.Header.Set(headerContentType, contentTypeJSON)
	req.Header.Set(headerAccept, contentTypeMPEG)
	req.Header.Set(headerXIAPIKey, e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, EngineElevenLabs, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, statusError(EngineElevenLabs, resp)
	}

	return resp.Body, nil
}

// ElevenLabsVoiceID maps a voice type onto a fixed ElevenLabs voice.
func ElevenLabsVoiceID(voiceType string) string {
	if voiceType == core.VoiceMale {
		return ElevenLabsVoiceMale
	}

	return ElevenLabsVoiceFemale
}
