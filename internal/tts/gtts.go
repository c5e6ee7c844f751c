package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/book-expert/narrator-service/internal/core"
	"golang.org/x/time/rate"
)

// EngineGTTS is the registry name of the Google Translate engine.
const EngineGTTS = "gtts"

const (
	gttsPath         = "/translate_tts"
	gttsMaxChars     = 100
	gttsSlowSpeed    = "0.24"
	gttsClient       = "tw-ob"
	gttsUserAgent    = "Mozilla/5.0 (narrator-service)"
	gttsRequestLimit = 30 * time.Second
)

var _ core.Synthesizer = (*GTTS)(nil)

// GTTS is the free, rate-limited Google Translate speech endpoint. It accepts
// at most 100 characters per request, so a chunk is sent as several requests
// whose MP3 bodies are concatenated. voice_type is not supported and ignored.
type GTTS struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewGTTS creates the engine. requestsPerSecond bounds outgoing requests
// across all tasks; a non-positive value disables the limiter.
func NewGTTS(baseURL string, requestsPerSecond float64) *GTTS {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}

	return &GTTS{
		httpClient: &http.Client{Timeout: gttsRequestLimit},
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Name returns the registry name.
func (g *GTTS) Name() string { return EngineGTTS }

// Format returns the container the engine produces.
func (g *GTTS) Format() core.AudioFormat { return core.FormatMP3 }

// Synthesize returns the MP3 audio for text.
func (g *GTTS) Synthesize(ctx context.Context, text string, voice core.VoiceParams) ([]byte, error) {
	parts := SplitForRequests(text, gttsMaxChars)
	if len(parts) == 0 {
		return nil, core.Errorf(core.KindEngineRejected, "%s: %s", EngineGTTS, ErrTextEmpty)
	}

	var audio bytes.Buffer

	for _, part := range parts {
		waitErr := g.limiter.Wait(ctx)
		if waitErr != nil {
			return nil, transportError(ctx, EngineGTTS, waitErr)
		}

		data, err := g.request(ctx, part, voice)
		if err != nil {
			return nil, err
		}

		audio.Write(data)
	}

	return audio.Bytes(), nil
}

func (g *GTTS) request(ctx context.Context, text string, voice core.VoiceParams) ([]byte, error) {
	query := url.Values{}
	query.Set("ie", "UTF-8")
	query.Set("q", text)
	query.Set("tl", voice.Language)
	query.Set("client", gttsClient)
	query.Set("total", "1")
	query.Set("idx", "0")
	query.Set("textlen", fmt.Sprint(utf8.RuneCountInString(text)))

	if voice.SpeechRate > 0 && voice.SpeechRate < core.DefaultSpeechRate {
		query.Set("ttsspeed", gttsSlowSpeed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+gttsPath+"?"+query.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", EngineGTTS, err)
	}

	req.Header.Set("User-Agent", gttsUserAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, EngineGTTS, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(EngineGTTS, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, EngineGTTS, err)
	}

	return data, nil
}

// SplitForRequests breaks text into pieces of at most limit runes on word
// boundaries. A word longer than limit is cut on rune boundaries.
func SplitForRequests(text string, limit int) []string {
	var (
		parts   []string
		current strings.Builder
		length  int
	)

	flush := func() {
		if length > 0 {
			parts = append(parts, current.String())
			current.Reset()
			length = 0
		}
	}

	for _, word := range strings.Fields(text) {
		runes := []rune(word)

		for len(runes) > limit {
			flush()
			parts = append(parts, string(runes[:limit]))
			runes = runes[limit:]
		}

		if length > 0 && length+1+len(runes) > limit {
			flush()
		}

		if length > 0 {
			current.WriteByte(' ')
			length++
		}

		current.WriteString(string(runes))
		length += len(runes)
	}

	flush()

	return parts
}
