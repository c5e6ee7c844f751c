package tts_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWAV = "RIFF....WAVEfmt "

var femaleEnglish = core.VoiceParams{VoiceType: core.VoiceFemale, SpeechRate: 1.0, Language: "en"}

func TestHTTPClient_Synthesize(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/generate/speech", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "audio/wav", r.Header.Get("Accept"))

		var req tts.TTSRequest

		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hello, world!", req.Text)
		assert.Equal(t, "en", req.Language)
		assert.InEpsilon(t, 0.8, req.Temperature, 0.001)
		assert.Equal(t, "speakers/en_female_1.json", req.SpeakerRefPath)

		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte(testWAV))
	}))
	defer server.Close()

	client := tts.NewHTTPClient(server.URL, 10*time.Second, 0.8)
	assert.Equal(t, core.FormatWAV, client.Format())

	audio, err := client.Synthesize(context.Background(), "Hello, world!", femaleEnglish)
	require.NoError(t, err)
	assert.Equal(t, testWAV, string(audio))
}

func TestHTTPClient_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   core.ErrorKind
	}{
		{http.StatusTooManyRequests, core.KindEngineRateLimited},
		{http.StatusGatewayTimeout, core.KindEngineTimeout},
		{http.StatusRequestTimeout, core.KindEngineTimeout},
		{http.StatusServiceUnavailable, core.KindEngineUnavailable},
		{http.StatusInternalServerError, core.KindEngineUnavailable},
		{http.StatusUnauthorized, core.KindEngineAuthFailed},
		{http.StatusForbidden, core.KindEngineAuthFailed},
		{http.StatusBadRequest, core.KindEngineRejected},
		{http.StatusUnprocessableEntity, core.KindEngineRejected},
	}

	for _, testCase := range tests {
		t.Run(http.StatusText(testCase.status), func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(`{"detail":"Invalid speaker reference path","error_code":"INVALID_SPEAKER_PATH"}`))
			}))
			defer server.Close()

			client := tts.NewHTTPClient(server.URL, 10*time.Second, 0)

			_, err := client.Synthesize(context.Background(), "text", femaleEnglish)
			require.Error(t, err)
			assert.Equal(t, testCase.want, core.KindOf(err))
			assert.Contains(t, err.Error(), "INVALID_SPEAKER_PATH")
		})
	}
}

func TestHTTPClient_WrongContentTypeAndEmptyText(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("not audio"))
	}))
	defer server.Close()

	client := tts.NewHTTPClient(server.URL, 10*time.Second, 0)

	_, err := client.Synthesize(context.Background(), "text", femaleEnglish)
	assert.Equal(t, core.KindEngineRejected, core.KindOf(err))

	_, err = client.Synthesize(context.Background(), "   ", femaleEnglish)
	require.ErrorIs(t, err, tts.ErrTextEmpty)
	assert.Equal(t, core.KindEngineRejected, core.KindOf(err))
}

func TestHTTPClient_TimeoutAndUnreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := tts.NewHTTPClient(server.URL, 10*time.Second, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Synthesize(ctx, "text", femaleEnglish)
	assert.Equal(t, core.KindEngineTimeout, core.KindOf(err))

	unreachable := tts.NewHTTPClient("http://127.0.0.1:1", time.Second, 0)

	err = unreachable.HealthCheck(context.Background())
	assert.Equal(t, core.KindEngineUnavailable, core.KindOf(err))
}

func TestHTTPClient_HealthCheck(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, tts.NewHTTPClient(server.URL, time.Second, 0).HealthCheck(context.Background()))
}

func TestGTTS_SplitsRequestsAndConcatenates(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		queries []string
		speeds  []string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/translate_tts", r.URL.Path)
		assert.Equal(t, "de", r.URL.Query().Get("tl"))
		assert.Equal(t, "tw-ob", r.URL.Query().Get("client"))

		mu.Lock()
		queries = append(queries, r.URL.Query().Get("q"))
		speeds = append(speeds, r.URL.Query().Get("ttsspeed"))
		index := len(queries)
		mu.Unlock()

		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte{byte(index)})
	}))
	defer server.Close()

	engine := tts.NewGTTS(server.URL, 0)
	text := strings.Repeat("Osmosis moves water across membranes. ", 5)

	audio, err := engine.Synthesize(context.Background(), text,
		core.VoiceParams{VoiceType: core.VoiceMale, SpeechRate: 0.75, Language: "de"})
	require.NoError(t, err)

	require.Len(t, queries, 2)
	assert.Equal(t, []byte{1, 2}, audio)

	for i, query := range queries {
		assert.LessOrEqual(t, len([]rune(query)), 100)
		assert.Equal(t, "0.24", speeds[i])
	}

	assert.Equal(t, strings.Join(strings.Fields(text), " "), strings.Join(queries, " "))
}

func TestGTTS_RateLimitedStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := tts.NewGTTS(server.URL, 100).Synthesize(context.Background(), "hello", femaleEnglish)
	assert.Equal(t, core.KindEngineRateLimited, core.KindOf(err))
}

func TestSplitForRequests(t *testing.T) {
	t.Parallel()

	parts := tts.SplitForRequests("alpha beta gamma delta", 11)
	assert.Equal(t, []string{"alpha beta", "gamma delta"}, parts)

	parts = tts.SplitForRequests(strings.Repeat("x", 25)+" y", 10)
	assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx y"}, parts)

	assert.Empty(t, tts.SplitForRequests("  ", 10))
}

func TestElevenLabs_Stream(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/text-to-speech/"+tts.ElevenLabsVoiceMale+"/stream", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("xi-api-key"))

		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"model_id":"eleven_multilingual_v2"`)

		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	defer server.Close()

	engine := tts.NewElevenLabs(server.URL, "secret", "eleven_multilingual_v2")
	male := core.VoiceParams{VoiceType: core.VoiceMale, SpeechRate: 1.0, Language: "en"}

	stream, err := engine.SynthesizeStream(context.Background(), "Hello", male)
	require.NoError(t, err)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, "mp3-bytes", string(data))

	audio, err := engine.Synthesize(context.Background(), "Hello", male)
	require.NoError(t, err)
	assert.Equal(t, "mp3-bytes", string(audio))
}

func TestElevenLabs_AuthFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`))
	}))
	defer server.Close()

	_, err := tts.NewElevenLabs(server.URL, "bad", "m").Synthesize(context.Background(), "Hello", femaleEnglish)
	require.Error(t, err)
	assert.Equal(t, core.KindEngineAuthFailed, core.KindOf(err))
	assert.Contains(t, err.Error(), "invalid_api_key")
	assert.Equal(t, tts.ElevenLabsVoiceFemale, tts.ElevenLabsVoiceID("unknown"))
}

func TestNewChatLLM_RequiresModels(t *testing.T) {
	t.Parallel()

	_, err := tts.NewChatLLM(tts.ChatLLMConfig{BinaryPath: "chatllm"}, nil)
	require.ErrorIs(t, err, tts.ErrMissingModel)
}

func TestChatLLM_MissingBinaryIsUnavailable(t *testing.T) {
	t.Parallel()

	engine, err := tts.NewChatLLM(tts.ChatLLMConfig{
		BinaryPath:    "/nonexistent/chatllm",
		ModelPath:     "model.bin",
		SnacModelPath: "snac.bin",
	}, newTestLogger(t))
	require.NoError(t, err)

	_, err = engine.Synthesize(context.Background(), "hello", femaleEnglish)
	assert.Equal(t, core.KindEngineUnavailable, core.KindOf(err))
}
