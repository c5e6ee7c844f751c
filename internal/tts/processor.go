package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
)

// EngineChatLLM is the registry name of the local generative model.
const EngineChatLLM = "chatllm"

// ErrMissingModel indicates the chatllm engine was configured without model paths.
var ErrMissingModel = errors.New("chatllm model and snac model paths are required")

// Voice names the model understands.
var chatLLMVoices = map[string]string{
	core.VoiceMale:   "leo",
	core.VoiceFemale: "tara",
}

// ChatLLMConfig locates the chatllm binary and its models.
type ChatLLMConfig struct {
	BinaryPath    string
	ModelPath     string
	SnacModelPath string
}

var _ core.Synthesizer = (*ChatLLMProcessor)(nil)

// ChatLLMProcessor synthesizes speech by calling the chatllm binary.
type ChatLLMProcessor struct {
	config ChatLLMConfig
	log    *logger.Logger
}

// NewChatLLM creates a new ChatLLMProcessor.
func NewChatLLM(cfg ChatLLMConfig, log *logger.Logger) (*ChatLLMProcessor, error) {
	if cfg.ModelPath == "" || cfg.SnacModelPath == "" {
		return nil, ErrMissingModel
	}

	if cfg.BinaryPath == "" {
		cfg.BinaryPath = EngineChatLLM
	}

	return &ChatLLMProcessor{
		config: cfg,
		log:    log,
	}, nil
}

// Name returns the registry name.
func (p *ChatLLMProcessor) Name() string { return EngineChatLLM }

// Format returns the container the engine produces.
func (p *ChatLLMProcessor) Format() core.AudioFormat { return core.FormatWAV }

// Synthesize runs the binary once and returns the WAV it exports.
func (p *ChatLLMProcessor) Synthesize(ctx context.Context, text string, voice core.VoiceParams) ([]byte, error) {
	tempFile, err := os.CreateTemp("", "tts-output-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for tts output: %w", err)
	}

	closeErr := tempFile.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	defer func() {
		removeErr := os.Remove(tempFile.Name())
		if removeErr != nil {
			p.log.Warn("Failed to remove temp file '%s': %v", tempFile.Name(), removeErr)
		}
	}()

	args := []string{
		"-m", p.config.ModelPath,
		"--snac_model", p.config.SnacModelPath,
		"-p", fmt.Sprintf("{%s}: %s", chatLLMVoices[voice.VoiceType], text),
		"--tts_export", tempFile.Name(),
	}

	// #nosec G204 -- binary and model paths come from service configuration
	cmd := exec.CommandContext(ctx, p.config.BinaryPath, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, transportError(ctx, EngineChatLLM, ctx.Err())
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, core.NewError(core.KindEngineUnavailable, fmt.Errorf("chatllm binary not runnable: %w", err))
		}

		return nil, core.Errorf(core.KindEngineRejected, "chatllm binary execution failed: %v - output: %s", err, output)
	}

	audioData, err := os.ReadFile(tempFile.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data from temp file: %w", err)
	}

	return audioData, nil
}
