package tts

import (
	"encoding/json"
	"fmt"
)

// parseJSON parses JSON data into the target interface.
func parseJSON(data []byte, target any) error {
	err := json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

// errorPayload covers the error bodies engines send. The generative service
// sends {"detail": "...", "error_code": "..."}; ElevenLabs nests an object
// under detail.
type errorPayload struct {
	Detail    json.RawMessage `json:"detail"`
	ErrorCode string          `json:"error_code,omitempty"`
}

func (p errorPayload) message() string {
	if len(p.Detail) == 0 {
		return ""
	}

	var text string
	if parseJSON(p.Detail, &text) == nil {
		if p.ErrorCode != "" {
			return fmt.Sprintf("%s (code: %s)", text, p.ErrorCode)
		}

		return text
	}

	var nested struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}

	if parseJSON(p.Detail, &nested) == nil && nested.Message != "" {
		return fmt.Sprintf("%s (code: %s)", nested.Message, nested.Status)
	}

	return string(p.Detail)
}
