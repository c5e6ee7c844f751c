package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/book-expert/narrator-service/internal/core"
)

// maxErrorBody caps how much of an engine error body is kept for logs.
const maxErrorBody = 512

var (
	// ErrEmptyAudio indicates an engine answered successfully with no audio.
	ErrEmptyAudio = errors.New("engine returned empty audio")
	// ErrTextEmpty indicates a synthesis request without text.
	ErrTextEmpty = errors.New("text cannot be empty")
)

// KindForStatus maps an engine HTTP status code onto the shared taxonomy.
func KindForStatus(code int) core.ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return core.KindEngineRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return core.KindEngineTimeout
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return core.KindEngineAuthFailed
	case code >= http.StatusInternalServerError:
		return core.KindEngineUnavailable
	default:
		return core.KindEngineRejected
	}
}

// statusError classifies a non-2xx response. The body is kept on the cause
// for logs only; callers see the kind's fixed message.
func statusError(engine string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	detail := strings.TrimSpace(string(body))

	var payload errorPayload
	if parseJSON(body, &payload) == nil && payload.message() != "" {
		detail = payload.message()
	}

	return core.Errorf(KindForStatus(resp.StatusCode), "%s returned %s: %s", engine, resp.Status, detail)
}

// transportError classifies a failure to get any response at all.
func transportError(ctx context.Context, engine string, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s request abandoned: %w", engine, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return core.NewError(core.KindEngineTimeout, fmt.Errorf("%s: %w", engine, err))
	}

	return core.NewError(core.KindEngineUnavailable, fmt.Errorf("%s: %w", engine, err))
}
