package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// HandlerFunc handles one decoded payload. Implementations type-switch over
// the concrete payload types they accept.
type HandlerFunc func(ctx context.Context, p Payload) Response

// Handle decodes data and runs h. Decode failures become error responses
// addressed to ResponseToIncoming; panics in h become error responses
// addressed to the action.
func Handle(ctx context.Context, logger *slog.Logger, data []byte, h HandlerFunc) (resp Response) {
	p, err := Decode(data)
	if err != nil {
		logger.Warn("protocol: rejected message", "error", err)
		return Failure(ResponseToIncoming, err.Error())
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("protocol: handler panic",
				"action", p.Action(),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			resp = Failure(string(p.Action()), fmt.Sprintf("internal error handling %s", p.Action()))
		}
	}()
	return h(ctx, p)
}

// Unsupported is returned by handlers for actions they do not serve.
func Unsupported(p Payload) Response {
	return Failure(string(p.Action()), fmt.Sprintf("action %s is not handled here", p.Action()))
}
