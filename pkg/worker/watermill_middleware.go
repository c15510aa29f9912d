package worker

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MiddlewareFromWatermill adapts a watermill handler middleware, such as
// middleware.Timeout or middleware.Recoverer, to a worker Middleware.
func MiddlewareFromWatermill(m message.HandlerMiddleware) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			payload, err := json.Marshal(msg.Notice)
			if err != nil {
				return err
			}
			wm := message.NewMessage(watermill.NewUUID(), payload)
			wm.SetContext(ctx)
			for key, value := range msg.Metadata {
				wm.Metadata.Set(key, value)
			}
			wrapped := m(func(inner *message.Message) ([]*message.Message, error) {
				return nil, next(inner.Context(), msg)
			})
			_, err = wrapped(wm)
			return err
		}
	}
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
