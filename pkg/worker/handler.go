package worker

import "context"

// Handler processes one notice.
type Handler func(ctx context.Context, msg *Message) error

// Middleware wraps a handler to add functionality.
type Middleware func(Handler) Handler
