package worker

import "context"

// Listener provides hooks into the worker's lifecycle for logging, metrics, etc.
type Listener struct {
	OnStart         func(ctx context.Context)
	OnExit          func(ctx context.Context)
	OnMessageStart  func(ctx context.Context, msg *Message)
	OnMessageFinish func(ctx context.Context, msg *Message, err error)
	OnError         func(ctx context.Context, msg *Message, err error)
}
