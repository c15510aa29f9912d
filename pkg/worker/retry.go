package worker

import "context"

// RetryDecision says whether a failed message is redelivered.
type RetryDecision struct {
	Retry bool
	Nack  bool
}

// RetryPolicy decides what happens to a message whose handler failed.
type RetryPolicy interface {
	OnError(ctx context.Context, msg *Message, err error) RetryDecision
}

// NoRetry nacks every failed message and leaves redelivery to the broker.
type NoRetry struct{}

func (NoRetry) OnError(ctx context.Context, msg *Message, err error) RetryDecision {
	return RetryDecision{Retry: false, Nack: true}
}

// DropOnError acks failed messages so a poisoned notice cannot block a topic.
type DropOnError struct{}

func (DropOnError) OnError(ctx context.Context, msg *Message, err error) RetryDecision {
	return RetryDecision{}
}
