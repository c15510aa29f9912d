// Package worker consumes delivery notices published by the webhook
// receiver. Downstream services embed it to react to GitHub events without
// talking to GitHub or the hookgate database.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"

	"hookgate/internal"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Worker subscribes to notice topics, decodes messages and dispatches them
// to handlers registered by topic, by event and action, or by event.
type Worker struct {
	subscriber  message.Subscriber
	codec       Codec
	retry       RetryPolicy
	logger      *log.Logger
	concurrency int
	topics      []string

	topicHandlers map[string]Handler
	eventHandlers map[string]Handler
	middleware    []Middleware
	listeners     []Listener
	allowedTopics map[string]struct{}
}

func New(opts ...Option) *Worker {
	w := &Worker{
		codec:         NoticeCodec{},
		retry:         NoRetry{},
		logger:        internal.NewLogger("worker"),
		concurrency:   1,
		topicHandlers: make(map[string]Handler),
		eventHandlers: make(map[string]Handler),
		allowedTopics: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleTopic registers a handler for a topic and subscribes to it. When
// WithTopics was given, topics outside that set are refused.
func (w *Worker) HandleTopic(topic string, h Handler) {
	if h == nil || topic == "" {
		return
	}
	if len(w.allowedTopics) > 0 {
		if _, ok := w.allowedTopics[topic]; !ok {
			w.logger.Printf("handler topic not subscribed: %s", topic)
			return
		}
	}
	w.topicHandlers[topic] = h
	w.topics = append(w.topics, topic)
}

// HandleEvent registers a fallback handler for a GitHub event, used when no
// handler is registered for the topic a notice arrived on. An event of the
// form "installation.suspend" matches only that action and takes precedence
// over the bare event name.
func (w *Worker) HandleEvent(event string, h Handler) {
	if h == nil || event == "" {
		return
	}
	w.eventHandlers[event] = h
}

// Run subscribes to every topic and processes notices until ctx is canceled.
// It returns once in-flight handlers have finished.
func (w *Worker) Run(ctx context.Context) error {
	if w.subscriber == nil {
		return errors.New("subscriber is required")
	}
	if len(w.topics) == 0 {
		return errors.New("at least one topic is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.each(func(l Listener) {
		if l.OnStart != nil {
			l.OnStart(ctx)
		}
	})
	defer w.each(func(l Listener) {
		if l.OnExit != nil {
			l.OnExit(ctx)
		}
	})

	var wg sync.WaitGroup
	slots := make(chan struct{}, w.concurrency)
	for _, topic := range unique(w.topics) {
		msgs, err := w.subscriber.Subscribe(ctx, topic)
		if err != nil {
			w.failed(ctx, nil, err)
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx, topic, msgs, slots, &wg)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consume(ctx context.Context, topic string, msgs <-chan *message.Message, slots chan struct{}, wg *sync.WaitGroup) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			slots <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-slots }()
				w.handleMessage(ctx, topic, raw)
			}()
		}
	}
}

// Close shuts down the subscriber.
func (w *Worker) Close() error {
	if w.subscriber == nil {
		return nil
	}
	return w.subscriber.Close()
}

func (w *Worker) handleMessage(ctx context.Context, topic string, raw *message.Message) {
	msg, err := w.codec.Decode(topic, raw)
	if err != nil {
		// a notice that cannot be decoded never will be
		w.logger.Printf("decode failed topic=%s uuid=%s: %v", topic, raw.UUID, err)
		w.failed(ctx, nil, err)
		raw.Ack()
		return
	}

	w.each(func(l Listener) {
		if l.OnMessageStart != nil {
			l.OnMessageStart(ctx, msg)
		}
	})
	err = w.dispatch(ctx, topic, msg)
	w.each(func(l Listener) {
		if l.OnMessageFinish != nil {
			l.OnMessageFinish(ctx, msg, err)
		}
	})
	if err == nil {
		raw.Ack()
		return
	}

	w.logger.Printf("handler failed topic=%s delivery=%s: %v", topic, msg.Notice.DeliveryID, err)
	w.failed(ctx, msg, err)
	if decision := w.retry.OnError(ctx, msg, err); decision.Retry || decision.Nack {
		raw.Nack()
		return
	}
	raw.Ack()
}

func (w *Worker) dispatch(ctx context.Context, topic string, msg *Message) error {
	handler := w.resolve(topic, msg.Notice)
	if handler == nil {
		w.logger.Printf("no handler for topic=%s event=%s", topic, msg.Notice.Event)
		return nil
	}
	for i := len(w.middleware) - 1; i >= 0; i-- {
		handler = w.middleware[i](handler)
	}
	return handler(ctx, msg)
}

func (w *Worker) resolve(topic string, notice internal.Notice) Handler {
	if h := w.topicHandlers[topic]; h != nil {
		return h
	}
	if notice.Action != "" {
		if h := w.eventHandlers[notice.Event+"."+notice.Action]; h != nil {
			return h
		}
	}
	return w.eventHandlers[notice.Event]
}

func (w *Worker) failed(ctx context.Context, msg *Message, err error) {
	w.each(func(l Listener) {
		if l.OnError != nil {
			l.OnError(ctx, msg, err)
		}
	})
}

func (w *Worker) each(fn func(Listener)) {
	for _, l := range w.listeners {
		fn(l)
	}
}
