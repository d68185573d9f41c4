package progress

import "context"

var _ Emitter = (*Hub)(nil)

// Sink receives batched events from the Hub. Consume may be called many times
// and must return once ctx is done; Close is called once when the Hub stops.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what crawl executors and the analysis scheduler report into.
// Emit must not block the caller.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter drops every event.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}
