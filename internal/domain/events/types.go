package events

// PublishOption is a function type that modifies PublishParams.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing messages.
type PublishParams struct {
	// Key is used as a partition key by brokers that partition queues.
	Key string
	// Priority is the delivery priority. Commands are sent at a higher
	// priority than ordinary messages.
	Priority uint8
	// Headers contain metadata key-value pairs attached to the message and
	// used by header-matching exchanges.
	Headers map[string]any
}

// WithKey returns a PublishOption that sets the partition key.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithPriority returns a PublishOption that sets the delivery priority.
func WithPriority(priority uint8) PublishOption {
	return func(p *PublishParams) { p.Priority = priority }
}

// WithHeaders returns a PublishOption that attaches headers to a message.
func WithHeaders(headers map[string]any) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

// Params applies opts to a zero PublishParams.
func Params(opts ...PublishOption) PublishParams {
	var p PublishParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
