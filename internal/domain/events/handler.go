package events

import "context"

// HandlerFunc receives deliveries from a Broker. Returning an error does not
// settle the delivery; that is left to the handler.
type HandlerFunc func(ctx context.Context, d Delivery) error
