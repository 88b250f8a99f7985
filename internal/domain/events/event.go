package events

import "time"

// Delivery is one message received from the broker. It stays unsettled until
// Ack or Reject is called.
type Delivery struct {
	// Queue is the queue, or for broadcasts the exchange, the message was
	// read from.
	Queue string
	// Body is the JSON message.
	Body []byte
	// Priority orders deliveries waiting in a runner. Higher goes first.
	Priority uint8
	// Headers are the transport headers attached by the publisher.
	Headers map[string]any
	// Timestamp records when the delivery was received.
	Timestamp time.Time

	ack    func() error
	reject func(requeue bool) error
}

// NewDelivery builds a Delivery settled through the given callbacks. Either
// may be nil when the transport has nothing to settle.
func NewDelivery(queue string, body []byte, ack func() error, reject func(requeue bool) error) Delivery {
	return Delivery{Queue: queue, Body: body, Timestamp: time.Now(), ack: ack, reject: reject}
}

// Ack tells the broker the delivery was handled.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Reject returns the delivery to the broker, or discards it when requeue is
// false.
func (d Delivery) Reject(requeue bool) error {
	if d.reject == nil {
		return nil
	}
	return d.reject(requeue)
}
