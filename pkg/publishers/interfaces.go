package publishers

import "context"

// Publisher sends events to a downstream sink (SQS, SNS, Pub/Sub, HTTP).
type Publisher interface {
	ID() string
	Type() string
	Publish(ctx context.Context, evt Event) error
}

// sender delivers a single event; queue publishers wrap one.
type sender interface {
	Send(ctx context.Context, evt Event) error
}

// queuePublisher adapts a sender to the Publisher interface.
type queuePublisher struct {
	id     string
	typ    string
	sender sender
}

func (q *queuePublisher) ID() string   { return q.id }
func (q *queuePublisher) Type() string { return q.typ }

func (q *queuePublisher) Publish(ctx context.Context, evt Event) error {
	return q.sender.Send(ctx, evt)
}

// Close releases the sender when it holds a connection.
func (q *queuePublisher) Close() error {
	if c, ok := q.sender.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
