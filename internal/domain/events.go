package domain

// EventJobUpdated is the event type emitted on every job status transition.
const EventJobUpdated = "job.updated"

// ChatChannel returns the bus channel carrying events for a user's chats.
func ChatChannel(userID string) string { return "chat:" + userID }

// EventError is the error payload attached to failure events.
type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is an ephemeral notification delivered to subscribed clients.
// Delivery is at-most-once; clients reconcile through GET /jobs/{id}.
type Event struct {
	Type   string      `json:"type"`
	JobID  string      `json:"job_id"`
	Status JobStatus   `json:"status,omitempty"`
	Result *OutputURLs `json:"result,omitempty"`
	Error  *EventError `json:"error,omitempty"`
}

// Subscription is a live attachment to a bus channel. Events arrive on C;
// C is closed when the subscriber is dropped for falling behind or when the
// bus shuts down. Close detaches the subscription.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// NewSubscription is used by bus implementations to hand out subscriptions.
func NewSubscription(c <-chan Event, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Close detaches the subscription from its channel. Safe to call more than
// once only if the cancel func is idempotent; bus implementations guarantee
// that.
func (s *Subscription) Close() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}
