package collab

import (
	"encoding/json"
	"fmt"

	"github.com/zenibako/collab-golang/messages"
)

// Transport is the bidirectional event channel every component talks
// through. Implementations deliver events asynchronously and make no
// ordering promises across event names. Payloads cross the boundary as
// JSON so the transport never needs to know the shapes it carries.
type Transport interface {
	// Emit sends one event to the room. Fire-and-forget: an error means
	// the event could not be handed to the transport, not that no peer
	// received it.
	Emit(event messages.EventName, payload any) error

	// On registers a handler for inbound events of the given name and
	// returns a function that unregisters it. Handlers receive the raw
	// JSON payload.
	On(event messages.EventName, handler func(payload []byte)) (off func())

	// Connect establishes (or re-establishes) the underlying channel.
	Connect() error

	// Connected reports whether the channel is currently up.
	Connected() bool

	// Close shuts the channel down intentionally. No reconnection is
	// expected afterwards.
	Close() error
}

// decode unmarshals an inbound payload into out, reporting the event
// name on failure so dropped events are attributable in logs.
func decode(event messages.EventName, payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", event, err)
	}
	return nil
}
