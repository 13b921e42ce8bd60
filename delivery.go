package dish

import (
	"fmt"

	"github.com/google/uuid"
)

// Delivery is the envelope carried by a Deliver signal.
//
// UUID is a correlation and idempotency token: a retried send must reuse the
// same Delivery value, a distinct send must use NewDelivery.
type Delivery struct {
	UUID     uuid.UUID
	Receiver Address
	Message  Message
}

// NewDelivery returns a delivery with a freshly minted UUID.
func NewDelivery(receiver Address, message Message) Delivery {
	return Delivery{
		UUID:     uuid.New(),
		Receiver: receiver,
		Message:  message,
	}
}

func (d Delivery) Equal(other Delivery) bool {
	return d.UUID == other.UUID &&
		d.Receiver == other.Receiver &&
		Equal(d.Message, other.Message)
}

func (d Delivery) String() string {
	return fmt.Sprintf("delivery(%s -> %s: %s)", d.UUID, d.Receiver, messageString(d.Message))
}
