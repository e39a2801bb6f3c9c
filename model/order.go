package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Field names one of the three values every order form carries.
type Field string

const (
	FieldPickup   Field = "pickup"
	FieldCustomer Field = "customer"
	FieldCake     Field = "cake"
)

// Fields lists the order fields in validation order.
var Fields = []Field{FieldPickup, FieldCustomer, FieldCake}

// ParseField maps a field name to its Field.
func ParseField(name string) (Field, error) {
	switch f := Field(strings.ToLower(strings.TrimSpace(name))); f {
	case FieldPickup, FieldCustomer, FieldCake:
		return f, nil
	}
	return "", fmt.Errorf("unknown field %q", name)
}

// Reason explains why a message did not yield an order.
type Reason string

const (
	ReasonFieldAbsent        Reason = "field-absent"
	ReasonDateFormatMismatch Reason = "date-format-mismatch"
)

// Failure is the diagnostic record for a rejected message. Field is the
// first failing field in the order pickup, customer, cake.
type Failure struct {
	MessageID string
	Field     Field
	Reason    Reason
	Raw       string
}

func (f Failure) Error() string {
	if f.Raw != "" {
		return fmt.Sprintf("message %s: %s: %s (%q)", f.MessageID, f.Field, f.Reason, f.Raw)
	}
	return fmt.Sprintf("message %s: %s: %s", f.MessageID, f.Field, f.Reason)
}

var ErrInvalidOrder = errors.New("invalid order")

// Order is a validated cake pickup. Its fields are only reachable through
// accessors so an Order cannot change after NewOrder returns it.
type Order struct {
	messageID    string
	customerName string
	cakeType     string
	pickupAt     time.Time
}

// NewOrder checks the order invariants: non-empty trimmed name and cake type
// and a pickup instant with a location attached.
func NewOrder(messageID, customerName, cakeType string, pickupAt time.Time) (Order, error) {
	customerName = strings.TrimSpace(customerName)
	cakeType = strings.TrimSpace(cakeType)

	if customerName == "" {
		return Order{}, fmt.Errorf("%w: customer name is empty", ErrInvalidOrder)
	}
	if cakeType == "" {
		return Order{}, fmt.Errorf("%w: cake type is empty", ErrInvalidOrder)
	}
	if pickupAt.IsZero() {
		return Order{}, fmt.Errorf("%w: pickup time is zero", ErrInvalidOrder)
	}

	return Order{
		messageID:    messageID,
		customerName: customerName,
		cakeType:     cakeType,
		pickupAt:     pickupAt,
	}, nil
}

func (o Order) MessageID() string    { return o.messageID }
func (o Order) CustomerName() string { return o.customerName }
func (o Order) CakeType() string     { return o.cakeType }
func (o Order) PickupAt() time.Time  { return o.pickupAt }

func (o Order) String() string {
	return fmt.Sprintf("%s: %s at %s", o.customerName, o.cakeType, o.pickupAt.Format("Mon Jan 2, 2006 3:04 PM MST"))
}
