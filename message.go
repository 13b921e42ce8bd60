package dish

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Message is the payload of a Delivery: a tree of dynamically-typed values.
//
// The set of variants is closed: NullMessage, StringMessage, BooleanMessage,
// IntegerMessage, BinaryMessage, AddressMessage and CompositeMessage. Adding
// a variant means extending Equal and both directions of MsgpackEncoding.
type Message interface {
	fmt.Stringer
	isMessage()
}

type NullMessage struct{}

type StringMessage string

type BooleanMessage bool

type IntegerMessage int64

// BinaryMessage carries arbitrary bytes. A nil and an empty BinaryMessage are
// equal.
type BinaryMessage []byte

// AddressMessage embeds a recipient locator as data.
type AddressMessage Address

// CompositeMessage maps unique keys to child messages. Values are immutable:
// With returns a new composite, so a composite can never contain itself.
type CompositeMessage struct {
	entries map[string]Message
}

func (NullMessage) isMessage()      {}
func (StringMessage) isMessage()    {}
func (BooleanMessage) isMessage()   {}
func (IntegerMessage) isMessage()   {}
func (BinaryMessage) isMessage()    {}
func (AddressMessage) isMessage()   {}
func (CompositeMessage) isMessage() {}

func (NullMessage) String() string      { return "null" }
func (m StringMessage) String() string  { return strconv.Quote(string(m)) }
func (m BooleanMessage) String() string { return strconv.FormatBool(bool(m)) }
func (m IntegerMessage) String() string { return strconv.FormatInt(int64(m), 10) }
func (m BinaryMessage) String() string  { return fmt.Sprintf("binary(%d)", len(m)) }
func (m AddressMessage) String() string { return "@" + Address(m).String() }

// NewComposite builds a composite from entries. The map is copied.
func NewComposite(entries map[string]Message) CompositeMessage {
	c := CompositeMessage{entries: make(map[string]Message, len(entries))}
	for k, v := range entries {
		c.entries[k] = v
	}
	return c
}

// With returns a copy of c with key set to m.
func (c CompositeMessage) With(key string, m Message) CompositeMessage {
	next := NewComposite(c.entries)
	next.entries[key] = m
	return next
}

// Read returns the child stored under key.
func (c CompositeMessage) Read(key string) (Message, bool) {
	m, ok := c.entries[key]
	return m, ok
}

// Keys returns the keys in sorted order.
func (c CompositeMessage) Keys() []string {
	return slices.Sorted(maps.Keys(c.entries))
}

func (c CompositeMessage) Len() int {
	return len(c.entries)
}

func (c CompositeMessage) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range c.Keys() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.Quote(k))
		sb.WriteString(": ")
		sb.WriteString(messageString(c.entries[k]))
	}
	sb.WriteByte('}')
	return sb.String()
}

func messageString(m Message) string {
	if m == nil {
		return "<nil>"
	}
	return m.String()
}

// Equal reports whether a and b are the same value. Composite key order is
// not significant.
func Equal(a, b Message) bool {
	switch av := a.(type) {
	case NullMessage:
		_, ok := b.(NullMessage)
		return ok
	case StringMessage:
		bv, ok := b.(StringMessage)
		return ok && av == bv
	case BooleanMessage:
		bv, ok := b.(BooleanMessage)
		return ok && av == bv
	case IntegerMessage:
		bv, ok := b.(IntegerMessage)
		return ok && av == bv
	case BinaryMessage:
		bv, ok := b.(BinaryMessage)
		return ok && bytes.Equal(av, bv)
	case AddressMessage:
		bv, ok := b.(AddressMessage)
		return ok && av == bv
	case CompositeMessage:
		bv, ok := b.(CompositeMessage)
		if !ok || len(av.entries) != len(bv.entries) {
			return false
		}
		for k, child := range av.entries {
			other, ok := bv.entries[k]
			if !ok || !Equal(child, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
