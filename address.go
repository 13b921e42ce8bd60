package dish

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// AddressSize is the fixed width of an Address on the wire.
const AddressSize = 16

// Address locates a message recipient. It is a comparable value and may be
// used as a map key.
type Address [AddressSize]byte

// NewAddress returns a random address.
func NewAddress() Address {
	return Address(uuid.New())
}

// AddressFromBytes is the inverse of Address.Bytes.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, &FormatError{Reason: fmt.Sprintf("expected %d bytes, got %d", AddressSize, len(b))}
	}
	copy(a[:], b)
	return a, nil
}

// ParseAddress parses the hex form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, &FormatError{Reason: err.Error()}
	}
	return AddressFromBytes(b)
}

// Bytes returns a fresh copy of the address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether a is the all-zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}
