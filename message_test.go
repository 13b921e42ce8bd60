package dish

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessage_Equal(t *testing.T) {
	addr := NewAddress()
	tests := []struct {
		name string
		a, b Message
		want bool
	}{
		{"null", NullMessage{}, NullMessage{}, true},
		{"string", StringMessage("a"), StringMessage("a"), true},
		{"string differs", StringMessage("a"), StringMessage("b"), false},
		{"bool vs int", BooleanMessage(true), IntegerMessage(1), false},
		{"nil binary equals empty", BinaryMessage(nil), BinaryMessage{}, true},
		{"binary vs address", BinaryMessage(addr[:]), AddressMessage(addr), false},
		{"address", AddressMessage(addr), AddressMessage(addr), true},
		{"composite order", NewComposite(map[string]Message{"a": IntegerMessage(1), "b": NullMessage{}}),
			NewComposite(map[string]Message{"b": NullMessage{}, "a": IntegerMessage(1)}), true},
		{"composite missing key", NewComposite(map[string]Message{"a": NullMessage{}}), NewComposite(nil), false},
		{"composite nested differs", NewComposite(map[string]Message{"a": NewComposite(map[string]Message{"x": BooleanMessage(true)})}),
			NewComposite(map[string]Message{"a": NewComposite(map[string]Message{"x": BooleanMessage(false)})}), false},
		{"nil", nil, NullMessage{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
			assert.Equal(t, tt.want, Equal(tt.b, tt.a))
		})
	}
}

func TestComposite_WithCopies(t *testing.T) {
	base := NewComposite(map[string]Message{"a": IntegerMessage(1)})
	next := base.With("b", StringMessage("x"))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, next.Len())
	_, ok := base.Read("b")
	assert.False(t, ok)

	// A composite added to itself holds the old value, not a cycle.
	self := next.With("self", next)
	child, ok := self.Read("self")
	assert.True(t, ok)
	assert.True(t, Equal(child, next))
}

func TestComposite_NewCopiesInput(t *testing.T) {
	in := map[string]Message{"a": NullMessage{}}
	c := NewComposite(in)
	in["b"] = NullMessage{}
	assert.Equal(t, 1, c.Len())
}

func TestComposite_KeysSortedAndString(t *testing.T) {
	c := NewComposite(map[string]Message{
		"z": IntegerMessage(1),
		"a": StringMessage("x"),
		"m": BinaryMessage{1, 2},
	})
	assert.Equal(t, []string{"a", "m", "z"}, c.Keys())
	assert.Equal(t, `{"a": "x", "m": binary(2), "z": 1}`, c.String())
}

func TestSignal_NamesAndEquality(t *testing.T) {
	assert.Equal(t, "OK", SignalName(Ok{}))
	assert.Equal(t, "FAILED", SignalName(NewFailed()))
	assert.Equal(t, "DELIVER", SignalName(Deliver{}))
	assert.Equal(t, "JOIN", SignalName(Join{}))
	assert.Equal(t, "LEAVE", SignalName(Leave{}))
	assert.Equal(t, "UNKNOWN", SignalName(nil))

	d := NewDelivery(NewAddress(), StringMessage("x"))
	assert.True(t, SignalEqual(Deliver{d}, Deliver{d}))
	assert.False(t, SignalEqual(Deliver{d}, Deliver{NewDelivery(d.Receiver, d.Message)}))
	assert.False(t, SignalEqual(Ok{}, Join{}))
	assert.False(t, SignalEqual(FailedWith("x"), FailedWith("y")))
}

func TestPacket_Copies(t *testing.T) {
	in := []byte{1, 2, 3}
	p := NewPacket(in)
	in[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, p.Bytes())

	out := p.Bytes()
	out[1] = 9
	assert.Equal(t, []byte{1, 2, 3}, p.Bytes())
	assert.Equal(t, 3, p.Len())
}
