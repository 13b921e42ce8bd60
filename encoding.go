package dish

// Wire format (msgpack):
//
//	signal  = array, first element is one of the tags below
//	  ["OK"]
//	  ["FAILED"] | ["FAILED", cause]
//	  ["DELIVER", uuid(bin 16), receiver(bin 16), message]
//	  ["JOIN"]
//	  ["LEAVE"]
//
//	message = nil | str | bool | int
//	        | bin [0x00 | bytes...]        binary
//	        | bin [0x01 | address...]      address
//	        | map {str: message, ...}      composite
//
// Map keys are written sorted so the same signal always encodes to the same
// bytes. Decoders must not depend on key order.

import (
	"bytes"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	tagOk      = "OK"
	tagFailed  = "FAILED"
	tagDeliver = "DELIVER"
	tagJoin    = "JOIN"
	tagLeave   = "LEAVE"
)

// Discriminators for byte sequences embedded in a message tree.
const (
	prefixBinary  byte = 0x00
	prefixAddress byte = 0x01
)

// deliverElements is the element count of a DELIVER array including the tag.
const deliverElements = 4

// Encoding translates signals to and from packets.
type Encoding interface {
	Encode(s Signal) (Packet, error)
	Decode(p Packet) (Signal, error)
}

// MsgpackEncoding is the default Encoding. It holds no state and is safe for
// concurrent use.
type MsgpackEncoding struct{}

var _ Encoding = MsgpackEncoding{}

func (MsgpackEncoding) Encode(s Signal) (Packet, error) {
	payload, err := deflateSignal(s)
	if err != nil {
		return Packet{}, err
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(payload); err != nil {
		return Packet{}, &ProtocolError{Reason: "encode", Err: err}
	}
	return packetOf(buf.Bytes()), nil
}

func (MsgpackEncoding) Decode(p Packet) (Signal, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(p.b))
	v, err := dec.DecodeInterface()
	if err != nil {
		return nil, &ProtocolError{Reason: "decode", Err: err}
	}
	payload, ok := v.([]interface{})
	if !ok {
		return nil, protocolErrorf("invalid format: expected array, got %T", v)
	}
	return inflateSignal(payload)
}

func deflateSignal(s Signal) ([]interface{}, error) {
	switch sig := s.(type) {
	case Ok:
		return []interface{}{tagOk}, nil
	case Failed:
		if cause, ok := sig.Cause(); ok {
			return []interface{}{tagFailed, cause}, nil
		}
		return []interface{}{tagFailed}, nil
	case Deliver:
		d := sig.Delivery
		msg, err := deflateMessage(d.Message)
		if err != nil {
			return nil, err
		}
		id := d.UUID
		return []interface{}{tagDeliver, id[:], d.Receiver.Bytes(), msg}, nil
	case Join:
		return []interface{}{tagJoin}, nil
	case Leave:
		return []interface{}{tagLeave}, nil
	default:
		return nil, protocolErrorf("unsupported signal type: %T", s)
	}
}

func inflateSignal(payload []interface{}) (Signal, error) {
	if len(payload) == 0 {
		return nil, protocolErrorf("invalid format: empty signal")
	}
	tag, ok := payload[0].(string)
	if !ok {
		return nil, protocolErrorf("unsupported signal: %v", payload[0])
	}

	switch tag {
	case tagOk:
		return Ok{}, nil
	case tagFailed:
		if len(payload) == 1 || payload[1] == nil {
			return NewFailed(), nil
		}
		cause, ok := payload[1].(string)
		if !ok {
			return nil, protocolErrorf("invalid format: FAILED cause is %T", payload[1])
		}
		return FailedWith(cause), nil
	case tagDeliver:
		if len(payload) != deliverElements {
			return nil, protocolErrorf("invalid format: DELIVER has %d elements", len(payload))
		}
		d, err := inflateDelivery(payload[1], payload[2], payload[3])
		if err != nil {
			return nil, err
		}
		return Deliver{Delivery: d}, nil
	case tagJoin:
		return Join{}, nil
	case tagLeave:
		return Leave{}, nil
	default:
		return nil, protocolErrorf("unsupported signal: %q", tag)
	}
}

func inflateDelivery(rawID, rawReceiver, rawMessage interface{}) (Delivery, error) {
	idBytes, ok := rawID.([]byte)
	if !ok {
		return Delivery{}, protocolErrorf("invalid format: uuid is %T", rawID)
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return Delivery{}, &ProtocolError{Reason: "uuid", Err: err}
	}

	receiverBytes, ok := rawReceiver.([]byte)
	if !ok {
		return Delivery{}, protocolErrorf("invalid format: receiver is %T", rawReceiver)
	}
	receiver, err := AddressFromBytes(receiverBytes)
	if err != nil {
		return Delivery{}, &ProtocolError{Reason: "receiver", Err: err}
	}

	msg, err := inflateMessage(rawMessage)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{UUID: id, Receiver: receiver, Message: msg}, nil
}

func deflateMessage(m Message) (interface{}, error) {
	switch msg := m.(type) {
	case NullMessage:
		return nil, nil
	case StringMessage:
		return string(msg), nil
	case BooleanMessage:
		return bool(msg), nil
	case IntegerMessage:
		return int64(msg), nil
	case BinaryMessage:
		return prefixed(prefixBinary, msg), nil
	case AddressMessage:
		return prefixed(prefixAddress, msg[:]), nil
	case CompositeMessage:
		out := make(map[string]interface{}, len(msg.entries))
		for k, child := range msg.entries {
			v, err := deflateMessage(child)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, protocolErrorf("unsupported message type: %T", m)
	}
}

func prefixed(prefix byte, b []byte) []byte {
	out := make([]byte, len(b)+1)
	out[0] = prefix
	copy(out[1:], b)
	return out
}

func inflateMessage(v interface{}) (Message, error) {
	switch val := v.(type) {
	case nil:
		return NullMessage{}, nil
	case string:
		return StringMessage(val), nil
	case bool:
		return BooleanMessage(val), nil
	case int8:
		return IntegerMessage(val), nil
	case int16:
		return IntegerMessage(val), nil
	case int32:
		return IntegerMessage(val), nil
	case int64:
		return IntegerMessage(val), nil
	case uint8:
		return IntegerMessage(val), nil
	case uint16:
		return IntegerMessage(val), nil
	case uint32:
		return IntegerMessage(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, protocolErrorf("integer out of range: %d", val)
		}
		return IntegerMessage(val), nil
	case []byte:
		return inflateBytes(val)
	case map[string]interface{}:
		c := CompositeMessage{entries: make(map[string]Message, len(val))}
		for k, raw := range val {
			child, err := inflateMessage(raw)
			if err != nil {
				return nil, err
			}
			c.entries[k] = child
		}
		return c, nil
	case map[interface{}]interface{}:
		c := CompositeMessage{entries: make(map[string]Message, len(val))}
		for rawKey, raw := range val {
			k, ok := rawKey.(string)
			if !ok {
				return nil, protocolErrorf("unsupported composite key type: %T", rawKey)
			}
			child, err := inflateMessage(raw)
			if err != nil {
				return nil, err
			}
			c.entries[k] = child
		}
		return c, nil
	default:
		return nil, protocolErrorf("unsupported message type: %T", v)
	}
}

func inflateBytes(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, protocolErrorf("unsupported message type: empty byte sequence")
	}
	switch b[0] {
	case prefixBinary:
		return BinaryMessage(append([]byte(nil), b[1:]...)), nil
	case prefixAddress:
		a, err := AddressFromBytes(b[1:])
		if err != nil {
			return nil, &ProtocolError{Reason: "address message", Err: err}
		}
		return AddressMessage(a), nil
	default:
		return nil, protocolErrorf("unsupported message type: byte discriminator 0x%02x", b[0])
	}
}

// signalString renders s for logs.
func signalString(s Signal) string {
	switch sig := s.(type) {
	case Failed:
		if cause, ok := sig.Cause(); ok {
			return fmt.Sprintf("FAILED(%q)", cause)
		}
		return tagFailed
	case Deliver:
		return "DELIVER(" + sig.Delivery.String() + ")"
	default:
		return SignalName(s)
	}
}
