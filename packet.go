package dish

// Packet is the opaque unit moved by a transport. Only an Encoding looks
// inside it.
type Packet struct {
	b []byte
}

// NewPacket copies b into a new packet.
func NewPacket(b []byte) Packet {
	return Packet{b: append([]byte(nil), b...)}
}

// packetOf wraps b without copying. The caller must not retain b.
func packetOf(b []byte) Packet {
	return Packet{b: b}
}

// Bytes returns a copy of the packet contents.
func (p Packet) Bytes() []byte {
	return append([]byte(nil), p.b...)
}

func (p Packet) Len() int {
	return len(p.b)
}
