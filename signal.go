package dish

// Signal is a protocol-level event exchanged between nodes. The set of
// variants is closed: Ok, Failed, Deliver, Join and Leave.
type Signal interface {
	isSignal()
}

// Ok is the only affirmative acknowledgement.
type Ok struct{}

// Failed reports that a request was not completed. The cause is optional and
// an empty cause is distinct from no cause.
type Failed struct {
	cause    string
	hasCause bool
}

// Deliver carries a Delivery to the peer.
type Deliver struct {
	Delivery Delivery
}

type Join struct{}

type Leave struct{}

func (Ok) isSignal()      {}
func (Failed) isSignal()  {}
func (Deliver) isSignal() {}
func (Join) isSignal()    {}
func (Leave) isSignal()   {}

// NewFailed returns a Failed signal without a cause.
func NewFailed() Failed {
	return Failed{}
}

// FailedWith returns a Failed signal carrying cause.
func FailedWith(cause string) Failed {
	return Failed{cause: cause, hasCause: true}
}

// Cause returns the failure cause and whether one was given.
func (f Failed) Cause() (string, bool) {
	return f.cause, f.hasCause
}

// SignalEqual reports whether a and b are the same signal value.
func SignalEqual(a, b Signal) bool {
	switch av := a.(type) {
	case Ok:
		_, ok := b.(Ok)
		return ok
	case Failed:
		bv, ok := b.(Failed)
		return ok && av == bv
	case Deliver:
		bv, ok := b.(Deliver)
		return ok && av.Delivery.Equal(bv.Delivery)
	case Join:
		_, ok := b.(Join)
		return ok
	case Leave:
		_, ok := b.(Leave)
		return ok
	default:
		return false
	}
}

// SignalName returns the wire tag of s, or "UNKNOWN".
func SignalName(s Signal) string {
	switch s.(type) {
	case Ok:
		return tagOk
	case Failed:
		return tagFailed
	case Deliver:
		return tagDeliver
	case Join:
		return tagJoin
	case Leave:
		return tagLeave
	default:
		return "UNKNOWN"
	}
}
