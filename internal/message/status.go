package message

// Status is the delivery status of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// ranks orders the delivery lifecycle. failed has no rank.
var ranks = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := ranks[s]
	return ok || s == StatusFailed
}

// Rank returns the position of s in the delivery lifecycle. ok is false for
// failed and unknown values.
func (s Status) Rank() (rank int, ok bool) {
	rank, ok = ranks[s]
	return rank, ok
}

// Confirmed reports whether s can only have been produced by the server
// accepting the message.
func (s Status) Confirmed() bool {
	r, ok := s.Rank()
	return ok && r >= ranks[StatusSent]
}

// GuardStatus returns the status a message holds after an update carrying
// incoming is merged into a message holding current.
//
// Ranks never go down. failed is reachable only from sending and only through
// a non-network source. A server confirmation (sent or higher) is final and
// wins over a local failure in either arrival order.
func GuardStatus(current, incoming Status, src Source) Status {
	switch {
	case incoming == "" || incoming == current || !incoming.Valid():
		return current
	case current == "":
		if incoming == StatusFailed && src == SourceNetwork {
			return current
		}
		return incoming
	case incoming == StatusFailed:
		if src != SourceNetwork && current == StatusSending {
			return StatusFailed
		}
		return current
	case current == StatusFailed:
		if incoming.Confirmed() {
			return incoming
		}
		return current
	}
	cr, _ := current.Rank()
	ir, _ := incoming.Rank()
	if ir > cr {
		return incoming
	}
	return current
}
