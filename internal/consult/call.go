package consult

type CallState string

const (
	CallIdle       CallState = "idle"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallActive     CallState = "active"
	CallEnded      CallState = "ended"
)

type CallAction string

const (
	CallActionStart  CallAction = "start"
	CallActionAccept CallAction = "accept"
	CallActionReject CallAction = "reject"
	CallActionEnd    CallAction = "end"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// callSession tracks the single call a call room can host at a time.
// All transitions happen on the owning room's goroutine, so no locking.
type callSession struct {
	state     CallState
	initiator string
}

func newCallSession() *callSession {
	return &callSession{state: CallIdle}
}

// start moves idle to ringing. A room whose previous call ended may host
// another, so ended counts as idle here.
func (c *callSession) start(initiatorId string) error {
	if c.state != CallIdle && c.state != CallEnded {
		return ErrCallInProgress
	}

	c.state = CallRinging
	c.initiator = initiatorId
	return nil
}

func (c *callSession) accept() error {
	if c.state != CallRinging {
		return ErrCallNotRinging
	}

	c.state = CallConnecting
	return nil
}

// offer moves the session to connecting when an SDP offer arrives before
// an explicit accept. Reports whether the state changed.
func (c *callSession) offer() bool {
	switch c.state {
	case CallIdle, CallRinging, CallEnded:
		c.state = CallConnecting
		return true
	}
	return false
}

// answer completes the SDP exchange. Reports whether the state changed.
func (c *callSession) answer() bool {
	if c.state != CallConnecting {
		return false
	}

	c.state = CallActive
	return true
}

// end terminates the call from any in-flight state. Reports whether
// there was a call to end, so repeated end requests broadcast only once.
func (c *callSession) end() bool {
	if !c.inFlight() {
		return false
	}

	c.state = CallEnded
	c.initiator = ""
	return true
}

func (c *callSession) inFlight() bool {
	switch c.state {
	case CallRinging, CallConnecting, CallActive:
		return true
	}
	return false
}
