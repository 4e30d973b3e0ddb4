package consult

import "errors"

var (
	ErrNotMember        = errors.New("consult: not a participant of this consultation")
	ErrNotLive          = errors.New("consult: consultation is not live")
	ErrRoomFull         = errors.New("consult: call room already has two connections")
	ErrCallInProgress   = errors.New("consult: call already in progress")
	ErrCallNotRinging   = errors.New("consult: no ringing call to accept")
	ErrPeerNotConnected = errors.New("consult: both participants must be connected")
)
