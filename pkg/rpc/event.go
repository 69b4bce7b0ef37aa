package rpc

import (
	"fmt"
)

// Event is a session lifecycle event emitted by a provider. The set of
// variants is closed.
type Event interface {
	isEvent()
	String() string
}

// Connected is emitted once the session is established
type Connected struct{}

// Closed is emitted once the underlying connection is gone
type Closed struct{}

// SocketError reports a failure of the underlying connection
type SocketError struct {
	Err error
}

// GenericError reports a session level failure
type GenericError struct {
	Err error
}

// FrameError reports a frame the peer sent that could not be processed
type FrameError struct {
	FrameType uint8
	ErrCode   uint32
	StreamID  uint32
}

// GoingAway reports the peer will accept no streams beyond LastStreamID
type GoingAway struct {
	ErrCode      uint32
	LastStreamID uint32
	DebugData    []byte
}

func (Connected) isEvent()    {}
func (Closed) isEvent()       {}
func (SocketError) isEvent()  {}
func (GenericError) isEvent() {}
func (FrameError) isEvent()   {}
func (GoingAway) isEvent()    {}

func (Connected) String() string {
	return "connected"
}

func (Closed) String() string {
	return "closed"
}

func (e SocketError) String() string {
	return fmt.Sprintf("socket error: %v", e.Err)
}

func (e GenericError) String() string {
	return fmt.Sprintf("session error: %v", e.Err)
}

func (e FrameError) String() string {
	return fmt.Sprintf("frame error: (frameType: %d, errorCode: %d, streamId: %d)", e.FrameType, e.ErrCode, e.StreamID)
}

func (e GoingAway) String() string {
	return fmt.Sprintf("GOAWAY received: (errorCode: %d, lastStreamId: %d, opaqueData: %q)", e.ErrCode, e.LastStreamID, e.DebugData)
}
