package streamer

import "encoding/json"

// ControlType enumerates the message types carried on the control channel.
type ControlType string

const (
	ControlSendInput         ControlType = "send_input"
	ControlFetchOutput       ControlType = "fetch_output"
	ControlStopword          ControlType = "stopword"
	ControlError             ControlType = "error"
	ControlWarning           ControlType = "warning"
	ControlLog               ControlType = "log"
	ControlPauseDetected     ControlType = "pause_detected"
	ControlResponseStarting  ControlType = "response_starting"
	ControlConnectionTimeout ControlType = "connection_timeout"
)

// ControlMsg is one structured message on the control side-channel. Data is
// either a string or an arbitrary JSON-serialisable object.
type ControlMsg struct {
	Type ControlType `json:"type"`
	Data any         `json:"data"`
}

// NewControlMsg builds a control message.
func NewControlMsg(t ControlType, data any) ControlMsg {
	return ControlMsg{Type: t, Data: data}
}

// Marshal serialises the message to its wire form.
func (m ControlMsg) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// DataChannel is the reliable in-order transport a control message rides on:
// a WebRTC data channel named "text", or the WebSocket that also carries
// media.
type DataChannel interface {
	Send(msg ControlMsg) error
}

// DataChannelFunc adapts a function to the DataChannel interface.
type DataChannelFunc func(msg ControlMsg) error

func (f DataChannelFunc) Send(msg ControlMsg) error { return f(msg) }
