package streamer

import "sync"

// EchoHandler loops inbound audio straight back to the peer. Useful for
// wiring checks and latency measurements.
type EchoHandler struct {
	HandlerBase

	mu    sync.Mutex
	queue []*AudioFrame
}

var _ Handler = (*EchoHandler)(nil)

// NewEchoHandler creates an echo handler with the given props.
func NewEchoHandler(props Props) *EchoHandler {
	return &EchoHandler{HandlerBase: NewHandlerBase(props)}
}

func (h *EchoHandler) Receive(frame *AudioFrame) error {
	h.mu.Lock()
	h.queue = append(h.queue, frame)
	h.mu.Unlock()
	return nil
}

func (h *EchoHandler) Emit() (Output, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return nil, nil
	}
	frame := h.queue[0]
	h.queue = h.queue[1:]
	return frame, nil
}

func (h *EchoHandler) Copy() Handler {
	return NewEchoHandler(h.Props())
}

func (h *EchoHandler) Shutdown() {
	h.mu.Lock()
	h.queue = nil
	h.mu.Unlock()
}
