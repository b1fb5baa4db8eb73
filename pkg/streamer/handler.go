package streamer

import (
	"context"
	"sync"
)

// Handler is the per-session runtime contract for user code.
//
// Receive is called once per normalized inbound frame and must not block the
// transport. Emit is polled by the outbound pump and must return promptly;
// a nil Output means nothing to send yet. Copy returns a fresh handler with
// identical configuration and no shared mutable state; it is called exactly
// once per new session so concurrent sessions never interfere. Shutdown is
// called once on teardown and must be idempotent.
type Handler interface {
	Props() Props
	Receive(frame *AudioFrame) error
	Emit() (Output, error)
	Copy() Handler
	Shutdown()
}

// Starter is implemented by handlers that need one-time setup after Copy and
// before the first Receive or Emit.
type Starter interface {
	StartUp(ctx context.Context) error
}

// OutboundFlusher is implemented by handlers that can interrupt in-flight
// playback. The outbound pump drains the returned channel; each tick tells it
// to drop any buffered frames and pad the re-framer out to a frame boundary.
type OutboundFlusher interface {
	FlushOutbound() <-chan struct{}
}

// VideoHandler extends Handler with a video path for audio-video sessions.
type VideoHandler interface {
	Handler
	VideoReceive(frame *VideoFrame) error
	VideoEmit() (Output, error)
}

// VideoEventHandler is the callback form used for pure video sessions: it
// maps one inbound frame (plus the current input snapshot, sentinel
// replaced) to one output.
type VideoEventHandler func(frame *VideoFrame, args []any) (Output, error)

// HandlerBase carries the runtime plumbing every handler needs: the control
// channel, the input snapshot, and phone-mode behavior. Embed it and the
// runtime wires it up before the first Receive.
type HandlerBase struct {
	mu sync.Mutex

	props   Props
	channel DataChannel

	channelReady bool
	channelCh    chan struct{}

	latestArgs []any
	argsReady  bool
	argsCh     chan struct{}

	phoneMode bool
}

// NewHandlerBase initialises a HandlerBase with the declared audio props.
func NewHandlerBase(props Props) HandlerBase {
	return HandlerBase{
		props:     props,
		channelCh: make(chan struct{}),
		argsCh:    make(chan struct{}),
	}
}

// Props returns the declared audio parameters.
func (b *HandlerBase) Props() Props {
	return b.props
}

// SetChannel attaches the session control channel. Called by the runtime
// once the transport is up.
func (b *HandlerBase) SetChannel(ch DataChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channel = ch
	if !b.channelReady {
		b.channelReady = true
		close(b.channelCh)
	}
}

// Channel returns the attached control channel, or nil before SetChannel.
func (b *HandlerBase) Channel() DataChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channel
}

// WaitForChannel blocks until the control channel is attached.
func (b *HandlerBase) WaitForChannel(ctx context.Context) error {
	b.mu.Lock()
	ch := b.channelCh
	ready := b.channelReady
	b.mu.Unlock()
	if ready {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage sends a control message if a channel is attached. Messages
// sent before attachment are dropped; the control channel is best-effort
// until negotiation completes.
func (b *HandlerBase) SendMessage(msg ControlMsg) error {
	ch := b.Channel()
	if ch == nil {
		return nil
	}
	return ch.Send(msg)
}

// SetArgs atomically replaces the input snapshot. Index 0 is always the
// reserved media sentinel; callers pass only the user values.
func (b *HandlerBase) SetArgs(args []any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := make([]any, 0, len(args)+1)
	snapshot = append(snapshot, WebRTCValue)
	snapshot = append(snapshot, args...)
	b.latestArgs = snapshot
	if !b.argsReady {
		b.argsReady = true
		close(b.argsCh)
	}
}

// Args returns a stable copy of the current input snapshot.
func (b *HandlerBase) Args() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]any, len(b.latestArgs))
	copy(out, b.latestArgs)
	return out
}

// ArgsReady reports whether an input snapshot has been set since the last
// Reset.
func (b *HandlerBase) ArgsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.argsReady
}

// WaitForArgs requests fresh inputs over the control channel and blocks
// until the client posts them. In phone mode no inputs are expected, so the
// snapshot is pre-populated with a single nil and the call returns
// immediately.
func (b *HandlerBase) WaitForArgs(ctx context.Context) error {
	b.mu.Lock()
	if b.phoneMode {
		if !b.argsReady {
			b.latestArgs = []any{nil}
			b.argsReady = true
			close(b.argsCh)
		}
		b.mu.Unlock()
		return nil
	}
	ch := b.argsCh
	ready := b.argsReady
	b.mu.Unlock()
	if ready {
		return nil
	}

	if err := b.SendMessage(NewControlMsg(ControlSendInput, "")); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetPhoneMode flags the session as a telephone bridge.
func (b *HandlerBase) SetPhoneMode(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phoneMode = on
}

// PhoneMode reports whether the session is a telephone bridge.
func (b *HandlerBase) PhoneMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phoneMode
}

// Reset re-arms the args gate for the next turn. Phone-mode sessions keep
// the gate open because inputs never arrive.
func (b *HandlerBase) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phoneMode {
		return
	}
	if b.argsReady {
		b.argsReady = false
		b.argsCh = make(chan struct{})
	}
}
