package pause

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freddyaboulton/gradio-webrtc/pkg/audio"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
	"github.com/freddyaboulton/gradio-webrtc/pkg/vad"
)

const testRate = 16000

// windowSamples is one default analysis window (0.6s) at the test rate.
const windowSamples = 9600

// energyModel mirrors the deterministic fake used by the gate tests.
type energyModel struct{}

func (energyModel) SpeechDuration(samples []float32) (float64, error) {
	loud := 0
	for _, s := range samples {
		if s > 0.3 || s < -0.3 {
			loud++
		}
	}
	return float64(loud) / float64(vad.ModelSampleRate), nil
}

func (energyModel) Close() error { return nil }

type recordingChannel struct {
	mu   sync.Mutex
	msgs []streamer.ControlMsg
}

func (r *recordingChannel) Send(msg streamer.ControlMsg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingChannel) types() []streamer.ControlType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]streamer.ControlType, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Type
	}
	return out
}

func (r *recordingChannel) first(t streamer.ControlType) (streamer.ControlMsg, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.Type == t {
			return m, true
		}
	}
	return streamer.ControlMsg{}, false
}

func (r *recordingChannel) count(t streamer.ControlType) int {
	n := 0
	for _, typ := range r.types() {
		if typ == t {
			n++
		}
	}
	return n
}

func testProps() streamer.Props {
	return streamer.Props{
		InputSampleRate:  testRate,
		OutputSampleRate: testRate,
		OutputFrameSize:  320,
		ExpectedLayout:   audio.LayoutMono,
	}
}

func defaultTestOpts(extra ...Option) []Option {
	return append([]Option{
		WithModel(energyModel{}),
		WithProps(testProps()),
	}, extra...)
}

func speechFrame(n int) *streamer.AudioFrame {
	data := make([]int16, n)
	for i := range data {
		data[i] = 20000
	}
	return &streamer.AudioFrame{SampleRate: testRate, Channels: 1, Data: data}
}

func silenceFrame(n int) *streamer.AudioFrame {
	return &streamer.AudioFrame{SampleRate: testRate, Channels: 1, Data: make([]int16, n)}
}

// feedUtterance drives one complete speech-then-pause sequence through the
// engine.
func feedUtterance(t *testing.T, h streamer.Handler) {
	t.Helper()
	require.NoError(t, h.Receive(speechFrame(windowSamples)))
	require.NoError(t, h.Receive(silenceFrame(windowSamples)))
}

func drainOutputs(t *testing.T, e *ReplyOnPause, want int) []*streamer.AudioFrame {
	t.Helper()
	var frames []*streamer.AudioFrame
	require.Eventually(t, func() bool {
		for {
			out, err := e.Emit()
			require.NoError(t, err)
			if out == nil {
				break
			}
			if f, ok := out.(*streamer.AudioFrame); ok {
				frames = append(frames, f)
			}
		}
		return len(frames) >= want
	}, 2*time.Second, 5*time.Millisecond)
	return frames
}

func TestSingleTurnControlOrdering(t *testing.T) {
	reply := func(ctx context.Context, utterance *streamer.AudioFrame, args []any, yield func(streamer.Output) error) error {
		if err := yield(&streamer.AudioFrame{SampleRate: testRate, Channels: 1, Data: make([]int16, 320)}); err != nil {
			return err
		}
		return yield(&streamer.AudioFrame{SampleRate: testRate, Channels: 1, Data: make([]int16, 320)})
	}

	e, err := NewReplyOnPause(reply, defaultTestOpts()...)
	require.NoError(t, err)
	defer e.Shutdown()

	ch := &recordingChannel{}
	e.SetChannel(ch)
	e.SetArgs(nil)

	feedUtterance(t, e)

	frames := drainOutputs(t, e, 2)
	assert.Len(t, frames, 2)

	require.Eventually(t, func() bool { return !e.Responding() }, 2*time.Second, 5*time.Millisecond,
		"engine should return to listening after the generator finishes")

	types := ch.types()
	require.Len(t, types, 2)
	assert.Equal(t, streamer.ControlPauseDetected, types[0])
	assert.Equal(t, streamer.ControlResponseStarting, types[1])
}

func TestGeneratorReceivesUtteranceAndArgs(t *testing.T) {
	var (
		mu       sync.Mutex
		gotLen   int
		gotArgs  []any
		invoked  int
	)
	reply := func(ctx context.Context, utterance *streamer.AudioFrame, args []any, yield func(streamer.Output) error) error {
		mu.Lock()
		defer mu.Unlock()
		invoked++
		gotLen = len(utterance.Data)
		gotArgs = args
		return nil
	}

	e, err := NewReplyOnPause(reply, defaultTestOpts()...)
	require.NoError(t, err)
	defer e.Shutdown()
	e.SetArgs([]any{0.7})

	feedUtterance(t, e)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return invoked == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2*windowSamples, gotLen, "utterance spans start window through pause window")
	require.Len(t, gotArgs, 1, "media sentinel must be stripped")
	assert.Equal(t, 0.7, gotArgs[0])
}

func TestBargeInCancelsGenerator(t *testing.T) {
	firstEmitted := make(chan struct{})
	cancelled := make(chan struct{})
	var invocations sync.Map
	var turn int
	var turnMu sync.Mutex

	reply := func(ctx context.Context, utterance *streamer.AudioFrame, args []any, yield func(streamer.Output) error) error {
		turnMu.Lock()
		turn++
		me := turn
		turnMu.Unlock()
		invocations.Store(me, true)

		if err := yield(&streamer.AudioFrame{SampleRate: testRate, Channels: 1, Data: make([]int16, 320)}); err != nil {
			return err
		}
		if me == 1 {
			close(firstEmitted)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		}
		return nil
	}

	e, err := NewReplyOnPause(reply, defaultTestOpts()...)
	require.NoError(t, err)
	defer e.Shutdown()
	ch := &recordingChannel{}
	e.SetChannel(ch)
	e.SetArgs(nil)

	feedUtterance(t, e)

	select {
	case <-firstEmitted:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never produced output")
	}

	// Barge in with fresh speech, then pause again for the second turn.
	require.NoError(t, e.Receive(speechFrame(windowSamples)))
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("barge-in did not cancel the running generator")
	}
	require.NoError(t, e.Receive(silenceFrame(windowSamples)))

	require.Eventually(t, func() bool {
		turnMu.Lock()
		defer turnMu.Unlock()
		return turn == 2
	}, 2*time.Second, 5*time.Millisecond, "new pause should trigger a second invocation")

	assert.Equal(t, 2, ch.count(streamer.ControlPauseDetected))
}

func TestNoStaleFramesAfterBargeIn(t *testing.T) {
	firstEmitted := make(chan struct{})
	staleAttempt := make(chan error, 1)
	var turnMu sync.Mutex
	turn := 0

	// Frames from the doomed first turn carry a marker value so any that
	// leak past the interrupt are identifiable.
	markerFrame := func() *streamer.AudioFrame {
		data := make([]int16, 320)
		for i := range data {
			data[i] = 999
		}
		return &streamer.AudioFrame{SampleRate: testRate, Channels: 1, Data: data}
	}

	reply := func(ctx context.Context, utterance *streamer.AudioFrame, args []any, yield func(streamer.Output) error) error {
		turnMu.Lock()
		turn++
		me := turn
		turnMu.Unlock()
		if me == 1 {
			if err := yield(markerFrame()); err != nil {
				return err
			}
			close(firstEmitted)
			// Sit through the barge-in, then try to push one more frame.
			<-ctx.Done()
			staleAttempt <- yield(markerFrame())
			return ctx.Err()
		}
		return yield(&streamer.AudioFrame{SampleRate: testRate, Channels: 1, Data: make([]int16, 320)})
	}

	e, err := NewReplyOnPause(reply, defaultTestOpts()...)
	require.NoError(t, err)
	defer e.Shutdown()
	e.SetArgs(nil)

	feedUtterance(t, e)
	select {
	case <-firstEmitted:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never produced output")
	}
	drainOutputs(t, e, 1)

	require.NoError(t, e.Receive(speechFrame(windowSamples)))
	select {
	case err := <-staleAttempt:
		assert.Error(t, err, "yield after cancellation reports the cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled generator never observed ctx.Done")
	}

	out, err := e.Emit()
	require.NoError(t, err)
	assert.Nil(t, out, "nothing from the interrupted turn may be delivered")

	// The next turn flows normally and carries no marker frames.
	require.NoError(t, e.Receive(silenceFrame(windowSamples)))
	frames := drainOutputs(t, e, 1)
	for _, f := range frames {
		assert.NotEqual(t, int16(999), f.Data[0], "stale first-turn frame leaked past the interrupt")
	}
}

func TestGeneratorErrorSurfacesAndRecovers(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	reply := func(ctx context.Context, utterance *streamer.AudioFrame, args []any, yield func(streamer.Output) error) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return errors.New("model exploded")
		}
		return yield(&streamer.AudioFrame{SampleRate: testRate, Channels: 1, Data: make([]int16, 320)})
	}

	e, err := NewReplyOnPause(reply, defaultTestOpts()...)
	require.NoError(t, err)
	defer e.Shutdown()
	ch := &recordingChannel{}
	e.SetChannel(ch)
	e.SetArgs(nil)

	feedUtterance(t, e)
	require.Eventually(t, func() bool {
		return ch.count(streamer.ControlError) == 1
	}, 2*time.Second, 5*time.Millisecond, "generator error must surface as an error control message")
	require.Eventually(t, func() bool { return !e.Responding() }, 2*time.Second, 5*time.Millisecond)

	// The engine keeps working after the failure.
	feedUtterance(t, e)
	frames := drainOutputs(t, e, 1)
	assert.NotEmpty(t, frames)
}

func TestAdditionalOutputsDoNotTriggerResponseStarting(t *testing.T) {
	reply := func(ctx context.Context, utterance *streamer.AudioFrame, args []any, yield func(streamer.Output) error) error {
		if err := yield(&streamer.AdditionalOutputs{Values: []any{"meta"}}); err != nil {
			return err
		}
		return yield(&streamer.AudioFrame{SampleRate: testRate, Channels: 1, Data: make([]int16, 320)})
	}

	e, err := NewReplyOnPause(reply, defaultTestOpts()...)
	require.NoError(t, err)
	defer e.Shutdown()
	ch := &recordingChannel{}
	e.SetChannel(ch)
	e.SetArgs(nil)

	feedUtterance(t, e)
	drainOutputs(t, e, 1)

	types := ch.types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, streamer.ControlPauseDetected, types[0])
	assert.Equal(t, streamer.ControlResponseStarting, types[1],
		"response_starting fires on the first media frame, not on side outputs")
}

func TestCopyIsolation(t *testing.T) {
	reply := func(ctx context.Context, utterance *streamer.AudioFrame, args []any, yield func(streamer.Output) error) error {
		return nil
	}
	e, err := NewReplyOnPause(reply, defaultTestOpts()...)
	require.NoError(t, err)
	defer e.Shutdown()
	e.SetArgs([]any{"original"})

	clone := e.Copy().(*ReplyOnPause)
	defer clone.Shutdown()

	assert.False(t, clone.ArgsReady(), "clones start with no input snapshot")
	assert.Equal(t, e.Props(), clone.Props())
	assert.NotSame(t, e.gate, clone.gate)
}

func TestShutdownDuringResponseWarnsTruncation(t *testing.T) {
	started := make(chan struct{})
	reply := func(ctx context.Context, utterance *streamer.AudioFrame, args []any, yield func(streamer.Output) error) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	e, err := NewReplyOnPause(reply, defaultTestOpts()...)
	require.NoError(t, err)
	ch := &recordingChannel{}
	e.SetChannel(ch)
	e.SetArgs(nil)

	feedUtterance(t, e)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("generator never started")
	}

	e.Shutdown()
	assert.Equal(t, 1, ch.count(streamer.ControlWarning), "closing mid-response emits one truncation warning")
}
