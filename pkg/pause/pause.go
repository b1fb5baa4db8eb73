// Package pause implements the VAD-driven turn-taking engines. ReplyOnPause
// invokes a user generator once per detected utterance and streams its output
// back until the caller speaks again; ReplyOnStopwords additionally gates
// each turn on a spoken wake phrase.
package pause

import (
	"context"
	"errors"
	"sync"

	"github.com/freddyaboulton/gradio-webrtc/pkg/commons"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
	"github.com/freddyaboulton/gradio-webrtc/pkg/vad"
)

// DefaultModelPath is where the bundled Silero ONNX model is expected when no
// explicit path or model instance is configured.
const DefaultModelPath = "models/silero_vad.onnx"

// defaultOutputQueueSize bounds outputs awaiting the outbound pump. At the
// default 20 ms frame size this is roughly one second of audio.
const defaultOutputQueueSize = 48

// ReplyFn is the user generator. It receives the full utterance and the
// current input snapshot (sentinel removed) and yields outputs through yield.
// It must return promptly once ctx is cancelled; yield reports the
// cancellation as an error to help it unwind.
type ReplyFn func(ctx context.Context, utterance *streamer.AudioFrame, args []any, yield func(streamer.Output) error) error

// StartupFn runs once per session before any utterance, e.g. to play a
// greeting. Same yield contract as ReplyFn.
type StartupFn func(ctx context.Context, yield func(streamer.Output) error) error

type state int

const (
	stateListening state = iota
	stateResponding
)

// queuedOutput tags each generator output with the turn generation that
// produced it, so outputs raced past an interrupt can be discarded.
type queuedOutput struct {
	out streamer.Output
	gen uint64
}

// Option configures a ReplyOnPause or ReplyOnStopwords engine.
type Option func(*config)

type config struct {
	props      streamer.Props
	modelPath  string
	model      vad.Model
	modelOpts  vad.Options
	algoOpts   vad.GateOptions
	canInterr  bool
	startupFn  StartupFn
	queueSize  int
	logger     commons.Logger
}

// WithProps overrides the declared audio parameters.
func WithProps(p streamer.Props) Option {
	return func(c *config) { c.props = p }
}

// WithModelPath sets the Silero ONNX model file loaded through the shared
// registry.
func WithModelPath(path string) Option {
	return func(c *config) { c.modelPath = path }
}

// WithModel injects a VAD model directly, bypassing the registry.
func WithModel(m vad.Model) Option {
	return func(c *config) { c.model = m }
}

// WithModelOptions tunes the underlying VAD model.
func WithModelOptions(o vad.Options) Option {
	return func(c *config) { c.modelOpts = o }
}

// WithAlgoOptions tunes the chunked turn-taking thresholds.
func WithAlgoOptions(o vad.GateOptions) Option {
	return func(c *config) { c.algoOpts = o }
}

// WithCanInterrupt controls barge-in: when true, renewed speech during a
// response cancels the running generator. Default true.
func WithCanInterrupt(on bool) Option {
	return func(c *config) { c.canInterr = on }
}

// WithStartupFn registers a generator invoked once at session start.
func WithStartupFn(fn StartupFn) Option {
	return func(c *config) { c.startupFn = fn }
}

// WithOutputQueueSize bounds the number of outputs buffered between the
// generator and the outbound pump.
func WithOutputQueueSize(n int) Option {
	return func(c *config) { c.queueSize = n }
}

// WithLogger sets the engine logger.
func WithLogger(l commons.Logger) Option {
	return func(c *config) { c.logger = l }
}

func newConfig(opts ...Option) config {
	c := config{
		props:     streamer.DefaultProps(),
		modelPath: DefaultModelPath,
		modelOpts: vad.DefaultOptions(),
		algoOpts:  vad.DefaultGateOptions(),
		canInterr: true,
		queueSize: defaultOutputQueueSize,
	}
	for _, o := range opts {
		o(&c)
	}
	if c.logger == nil {
		c.logger = commons.NewNopLogger()
	}
	return c
}

// ReplyOnPause is a streamer.Handler that listens for a complete utterance,
// then invokes fn exactly once with it. While fn is streaming output, renewed
// speech cancels it (barge-in) unless interruption is disabled.
type ReplyOnPause struct {
	streamer.HandlerBase

	cfg config
	fn  ReplyFn

	model vad.Model
	gate  *vad.Gate

	out     chan queuedOutput
	flushCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu         sync.Mutex
	st         state
	gen        uint64
	turnCancel context.CancelFunc
}

var (
	_ streamer.Handler         = (*ReplyOnPause)(nil)
	_ streamer.Starter         = (*ReplyOnPause)(nil)
	_ streamer.OutboundFlusher = (*ReplyOnPause)(nil)
)

// NewReplyOnPause builds the engine around the user generator fn.
func NewReplyOnPause(fn ReplyFn, opts ...Option) (*ReplyOnPause, error) {
	cfg := newConfig(opts...)
	if fn == nil {
		return nil, errors.New("reply function must not be nil")
	}

	model := cfg.model
	if model == nil {
		m, err := vad.GetModel(cfg.logger, cfg.modelPath, cfg.modelOpts)
		if err != nil {
			return nil, err
		}
		model = m
	}
	gate, err := vad.NewGate(model, cfg.props.InputSampleRate, cfg.algoOpts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ReplyOnPause{
		HandlerBase: streamer.NewHandlerBase(cfg.props),
		cfg:         cfg,
		fn:          fn,
		model:       model,
		gate:        gate,
		out:         make(chan queuedOutput, cfg.queueSize),
		flushCh:     make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Copy returns a fresh engine for a new session. The VAD model is shared;
// everything else is per-session.
func (e *ReplyOnPause) Copy() streamer.Handler {
	clone, err := NewReplyOnPause(e.fn, append([]Option{WithModel(e.model)}, e.copyOpts()...)...)
	if err != nil {
		// Only reachable through invalid props, which the original engine
		// already validated.
		panic(err)
	}
	return clone
}

func (e *ReplyOnPause) copyOpts() []Option {
	return []Option{
		WithProps(e.cfg.props),
		WithModelOptions(e.cfg.modelOpts),
		WithAlgoOptions(e.cfg.algoOpts),
		WithCanInterrupt(e.cfg.canInterr),
		WithStartupFn(e.cfg.startupFn),
		WithOutputQueueSize(e.cfg.queueSize),
		WithLogger(e.cfg.logger),
	}
}

// StartUp runs the configured startup generator, if any. The greeting plays
// in the background; utterance handling begins immediately.
func (e *ReplyOnPause) StartUp(_ context.Context) error {
	if e.cfg.startupFn == nil {
		return nil
	}
	turnCtx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	e.st = stateResponding
	e.turnCancel = cancel
	gen := e.gen
	e.mu.Unlock()
	go e.runTurn(turnCtx, cancel, gen, func(yield func(streamer.Output) error) error {
		return e.cfg.startupFn(turnCtx, yield)
	})
	return nil
}

// Receive feeds one inbound frame through the VAD gate and advances the
// turn-taking state machine.
func (e *ReplyOnPause) Receive(frame *streamer.AudioFrame) error {
	events, err := e.gate.Process(frame)
	if err != nil {
		return err
	}
	for _, ev := range events {
		e.handleEvent(ev)
	}
	return nil
}

func (e *ReplyOnPause) handleEvent(ev vad.Event) {
	switch ev.Type {
	case vad.EventStarted:
		e.mu.Lock()
		responding := e.st == stateResponding
		e.mu.Unlock()
		if responding && e.cfg.canInterr {
			e.interrupt()
		}
	case vad.EventPaused:
		e.startTurn(ev.Utterance)
	}
}

// interrupt cancels the running generator and clears everything already
// queued so the peer hears the cutoff promptly. Bumping the generation
// invalidates any output the cancelled turn manages to enqueue after the
// drain below.
func (e *ReplyOnPause) interrupt() {
	e.mu.Lock()
	e.gen++
	cancel := e.turnCancel
	e.turnCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	for {
		select {
		case <-e.out:
			continue
		default:
		}
		break
	}
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
	e.cfg.logger.Debugw("Generator interrupted by renewed speech")
}

func (e *ReplyOnPause) startTurn(utterance *streamer.AudioFrame) {
	if err := e.SendMessage(streamer.NewControlMsg(streamer.ControlPauseDetected, "")); err != nil {
		e.cfg.logger.Warnw("Failed to send pause_detected", "error", err)
	}

	turnCtx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	if e.turnCancel != nil {
		e.turnCancel()
	}
	e.st = stateResponding
	e.turnCancel = cancel
	gen := e.gen
	e.mu.Unlock()

	go e.runTurn(turnCtx, cancel, gen, func(yield func(streamer.Output) error) error {
		if err := e.WaitForArgs(turnCtx); err != nil {
			return err
		}
		args := e.Args()
		if len(args) > 0 {
			args = args[1:]
		}
		return e.fn(turnCtx, utterance, args, yield)
	})
}

// runTurn executes one generator invocation and restores the listening state
// when it finishes, fails, or is cancelled.
func (e *ReplyOnPause) runTurn(ctx context.Context, cancel context.CancelFunc, gen uint64, run func(yield func(streamer.Output) error) error) {
	defer cancel()

	started := false
	yield := func(out streamer.Output) error {
		if out == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !started {
			if _, ok := out.(*streamer.AdditionalOutputs); !ok {
				started = true
				if err := e.SendMessage(streamer.NewControlMsg(streamer.ControlResponseStarting, "")); err != nil {
					e.cfg.logger.Warnw("Failed to send response_starting", "error", err)
				}
			}
		}
		select {
		case e.out <- queuedOutput{out: out, gen: gen}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := run(yield)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// Barge-in or shutdown; nothing to report.
	default:
		e.cfg.logger.Errorw("Generator failed", "error", err)
		if serr := e.SendMessage(streamer.NewControlMsg(streamer.ControlError, err.Error())); serr != nil {
			e.cfg.logger.Warnw("Failed to send error message", "error", serr)
		}
	}

	e.mu.Lock()
	e.st = stateListening
	if e.turnCancel != nil {
		e.turnCancel = nil
	}
	e.mu.Unlock()
}

// Emit returns the next queued output, or nil when the generator has nothing
// ready. Outputs left over from an interrupted turn are discarded. Never
// blocks.
func (e *ReplyOnPause) Emit() (streamer.Output, error) {
	for {
		select {
		case q := <-e.out:
			e.mu.Lock()
			current := e.gen
			e.mu.Unlock()
			if q.gen != current {
				continue
			}
			return q.out, nil
		default:
			return nil, nil
		}
	}
}

// FlushOutbound signals the outbound pump after an interrupt.
func (e *ReplyOnPause) FlushOutbound() <-chan struct{} {
	return e.flushCh
}

// Responding reports whether a generator invocation is in flight.
func (e *ReplyOnPause) Responding() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st == stateResponding
}

// Shutdown cancels any running generator and releases the session. The
// shared VAD model stays registered for other sessions.
func (e *ReplyOnPause) Shutdown() {
	e.once.Do(func() {
		e.mu.Lock()
		truncated := e.st == stateResponding
		e.mu.Unlock()
		if truncated {
			if err := e.SendMessage(streamer.NewControlMsg(streamer.ControlWarning, "stream closed mid-response; output truncated")); err != nil {
				e.cfg.logger.Debugw("Failed to send truncation warning", "error", err)
			}
		}
		e.cancel()
	})
}
