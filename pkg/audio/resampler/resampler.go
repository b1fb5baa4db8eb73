// Package resampler converts mono int16 PCM between sample rates. It is used
// at every boundary where peer-negotiated audio formats differ from the
// handler-declared ones. Each instance keeps streaming filter state so a
// continuous stream can be fed frame by frame without clicks at the seams.
package resampler

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a mono int16 PCM stream between two sample rates.
// It is not safe for concurrent use; each stream direction owns one.
type Resampler struct {
	inRate  int
	outRate int

	// rs is nil when the rates are equal and samples pass through untouched.
	rs resampling.Resampler
}

// New creates a resampler from inRate to outRate. Both rates must be
// positive.
func New(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("resampler: invalid rates %d -> %d", inRate, outRate)
	}
	r := &Resampler{
		inRate:  inRate,
		outRate: outRate,
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resampler) init() error {
	if r.inRate == r.outRate {
		r.rs = nil
		return nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(r.inRate),
		OutputRate: float64(r.outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return fmt.Errorf("resampler: %d -> %d: %w", r.inRate, r.outRate, err)
	}
	r.rs = rs
	return nil
}

// InRate returns the configured input rate.
func (r *Resampler) InRate() int { return r.inRate }

// OutRate returns the configured output rate.
func (r *Resampler) OutRate() int { return r.outRate }

// Reset drops all filter state. Call after a mid-stream rate renegotiation.
func (r *Resampler) Reset() {
	// Rebuilding cannot fail with a config New has already accepted.
	_ = r.init()
}

// Process converts the next chunk of the stream. Output length varies by a
// few samples between calls; filter state carries to the next call.
func (r *Resampler) Process(in []int16) []int16 {
	if r.rs == nil {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	if len(in) == 0 {
		return nil
	}

	input := make([]float64, len(in))
	for i, s := range in {
		input[i] = float64(s) / 32768.0
	}
	output, err := r.rs.Process(input)
	if err != nil || len(output) == 0 {
		return nil
	}

	out := make([]int16, len(output))
	for i, s := range output {
		switch {
		case s > 1.0:
			out[i] = 32767
		case s < -1.0:
			out[i] = -32768
		default:
			out[i] = int16(s * 32767.0)
		}
	}
	return out
}

// Flush pushes one frame of silence through the filter to drain its tail,
// then resets the stream state.
func (r *Resampler) Flush() []int16 {
	if r.rs == nil {
		return nil
	}
	out := r.Process(make([]int16, r.inRate/50))
	r.Reset()
	return out
}
