package audio

import (
	"encoding/binary"
	"math"
)

// BytesToInt16 reinterprets little-endian 16-bit PCM bytes as samples.
// A trailing odd byte is dropped.
func BytesToInt16(data []byte) []int16 {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples
}

// Int16ToBytes serializes samples as little-endian 16-bit PCM.
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
	}
	return data
}

// Int16ToFloat32 converts PCM samples to the [-1, 1) float range the VAD
// model expects.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts float samples back to 16-bit PCM with clipping.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32768.0
		switch {
		case v > math.MaxInt16:
			out[i] = math.MaxInt16
		case v < math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// DownmixStereo averages interleaved stereo samples into mono.
func DownmixStereo(samples []int16) []int16 {
	out := make([]int16, len(samples)/2)
	for i := range out {
		out[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
	}
	return out
}

// UpmixMono duplicates mono samples into interleaved stereo.
func UpmixMono(samples []int16) []int16 {
	out := make([]int16, 2*len(samples))
	for i, s := range samples {
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}

// ByteAggregator converts an arbitrarily-chunked stream of little-endian
// 16-bit PCM bytes into samples, carrying a split sample across calls. Useful
// for TTS sources that deliver raw byte chunks with no frame alignment.
type ByteAggregator struct {
	carry   []byte
	hasOdd  bool
	oddByte byte
}

// Write appends a chunk and returns every complete sample available so far.
func (a *ByteAggregator) Write(chunk []byte) []int16 {
	if a.hasOdd {
		a.carry = append(a.carry[:0], a.oddByte)
		a.carry = append(a.carry, chunk...)
		chunk = a.carry
		a.hasOdd = false
	}
	if len(chunk)%2 != 0 {
		a.oddByte = chunk[len(chunk)-1]
		a.hasOdd = true
		chunk = chunk[:len(chunk)-1]
	}
	return BytesToInt16(chunk)
}

// Reset discards any carried partial sample.
func (a *ByteAggregator) Reset() {
	a.hasOdd = false
}

// RMS computes the root-mean-square energy of the samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
