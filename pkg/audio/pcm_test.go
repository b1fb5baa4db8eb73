package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesInt16RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	assert.Equal(t, in, BytesToInt16(Int16ToBytes(in)))
}

func TestFloat32ConversionClips(t *testing.T) {
	f := []float32{0, 0.5, -0.5, 1.5, -1.5}
	out := Float32ToInt16(f)
	assert.EqualValues(t, 0, out[0])
	assert.EqualValues(t, 16384, out[1])
	assert.EqualValues(t, -16384, out[2])
	assert.EqualValues(t, 32767, out[3], "overdrive clips to full scale")
	assert.EqualValues(t, -32768, out[4])
}

func TestInt16ToFloat32Range(t *testing.T) {
	f := Int16ToFloat32([]int16{-32768, 0, 32767})
	assert.InDelta(t, -1.0, f[0], 1e-6)
	assert.InDelta(t, 0.0, f[1], 1e-6)
	assert.InDelta(t, 1.0, f[2], 1e-3)
}

func TestDownmixStereoAverages(t *testing.T) {
	out := DownmixStereo([]int16{100, 200, -100, 100})
	assert.Equal(t, []int16{150, 0}, out)
}

func TestUpmixMonoDuplicates(t *testing.T) {
	out := UpmixMono([]int16{7, -7})
	assert.Equal(t, []int16{7, 7, -7, -7}, out)
}

func TestByteAggregatorCarriesSplitSample(t *testing.T) {
	var agg ByteAggregator
	want := []int16{0x0201, 0x0403, 0x0605}
	raw := Int16ToBytes(want)

	var got []int16
	got = append(got, agg.Write(raw[:3])...) // one sample plus half of the next
	got = append(got, agg.Write(raw[3:5])...)
	got = append(got, agg.Write(raw[5:])...)
	assert.Equal(t, want, got)

	agg.Reset()
	agg.Write([]byte{0xFF}) // stranded half sample
	agg.Reset()
	assert.Empty(t, agg.Write(nil))
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.InDelta(t, 1000.0, RMS([]int16{1000, -1000, 1000, -1000}), 1e-9)
}

func TestConfigBytesPerMillisecond(t *testing.T) {
	cfg := NewLinear16khzMonoConfig()
	assert.Equal(t, 32, cfg.BytesPerMillisecond())

	phone := NewMulaw8khzMonoConfig()
	assert.Equal(t, 8, phone.BytesPerMillisecond())
}
