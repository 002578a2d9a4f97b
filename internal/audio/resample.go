package audio

import (
	goaudio "github.com/go-audio/audio"
)

// SampleRate is the canonical rate expected by the recognizers.
const SampleRate = 16000

// Frame is a run of mono samples at SampleRate. Frames are not modified once
// produced; consumers that need to keep them copy.
type Frame []float32

// ToMono16k downmixes and resamples an interleaved device buffer into a Frame.
// Mono input already at SampleRate is returned as a view of buf.Data.
func ToMono16k(buf *goaudio.Float32Buffer) Frame {
	if buf == nil || buf.Format == nil {
		return Frame{}
	}
	channels := buf.Format.NumChannels
	rate := buf.Format.SampleRate
	if channels <= 0 || rate <= 0 {
		return Frame{}
	}
	frames := len(buf.Data) / channels
	if frames == 0 {
		return Frame{}
	}
	if channels == 1 && rate == SampleRate {
		return Frame(buf.Data[:frames:frames])
	}
	return Frame(Resample(Downmix(buf.Data, channels), rate))
}

// Downmix averages each interleaved frame across its channels. Trailing
// samples that do not form a whole frame are dropped.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 0 {
		return []float32{}
	}
	frames := len(interleaved) / channels
	if channels == 1 {
		return interleaved[:frames:frames]
	}
	mono := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float64
		base := f * channels
		for c := 0; c < channels; c++ {
			sum += float64(interleaved[base+c])
		}
		mono[f] = float32(sum / float64(channels))
	}
	return mono
}

// Resample converts mono samples at sourceRate to SampleRate with linear
// interpolation. The output holds floor(len(samples)*SampleRate/sourceRate)
// samples.
func Resample(samples []float32, sourceRate int) []float32 {
	if len(samples) == 0 || sourceRate <= 0 {
		return []float32{}
	}
	if sourceRate == SampleRate {
		return samples
	}
	ratio := float64(SampleRate) / float64(sourceRate)
	outLen := int(int64(len(samples)) * SampleRate / int64(sourceRate))
	out := make([]float32, outLen)
	for i := range out {
		srcPos := float64(i) / ratio
		idx := int(srcPos)
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		frac := srcPos - float64(idx)
		if idx+1 < len(samples) {
			out[i] = float32(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
		} else {
			out[i] = samples[idx]
		}
	}
	return out
}
