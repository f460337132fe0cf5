// Package audio holds the PCM helpers shared by the transport and the TTS
// providers. All samples are little-endian int16.
package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/types"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Mic is the format the voice activity detector consumes: 16 kHz mono.
var Mic = Format{SampleRate: 16000, Channels: 1}

// FormatConverter converts frames of one stream to a target format. Frames
// whose byte count is not a whole number of samples are dropped.
// Create one per stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target Format
	Log    *slog.Logger

	onceConvert sync.Once
	onceCorrupt sync.Once
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is, without copying.
func (c *FormatConverter) Convert(frame types.AudioFrame) types.AudioFrame {
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if len(frame.Data)%(2*max(src.Channels, 1)) != 0 {
		c.onceCorrupt.Do(func() {
			c.logger().Warn("audio: dropping misaligned PCM frame", "bytes", len(frame.Data), "format", src.String())
		})
		return types.AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if src == c.Target {
		return frame
	}
	c.onceConvert.Do(func() {
		c.logger().Info("audio: converting stream format", "from", src.String(), "to", c.Target.String())
	})

	return types.AudioFrame{
		Data:       Convert(frame.Data, src, c.Target),
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// Convert resamples and remixes whole-sample PCM from one format to another.
// Only mono and stereo are handled; other channel counts keep their layout.
// Resampling runs before the channel conversion so a stereo source is never
// resampled twice.
func Convert(pcm []byte, from, to Format) []byte {
	if from.SampleRate != to.SampleRate {
		if from.Channels == 2 {
			pcm = ResampleStereo16(pcm, from.SampleRate, to.SampleRate)
		} else {
			pcm = ResampleMono16(pcm, from.SampleRate, to.SampleRate)
		}
	}
	switch {
	case from.Channels == 1 && to.Channels == 2:
		pcm = MonoToStereo(pcm)
	case from.Channels == 2 && to.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

func sample(pcm []byte, i int) int16 {
	return int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
}

func putSample(pcm []byte, i int, v int16) {
	pcm[2*i] = byte(v)
	pcm[2*i+1] = byte(v >> 8)
}

// MonoToStereo duplicates every mono sample into an L+R pair. A trailing
// half sample is ignored.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		v := sample(pcm, i)
		putSample(out, 2*i, v)
		putSample(out, 2*i+1, v)
	}
	return out
}

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		avg := (int32(sample(pcm, 2*i)) + int32(sample(pcm, 2*i+1))) / 2
		putSample(out, i, int16(avg))
	}
	return out
}

// ResampleMono16 resamples mono PCM from srcRate to dstRate with linear
// interpolation. Equal or non-positive rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved stereo PCM from srcRate to dstRate
// with linear interpolation. Equal or non-positive rates return the input
// unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 2, srcRate, dstRate)
}

func resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sample(pcm, idx*channels+ch))
			s1 := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}
