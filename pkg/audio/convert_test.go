package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
)

func pcm(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// ─── Channel conversion ─────────────────────────────────────────────────────

func TestChannelConversion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func([]byte) []byte
		in   []byte
		want []int16
	}{
		{"mono to stereo", audio.MonoToStereo, pcm(100, -200), []int16{100, 100, -200, -200}},
		{"mono to stereo trailing byte", audio.MonoToStereo, append(pcm(7), 0xff), []int16{7, 7}},
		{"stereo to mono", audio.StereoToMono, pcm(100, 300, -100, -300), []int16{200, -200}},
		{"stereo to mono extremes", audio.StereoToMono, pcm(32767, 32767, -32768, -32768), []int16{32767, -32768}},
		{"stereo to mono partial frame", audio.StereoToMono, pcm(10, 20, 30), []int16{15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := samples(tt.fn(tt.in)); !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// ─── Resampling ─────────────────────────────────────────────────────────────

func TestResample_Lengths(t *testing.T) {
	t.Parallel()

	// 480 samples is 10 ms at 48 kHz.
	mono48 := pcm(make([]int16, 480)...)
	stereo48 := pcm(make([]int16, 960)...)

	tests := []struct {
		name      string
		got       []byte
		wantBytes int
	}{
		{"mono 48k to 16k", audio.ResampleMono16(mono48, 48000, 16000), 160 * 2},
		{"mono 16k to 48k", audio.ResampleMono16(pcm(make([]int16, 160)...), 16000, 48000), 480 * 2},
		{"stereo 48k to 16k", audio.ResampleStereo16(stereo48, 48000, 16000), 160 * 4},
		{"mono same rate", audio.ResampleMono16(mono48, 48000, 48000), len(mono48)},
		{"mono zero src rate", audio.ResampleMono16(mono48, 0, 16000), len(mono48)},
		{"mono negative dst rate", audio.ResampleMono16(mono48, 48000, -1), len(mono48)},
		{"stereo zero dst rate", audio.ResampleStereo16(stereo48, 48000, 0), len(stereo48)},
		{"too short to produce output", audio.ResampleMono16(pcm(1), 48000, 8000), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if len(tt.got) != tt.wantBytes {
				t.Errorf("len = %d, want %d", len(tt.got), tt.wantBytes)
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	t.Parallel()

	got := samples(audio.ResampleMono16(pcm(0, 100), 8000, 16000))
	want := []int16{0, 50, 100, 100}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResampleStereo16_KeepsChannelsApart(t *testing.T) {
	t.Parallel()

	// Left is constant 1000, right is constant -1000.
	in := pcm(1000, -1000, 1000, -1000, 1000, -1000, 1000, -1000)
	got := samples(audio.ResampleStereo16(in, 16000, 8000))
	want := []int16{1000, -1000, 1000, -1000}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

// ─── FormatConverter ────────────────────────────────────────────────────────

func TestFormatConverter_PassThrough(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.Mic}
	frame := types.AudioFrame{Data: pcm(1, 2, 3), SampleRate: 16000, Channels: 1}
	got := conv.Convert(frame)
	if &got.Data[0] != &frame.Data[0] {
		t.Error("matching format should not copy the frame")
	}
}

func TestFormatConverter_BrowserToMic(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.Mic}
	// 20 ms of 48 kHz stereo, L=300 R=100 throughout.
	raw := make([]int16, 0, 1920)
	for range 960 {
		raw = append(raw, 300, 100)
	}
	got := conv.Convert(types.AudioFrame{
		Data:       pcm(raw...),
		SampleRate: 48000,
		Channels:   2,
		Timestamp:  40 * time.Millisecond,
	})

	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Fatalf("format = %dHz/%dch, want 16000Hz/1ch", got.SampleRate, got.Channels)
	}
	if got.Timestamp != 40*time.Millisecond {
		t.Errorf("Timestamp = %v, want 40ms", got.Timestamp)
	}
	out := samples(got.Data)
	if len(out) != 320 {
		t.Fatalf("samples = %d, want 320", len(out))
	}
	for i, s := range out {
		if s != 200 {
			t.Fatalf("sample %d = %d, want 200", i, s)
		}
	}
}

func TestFormatConverter_UpmixAndResample(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	got := conv.Convert(types.AudioFrame{Data: pcm(1000, 2000), SampleRate: 22050, Channels: 1})
	if got.SampleRate != 48000 || got.Channels != 2 {
		t.Fatalf("format = %dHz/%dch", got.SampleRate, got.Channels)
	}
	n := len(samples(got.Data))
	if n == 0 || n%2 != 0 {
		t.Errorf("stereo output has %d samples", n)
	}
}

func TestFormatConverter_DropsMisaligned(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame types.AudioFrame
	}{
		{"odd bytes mono", types.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 1}},
		{"odd bytes matching target", types.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}},
		{"half stereo frame", types.AudioFrame{Data: pcm(1, 2, 3), SampleRate: 48000, Channels: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conv := audio.FormatConverter{Target: audio.Mic}
			got := conv.Convert(tt.frame)
			if len(got.Data) != 0 {
				t.Errorf("got %d bytes, want frame dropped", len(got.Data))
			}
			if got.SampleRate != 16000 || got.Channels != 1 {
				t.Errorf("dropped frame format = %dHz/%dch, want target", got.SampleRate, got.Channels)
			}
		})
	}
}

func TestFormat_String(t *testing.T) {
	t.Parallel()
	if got := audio.Mic.String(); got != "16000Hz/1ch" {
		t.Errorf("String() = %q", got)
	}
}

// ─── Drain ──────────────────────────────────────────────────────────────────

func TestDrain(t *testing.T) {
	t.Parallel()

	ch := make(chan []byte)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 3 {
			ch <- []byte{0}
		}
		close(ch)
	}()
	audio.Drain(ch)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after Drain returned")
	}
}
