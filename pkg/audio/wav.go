package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by [DecodeWAV] for input that is not a RIFF/WAVE
// file.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

// DecodeWAV returns the sample payload of a 16-bit PCM WAV file along with
// its format. Chunks are walked rather than assuming a 44-byte header, since
// synthesis servers emit LIST and fact chunks and extended fmt chunks. A data
// chunk whose declared size overruns the buffer, as streamed WAVs often do,
// is cut to what is present.
func DecodeWAV(wav []byte) ([]byte, Format, error) {
	if len(wav) < 12 || string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}
	var (
		f      Format
		gotFmt bool
	)
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := wav[off+8:]

		switch id {
		case "fmt ":
			if size < 16 || len(body) < 16 {
				return nil, Format{}, errors.New("audio: wav: short fmt chunk")
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 && tag != 0xFFFE {
				return nil, Format{}, fmt.Errorf("audio: wav: unsupported encoding %#x", tag)
			}
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: wav: %d-bit samples, want 16", bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return nil, Format{}, errors.New("audio: wav: data before fmt chunk")
			}
			return body[:min(size, len(body))], f, nil
		}
		// Chunks are padded to an even size.
		off += 8 + size + size%2
	}
	return nil, Format{}, errors.New("audio: wav: no data chunk")
}
