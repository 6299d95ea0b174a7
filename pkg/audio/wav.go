package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAV codec for 16-bit PCM. Utterance snapshots are encoded as plain RIFF
// files so that a segment is self-contained once it leaves the segmenter,
// and enrollment uploads are decoded from the same format.

const (
	wavHeaderSize = 44
	wavFormatPCM  = 1
)

// ErrNotWAV is returned by [DecodeWAV] when the input is not a RIFF/WAVE
// container.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

// EncodeWAV wraps mono int16 PCM in a minimal 44-byte RIFF header.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, wavHeaderSize+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                   // bits per sample

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+i*2:], uint16(s))
	}
	return buf
}

// DecodeWAV parses a 16-bit PCM WAV file and returns its samples downmixed
// to mono. Chunks other than "fmt " and "data" are skipped. Returns
// [ErrNotWAV] for non-RIFF input and a descriptive error for unsupported
// encodings (compressed audio, bit depths other than 16).
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < wavHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, ErrNotWAV
	}

	var (
		sampleRate int
		channels   int
		pcm        []byte
		haveFmt    bool
	)

	// Walk the chunk list. Chunk payloads are word-aligned.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			return Clip{}, fmt.Errorf("audio: truncated %q chunk", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Clip{}, fmt.Errorf("audio: short fmt chunk (%d bytes)", size)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != wavFormatPCM {
				return Clip{}, fmt.Errorf("audio: unsupported WAV format code %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if bits != 16 {
				return Clip{}, fmt.Errorf("audio: unsupported bit depth %d (want 16)", bits)
			}
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt || pcm == nil {
		return Clip{}, errors.New("audio: missing fmt or data chunk")
	}
	if channels <= 0 || sampleRate <= 0 {
		return Clip{}, fmt.Errorf("audio: invalid format (%d channels, %d Hz)", channels, sampleRate)
	}

	samples := DownmixMono(BytesToInt16(pcm), channels)
	return Clip{PCM: samples, SampleRate: sampleRate}, nil
}
