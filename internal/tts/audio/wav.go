package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	riffHeaderSize  = 12
	chunkHeaderSize = 8
	minFmtChunkSize = 16
	// Streaming writers leave the data size unset until the stream ends.
	unknownDataSize = 0xFFFFFFFF
)

var (
	// ErrNotWAV indicates chunk audio without a RIFF/WAVE header.
	ErrNotWAV = errors.New("not a WAV file")
	// ErrMissingFormat indicates a WAV without a usable fmt chunk.
	ErrMissingFormat = errors.New("missing audio format information")
	// ErrMissingData indicates a WAV without a data chunk.
	ErrMissingData = errors.New("missing data chunk")
	// ErrFormatMismatch indicates chunks recorded with different PCM settings.
	ErrFormatMismatch = errors.New("chunk audio formats differ")
)

// wavClip is the part of a WAV file needed to join it with others.
type wavClip struct {
	fmtChunk []byte
	byteRate uint32
	samples  []byte
}

// parseWAV walks the RIFF chunks, keeping the fmt chunk and the PCM samples.
func parseWAV(data []byte) (wavClip, error) {
	var clip wavClip

	if len(data) < riffHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return clip, ErrNotWAV
	}

	offset := riffHeaderSize

	for offset+chunkHeaderSize <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		body := offset + chunkHeaderSize

		switch chunkID {
		case "fmt ":
			end := body + int(chunkSize)
			if chunkSize < minFmtChunkSize || end > len(data) {
				return clip, fmt.Errorf("invalid fmt chunk: %w", ErrMissingFormat)
			}

			clip.fmtChunk = data[body:end]
			clip.byteRate = binary.LittleEndian.Uint32(clip.fmtChunk[8:12])
		case "data":
			end := len(data)
			if chunkSize != unknownDataSize && body+int(chunkSize) < end {
				end = body + int(chunkSize)
			}

			if clip.fmtChunk == nil || clip.byteRate == 0 {
				return clip, ErrMissingFormat
			}

			clip.samples = data[body:end]

			return clip, nil
		}

		skip := int(chunkSize)
		if skip%2 == 1 {
			skip++
		}

		offset = body + skip
	}

	return clip, ErrMissingData
}

// concatWAV joins PCM clips that share one format under a single header.
func concatWAV(clips [][]byte) ([]byte, float64, error) {
	var (
		first   wavClip
		samples bytes.Buffer
	)

	for i, data := range clips {
		clip, err := parseWAV(data)
		if err != nil {
			return nil, 0, fmt.Errorf("chunk %d: %w", i, err)
		}

		if i == 0 {
			first = clip
		} else if !bytes.Equal(clip.fmtChunk[:minFmtChunkSize], first.fmtChunk[:minFmtChunkSize]) {
			return nil, 0, fmt.Errorf("chunk %d: %w", i, ErrFormatMismatch)
		}

		samples.Write(clip.samples)
	}

	if first.fmtChunk == nil {
		return nil, 0, ErrMissingFormat
	}

	dataSize := samples.Len()
	fmtSize := len(first.fmtChunk)
	fmtPad := fmtSize % 2
	riffSize := 4 + chunkHeaderSize + fmtSize + fmtPad + chunkHeaderSize + dataSize

	var out bytes.Buffer

	out.Grow(chunkHeaderSize + riffSize)
	out.WriteString("RIFF")
	writeUint32(&out, uint32(riffSize)) //nolint:gosec // bounded by object store limits
	out.WriteString("WAVE")
	out.WriteString("fmt ")
	writeUint32(&out, uint32(fmtSize)) //nolint:gosec // at most a few dozen bytes
	out.Write(first.fmtChunk)

	if fmtPad == 1 {
		out.WriteByte(0)
	}

	out.WriteString("data")
	writeUint32(&out, uint32(dataSize)) //nolint:gosec // bounded by object store limits
	out.Write(samples.Bytes())

	duration := float64(dataSize) / float64(first.byteRate)

	return out.Bytes(), duration, nil
}

func writeUint32(buf *bytes.Buffer, value uint32) {
	var raw [4]byte

	binary.LittleEndian.PutUint32(raw[:], value)
	buf.Write(raw[:])
}
