package audio

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	id3v2HeaderSize = 10
	id3v2FooterSize = 10
	id3v1TagSize    = 128
	mp3HeaderSize   = 4
)

// ErrNoFrames indicates chunk audio with no decodable MPEG audio frame.
var ErrNoFrames = errors.New("no MPEG audio frames found")

// Bitrates in kbit/s indexed by [version is MPEG-1][layer-1][index].
var bitrates = [2][3][16]int{
	{ // MPEG-2 and 2.5
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
	},
	{ // MPEG-1
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	},
}

// Sample rates in Hz indexed by version bits then rate index.
var sampleRates = map[byte][3]int{
	0b00: {11025, 12000, 8000},  // MPEG-2.5
	0b10: {22050, 24000, 16000}, // MPEG-2
	0b11: {44100, 48000, 32000}, // MPEG-1
}

type mp3Frame struct {
	length     int
	samples    int
	sampleRate int
}

// parseFrameHeader decodes the 4-byte header at the start of data.
func parseFrameHeader(data []byte) (mp3Frame, bool) {
	if len(data) < mp3HeaderSize || data[0] != 0xFF || data[1]&0xE0 != 0xE0 {
		return mp3Frame{}, false
	}

	version := (data[1] >> 3) & 0b11
	layerBits := (data[1] >> 1) & 0b11
	bitrateIndex := data[2] >> 4
	rateIndex := (data[2] >> 2) & 0b11
	padding := int((data[2] >> 1) & 1)

	rates, ok := sampleRates[version]
	if !ok || layerBits == 0 || rateIndex == 3 {
		return mp3Frame{}, false
	}

	layer := 4 - int(layerBits)

	mpeg1 := 0
	if version == 0b11 {
		mpeg1 = 1
	}

	bitrate := bitrates[mpeg1][layer-1][bitrateIndex] * 1000
	if bitrate == 0 {
		return mp3Frame{}, false
	}

	sampleRate := rates[rateIndex]
	frame := mp3Frame{sampleRate: sampleRate}

	switch {
	case layer == 1:
		frame.samples = 384
		frame.length = (12*bitrate/sampleRate + padding) * 4
	case layer == 3 && mpeg1 == 0:
		frame.samples = 576
		frame.length = 72*bitrate/sampleRate + padding
	default:
		frame.samples = 1152
		frame.length = 144*bitrate/sampleRate + padding
	}

	return frame, frame.length > mp3HeaderSize
}

// stripID3 removes a leading ID3v2 tag and a trailing ID3v1 tag.
func stripID3(data []byte) []byte {
	if len(data) >= id3v2HeaderSize && bytes.HasPrefix(data, []byte("ID3")) {
		size := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)

		end := id3v2HeaderSize + size
		if data[5]&0x10 != 0 {
			end += id3v2FooterSize
		}

		if end > len(data) {
			end = len(data)
		}

		data = data[end:]
	}

	if len(data) >= id3v1TagSize && bytes.HasPrefix(data[len(data)-id3v1TagSize:], []byte("TAG")) {
		data = data[:len(data)-id3v1TagSize]
	}

	return data
}

// mp3Duration sums frame durations, resynchronizing past garbage bytes.
func mp3Duration(data []byte) (float64, int) {
	var (
		seconds float64
		frames  int
	)

	for offset := 0; offset+mp3HeaderSize <= len(data); {
		frame, ok := parseFrameHeader(data[offset:])
		if !ok {
			offset++

			continue
		}

		seconds += float64(frame.samples) / float64(frame.sampleRate)
		frames++
		offset += frame.length
	}

	return seconds, frames
}

// concatMP3 joins MPEG audio streams frame-wise after dropping their tags.
func concatMP3(clips [][]byte) ([]byte, float64, error) {
	var (
		out      bytes.Buffer
		duration float64
	)

	for i, data := range clips {
		stream := stripID3(data)

		seconds, frames := mp3Duration(stream)
		if frames == 0 {
			return nil, 0, fmt.Errorf("chunk %d: %w", i, ErrNoFrames)
		}

		duration += seconds

		out.Write(stream)
	}

	return out.Bytes(), duration, nil
}
