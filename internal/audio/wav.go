package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// WAVHeader represents the canonical 44 byte header written by EncodeWAV
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes a decoded WAV stream
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// FloatToPCM16 converts float samples to 16-bit PCM, clipping to [-1, 1].
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s >= 1:
			out[i] = math.MaxInt16
		case s <= -1:
			out[i] = -math.MaxInt16
		default:
			out[i] = int16(math.Round(float64(s) * math.MaxInt16))
		}
	}
	return out
}

// PCM16ToFloat converts 16-bit PCM to float samples in [-1, 1].
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / math.MaxInt16
		if out[i] < -1 {
			out[i] = -1
		}
	}
	return out
}

// EncodeWAV encodes mono float samples as a 16-bit PCM WAV file
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * 2)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, FloatToPCM16(samples)); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV decodes a 16-bit PCM WAV file into mono float samples. Chunks
// other than "fmt " and "data" are skipped and stereo input is downmixed.
func DecodeWAV(data []byte) ([]float32, int, error) {
	info, pcm, err := parseWAV(data)
	if err != nil {
		return nil, 0, err
	}

	frames := len(pcm) / int(info.Channels)
	if frames == 0 {
		return nil, 0, fmt.Errorf("no audio data found")
	}

	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < int(info.Channels); c++ {
			sum += float32(pcm[i*int(info.Channels)+c]) / math.MaxInt16
		}
		samples[i] = sum / float32(info.Channels)
	}

	return samples, int(info.SampleRate), nil
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	info, _, err := parseWAV(data)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func parseWAV(data []byte) (*WAVInfo, []int16, error) {
	if len(data) < 12 {
		return nil, nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return nil, nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return nil, nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		info     WAVInfo
		haveFmt  bool
		pcmBytes []byte
	)

	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			// Truncated final chunk, common for streamed recordings.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, nil, fmt.Errorf("invalid WAV file: fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(data[body:])
			if format != 1 {
				return nil, nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", format)
			}
			info.Channels = binary.LittleEndian.Uint16(data[body+2:])
			info.SampleRate = binary.LittleEndian.Uint32(data[body+4:])
			info.BitsPerSample = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			pcmBytes = data[body:end]
		}

		// Chunks are padded to an even size.
		off = end + size%2
	}

	if !haveFmt {
		return nil, nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if pcmBytes == nil {
		return nil, nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	if info.BitsPerSample != 16 {
		return nil, nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", info.BitsPerSample)
	}

	if info.Channels < 1 || info.Channels > 2 {
		return nil, nil, fmt.Errorf("unsupported channel count: %d (only mono and stereo are supported)", info.Channels)
	}

	if info.SampleRate == 0 {
		return nil, nil, fmt.Errorf("invalid sample rate: 0")
	}

	pcm := make([]int16, len(pcmBytes)/2)
	if err := binary.Read(bytes.NewReader(pcmBytes[:len(pcm)*2]), binary.LittleEndian, pcm); err != nil {
		return nil, nil, fmt.Errorf("failed to read audio samples: %w", err)
	}

	info.DataSize = uint32(len(pcm) * 2)
	info.NumSamples = uint32(len(pcm) / int(info.Channels))
	info.Duration = float64(info.NumSamples) / float64(info.SampleRate)

	return &info, pcm, nil
}
