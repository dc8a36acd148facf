package capture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	pcmChannels = 1
	pcmBitDepth = 16
)

// Encoding is a finished clip: the container bytes and the extension they
// nominally carry. The extension reflects the encoder that succeeded, not a
// verified inspection of the content.
type Encoding struct {
	Data []byte
	Ext  string
}

// EncodePCM turns raw little-endian PCM16 into the target Opus-in-WebM
// container via ffmpeg, falling back to a WAV wrapper when ffmpeg is
// unavailable. The fallback means the persisted format is not guaranteed to
// match the nominal target.
func EncodePCM(pcm []byte, sampleRate int) (Encoding, error) {
	if enc, err := encodeWithFFmpeg(pcm, sampleRate); err == nil {
		return enc, nil
	}

	data, err := pcmToWav(pcm, sampleRate)
	if err != nil {
		return Encoding{}, fmt.Errorf("encode wav fallback: %w", err)
	}
	return Encoding{Data: data, Ext: "wav"}, nil
}

func encodeWithFFmpeg(pcm []byte, sampleRate int) (Encoding, error) {
	dir, err := os.MkdirTemp("", "parley-encode-")
	if err != nil {
		return Encoding{}, fmt.Errorf("create encode workspace: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	rawPath := filepath.Join(dir, "clip.pcm")
	outPath := filepath.Join(dir, "clip.webm")
	if err := os.WriteFile(rawPath, pcm, 0o644); err != nil {
		return Encoding{}, fmt.Errorf("write raw pcm: %w", err)
	}

	cmd := ffmpegCommand(
		"-y",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(pcmChannels),
		"-i", rawPath,
		"-c:a", "libopus",
		outPath,
	)
	if err := cmd.Run(); err != nil {
		return Encoding{}, fmt.Errorf("ffmpeg encode: %w", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return Encoding{}, fmt.Errorf("read encoded clip: %w", err)
	}
	return Encoding{Data: data, Ext: "webm"}, nil
}

func pcmToWav(pcm []byte, sampleRate int) ([]byte, error) {
	header, err := wavHeader(len(pcm), sampleRate, pcmChannels, pcmBitDepth)
	if err != nil {
		return nil, fmt.Errorf("build wav header: %w", err)
	}

	out := make([]byte, 0, len(header)+len(pcm))
	out = append(out, header...)
	out = append(out, pcm...)
	return out, nil
}

func wavHeader(dataSize, sampleRate, channels, bitDepth int) ([]byte, error) {
	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8
	chunkSize := 36 + dataSize

	buf := bytes.NewBuffer(make([]byte, 0, 44))
	if _, err := buf.WriteString("RIFF"); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(chunkSize)); err != nil {
		return nil, err
	}
	if _, err := buf.WriteString("WAVE"); err != nil {
		return nil, err
	}
	if _, err := buf.WriteString("fmt "); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(16)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(1)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(channels)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(byteRate)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(blockAlign)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(bitDepth)); err != nil {
		return nil, err
	}
	if _, err := buf.WriteString("data"); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(dataSize)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
