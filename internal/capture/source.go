package capture

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// ErrNoMonitorDevice is returned when no system/loopback capture device
// can be found. System audio is best effort: its absence is not fatal as
// long as the microphone yields a track.
var ErrNoMonitorDevice = errors.New("no system audio monitor device found")

// Source is a real-time PCM16 audio source. Read blocks until one frame of
// samples is available.
type Source interface {
	Start() error
	Read() ([]int16, error)
	Close() error
}

// paSource wraps a PortAudio capture stream with a fixed frame buffer.
type paSource struct {
	stream *portaudio.Stream
	buf    []int16
}

// NewMicSource opens the default input device with the given sample rate
// and frame size.
func NewMicSource(sampleRate, framesPerBuffer int) (Source, error) {
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("open microphone stream: %w", err)
	}
	return &paSource{stream: stream, buf: buf}, nil
}

// NewMonitorSource opens a system-audio loopback device, identified by the
// monitor/loopback naming convention of the host's audio stack. Whether one
// exists is platform and user dependent.
func NewMonitorSource(sampleRate, framesPerBuffer int) (Source, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate audio devices: %w", err)
	}

	var monitor *portaudio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 {
			continue
		}
		name := strings.ToLower(dev.Name)
		if strings.Contains(name, "monitor") || strings.Contains(name, "loopback") || strings.Contains(name, "stereo mix") {
			monitor = dev
			break
		}
	}
	if monitor == nil {
		return nil, ErrNoMonitorDevice
	}

	buf := make([]int16, framesPerBuffer)
	params := portaudio.LowLatencyParameters(monitor, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = framesPerBuffer

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("open monitor stream %s: %w", monitor.Name, err)
	}
	return &paSource{stream: stream, buf: buf}, nil
}

func (s *paSource) Start() error { return s.stream.Start() }

func (s *paSource) Read() ([]int16, error) {
	if err := s.stream.Read(); err != nil {
		return nil, err
	}
	frame := make([]int16, len(s.buf))
	copy(frame, s.buf)
	return frame, nil
}

func (s *paSource) Close() error {
	_ = s.stream.Stop()
	return s.stream.Close()
}
