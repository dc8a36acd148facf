package capture

import "os/exec"

// ffmpegCommand is swappable in tests, where a real ffmpeg may be absent.
var ffmpegCommand = func(args ...string) *exec.Cmd {
	return exec.Command("ffmpeg", args...)
}
