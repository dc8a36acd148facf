// Package browser launches URLs in the user's default browser.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"
)

var execCommand = exec.Command

// Open launches the URL with the platform's default handler. The
// command is started, not waited on, so a slow browser cannot block
// the caller.
func Open(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = execCommand("open", url)
	case "windows":
		cmd = execCommand("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = execCommand("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
