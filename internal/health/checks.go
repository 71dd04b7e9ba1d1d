package health

import (
	"context"
	"fmt"
	"os/exec"
)

// FFmpeg returns a [Checker] verifying that the ffmpeg binary is on PATH.
// Every session launches two ffmpeg subprocesses, so a host without it can
// accept calls but never bridge audio.
func FFmpeg() Checker {
	return Checker{
		Name: "ffmpeg",
		Check: func(_ context.Context) error {
			if _, err := exec.LookPath("ffmpeg"); err != nil {
				return fmt.Errorf("ffmpeg not found on PATH: %w", err)
			}
			return nil
		},
	}
}
