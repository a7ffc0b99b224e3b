// Package capture opens video files and cameras behind a common Source.
package capture

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

var (
	// ErrOpen means the file or device could not be opened.
	ErrOpen = errors.New("capture: could not open source")
	// ErrRead means a live device stopped delivering frames.
	ErrRead = errors.New("capture: could not read frame")
)

// Source yields raw BGR frames. Read fills dst and returns io.EOF once a
// finite source is exhausted.
type Source interface {
	Read(dst *gocv.Mat) error
	// FrameCount is the total frame count for files, 0 when unknown.
	FrameCount() int
	Close() error
}

// Opener opens a Source for a file path, camera index or stream URL.
type Opener func(target string) (Source, error)

type videoSource struct {
	vc     *gocv.VideoCapture
	target string
	finite bool
}

// OpenFile opens a video file. End of stream is reported as io.EOF.
func OpenFile(path string) (Source, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrOpen, path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w %s", ErrOpen, path)
	}
	return &videoSource{vc: vc, target: path, finite: true}, nil
}

// OpenDevice opens a camera by index ("0") or a stream URL. A failed read
// on a device is ErrRead, never io.EOF.
func OpenDevice(device string) (Source, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(strings.TrimSpace(device)); convErr == nil {
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.OpenVideoCapture(device)
	}
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrOpen, device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w %q", ErrOpen, device)
	}
	return &videoSource{vc: vc, target: device}, nil
}

func (s *videoSource) Read(dst *gocv.Mat) error {
	if ok := s.vc.Read(dst); !ok || dst.Empty() {
		if s.finite {
			return io.EOF
		}
		return fmt.Errorf("%w from %q", ErrRead, s.target)
	}
	return nil
}

func (s *videoSource) FrameCount() int {
	if !s.finite {
		return 0
	}
	n := s.vc.Get(gocv.VideoCaptureFrameCount)
	if n <= 0 {
		return 0
	}
	return int(n)
}

func (s *videoSource) Close() error {
	return s.vc.Close()
}
