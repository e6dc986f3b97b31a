package rtc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusClockRate   = 48000
)

var errEmptySource = errors.New("media file has no frames")

// sampleWriter is satisfied by *LocalMedia.
type sampleWriter interface {
	WriteSample(kind string, data []byte, duration time.Duration) error
}

type fileSource struct {
	kind string
	path string
}

// AddFileSource loops a prerecorded file into every call's local media: an
// Ogg/Opus file for audio or an IVF/VP8 file for video. Without a source a
// track stays silent.
func (e *Engine) AddFileSource(kind, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open media file: %w", err)
	}
	defer f.Close()

	switch kind {
	case KindAudio:
		_, _, err = oggreader.NewWith(f)
	case KindVideo:
		_, _, err = ivfreader.NewWith(f)
	default:
		return fmt.Errorf("unknown media kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("read %s header of %s: %w", kind, path, err)
	}
	e.sources = append(e.sources, fileSource{kind: kind, path: path})
	return nil
}

// play repeats the file until the media is stopped.
func (e *Engine) play(src fileSource, w sampleWriter) {
	for {
		var err error
		switch src.kind {
		case KindAudio:
			err = playOgg(src.path, w)
		case KindVideo:
			err = playIVF(src.path, w)
		}
		if errors.Is(err, ErrMediaStopped) {
			return
		}
		if err != nil {
			e.logger.Warn("rtc media source stopped", "kind", src.kind, "path", src.path, "error", err)
			return
		}
	}
}

func playOgg(path string, w sampleWriter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	written := 0
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		if samples == 0 {
			continue
		}
		duration := time.Duration(samples) * time.Second / opusClockRate
		if err := w.WriteSample(KindAudio, page, duration); err != nil {
			return err
		}
		written++
		<-ticker.C
	}
	if written == 0 {
		return errEmptySource
	}
	return nil
}

func playIVF(path string, w sampleWriter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}
	if header.TimebaseDenominator == 0 {
		return fmt.Errorf("ivf header has zero timebase")
	}
	frameDuration := time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	if frameDuration <= 0 {
		return fmt.Errorf("ivf header has zero frame duration")
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	written := 0
	for {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := w.WriteSample(KindVideo, frame, frameDuration); err != nil {
			return err
		}
		written++
		<-ticker.C
	}
	if written == 0 {
		return errEmptySource
	}
	return nil
}
