package devhost

import (
	"image"
	"io"
	"os"
	"time"

	"stream_relay/internal/domain"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pkg/errors"
)

type binding struct {
	streamID string
	quit     chan struct{}
	done     chan struct{}
}

func (b *binding) stop() {
	select {
	case <-b.quit:
	default:
		close(b.quit)
	}
	<-b.done
}

// Bind starts streaming the entry's video file to onSample, looping at the
// end of the file. onResize is called once with the preview size when the
// preview can be read.
func (h *Host) Bind(targetID, streamID string, onSample func(domain.Sample), onResize func(width, height int)) error {
	e, err := h.entry(streamID)
	if err != nil {
		return err
	}
	if e.Video == "" {
		return errors.Wrapf(ErrNoVideo, "%q", streamID)
	}
	video := h.resolve(e.Video)
	if _, err := os.Stat(video); err != nil {
		return errors.Wrap(err, "stat video")
	}

	b := &binding{
		streamID: streamID,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	select {
	case <-h.closed:
		h.mu.Unlock()
		return errors.New("dev host closed")
	default:
	}
	if _, ok := h.bindings[targetID]; ok {
		h.mu.Unlock()
		return errors.Wrapf(ErrAlreadyBound, "%q", targetID)
	}
	h.bindings[targetID] = b
	h.mu.Unlock()

	if w, ht, ok := previewSize(h.resolve(e.Preview)); ok && onResize != nil {
		onResize(w, ht)
	}

	logger := h.logger.With().Str("stream_id", streamID).Str("target_id", targetID).Logger()
	logger.Info().Str("video", video).Msg("bound")

	go func() {
		defer close(b.done)
		if err := h.stream(video, b.quit, onSample); err != nil {
			logger.Error().Err(err).Msg("video stream stopped")
		}
	}()
	return nil
}

// Unbind stops the target's stream. Unknown targets are ignored.
func (h *Host) Unbind(targetID, streamID string) {
	h.mu.Lock()
	b, ok := h.bindings[targetID]
	if ok {
		delete(h.bindings, targetID)
	}
	h.mu.Unlock()

	if ok {
		b.stop()
		h.logger.Info().Str("stream_id", streamID).Str("target_id", targetID).Msg("unbound")
	}
}

func (h *Host) stream(path string, quit <-chan struct{}, onSample func(domain.Sample)) error {
	frame := time.Second / time.Duration(h.fps)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, "open video")
		}
		reader, err := h264reader.NewReader(f)
		if err != nil {
			f.Close()
			return errors.Wrap(err, "create h264 reader")
		}

		var slices int
		for {
			nal, err := reader.NextNAL()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				f.Close()
				return errors.Wrap(err, "read nal")
			}
			// Parameter sets and SEI share the timestamp of the next slice.
			var d time.Duration
			if nal.UnitType == h264reader.NalUnitTypeCodedSliceNonIdr || nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr {
				d = frame
			}
			onSample(domain.Sample{Data: nal.Data, Duration: d})

			if d == 0 {
				continue
			}
			slices++
			select {
			case <-quit:
				f.Close()
				return nil
			case <-ticker.C:
			}
		}
		f.Close()

		if slices == 0 {
			return errors.Errorf("no coded slices in %s", path)
		}
		select {
		case <-quit:
			return nil
		default:
		}
	}
}

func previewSize(path string) (int, int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}
