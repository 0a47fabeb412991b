// Package devhost is a file-backed host for running the producer without
// the real host application. The roster is a YAML or JSON file that is
// reloaded whenever it changes; previews are image files and video is read
// from Annex-B H264 files.
package devhost

import (
	"context"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sync"

	"stream_relay/internal/domain"
	"stream_relay/internal/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

var (
	ErrUnknownStream = errors.New("unknown stream")
	ErrNoVideo       = errors.New("stream has no video file")
	ErrAlreadyBound  = errors.New("target already bound")
)

// Entry is one roster line.
type Entry struct {
	StreamID string `mapstructure:"streamId"`
	UserID   string `mapstructure:"userId"`
	Nickname string `mapstructure:"nickname"`
	Disabled bool   `mapstructure:"disabled"`
	// Video is an Annex-B H264 file, relative to the roster file.
	Video string `mapstructure:"video"`
	// Preview is a PNG or JPEG file, relative to the roster file.
	Preview string `mapstructure:"preview"`
}

type roster struct {
	inCall  bool
	entries []Entry
	byID    map[string]Entry
}

// Host implements the host capabilities on top of the roster file.
type Host struct {
	path   string
	dir    string
	fps    int
	logger zerolog.Logger

	mu          sync.Mutex
	roster      roster
	subs        map[int]func()
	nextSub     int
	invalidated []func(streamID string)
	bindings    map[string]*binding

	watcher   *fsnotify.Watcher
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open loads the roster file and starts watching it.
func Open(path string, fps int) (*Host, error) {
	if fps <= 0 {
		fps = 30
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "resolve roster path")
	}

	h := &Host{
		path:     abs,
		dir:      filepath.Dir(abs),
		fps:      fps,
		logger:   logging.Module("devhost"),
		subs:     make(map[int]func()),
		bindings: make(map[string]*binding),
		closed:   make(chan struct{}),
	}

	r, err := loadRoster(abs)
	if err != nil {
		return nil, err
	}
	h.roster = r

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(h.dir); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "watch %s", h.dir)
	}
	h.watcher = watcher

	h.wg.Add(1)
	go h.watchLoop()

	h.logger.Info().Str("roster", abs).Int("entries", len(r.entries)).Msg("dev host opened")
	return h, nil
}

func loadRoster(path string) (roster, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("in_call", true)
	if err := v.ReadInConfig(); err != nil {
		return roster{}, errors.Wrapf(err, "read roster %s", path)
	}

	var entries []Entry
	if err := v.UnmarshalKey("participants", &entries); err != nil {
		return roster{}, errors.Wrap(err, "decode roster participants")
	}

	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.StreamID != "" {
			byID[e.StreamID] = e
		}
	}
	return roster{inCall: v.GetBool("in_call"), entries: entries, byID: byID}, nil
}

// Participants returns the roster in file order.
func (h *Host) Participants(ctx context.Context) ([]domain.Participant, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.roster.inCall {
		return nil, domain.ErrNoActiveCall
	}
	out := make([]domain.Participant, 0, len(h.roster.entries))
	for _, e := range h.roster.entries {
		out = append(out, domain.Participant{
			StreamID: e.StreamID,
			UserID:   e.UserID,
			Nickname: e.Nickname,
			Disabled: e.Disabled,
		})
	}
	return out, nil
}

// Subscribe registers fn for roster changes.
func (h *Host) Subscribe(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
		})
	}
}

// CaptureFrame decodes the entry's preview image. A missing image yields an
// empty frame.
func (h *Host) CaptureFrame(ctx context.Context, streamID string) (domain.RawFrame, error) {
	e, err := h.entry(streamID)
	if err != nil {
		return domain.RawFrame{}, err
	}
	if e.Preview == "" {
		return domain.RawFrame{}, nil
	}

	f, err := os.Open(h.resolve(e.Preview))
	if errors.Is(err, os.ErrNotExist) {
		return domain.RawFrame{}, nil
	}
	if err != nil {
		return domain.RawFrame{}, errors.Wrap(err, "open preview")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return domain.RawFrame{}, errors.Wrapf(err, "decode preview %s", e.Preview)
	}

	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return domain.RawFrame{Width: b.Dx(), Height: b.Dy(), Data: rgba.Pix}, nil
}

// OnInvalidate registers fn for bindings dropped by Invalidate or by a
// changed video file in the roster.
func (h *Host) OnInvalidate(fn func(streamID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalidated = append(h.invalidated, fn)
}

// Invalidate drops every binding of streamID, as the real host does when it
// recreates a video element, and tells the listeners.
func (h *Host) Invalidate(streamID string) {
	h.mu.Lock()
	var dropped []*binding
	for id, b := range h.bindings {
		if b.streamID == streamID {
			dropped = append(dropped, b)
			delete(h.bindings, id)
		}
	}
	fns := append([]func(string){}, h.invalidated...)
	h.mu.Unlock()

	for _, b := range dropped {
		b.stop()
	}
	h.logger.Info().Str("stream_id", streamID).Int("bindings", len(dropped)).Msg("sink invalidated")
	for _, fn := range fns {
		fn(streamID)
	}
}

// Close stops the watcher and every binding.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		err = h.watcher.Close()

		h.mu.Lock()
		bindings := h.bindings
		h.bindings = make(map[string]*binding)
		h.mu.Unlock()

		for _, b := range bindings {
			b.stop()
		}
		h.wg.Wait()
	})
	return err
}

func (h *Host) entry(streamID string) (Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.roster.byID[streamID]
	if !ok {
		return Entry{}, errors.Wrapf(ErrUnknownStream, "%q", streamID)
	}
	return e, nil
}

func (h *Host) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(h.dir, p)
}

func (h *Host) watchLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.closed:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				h.reload()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (h *Host) reload() {
	r, err := loadRoster(h.path)
	if err != nil {
		// Half-written file; the next write event reloads again.
		h.logger.Debug().Err(err).Msg("roster reload failed")
		return
	}

	h.mu.Lock()
	prev := h.roster
	h.roster = r
	subs := make([]func(), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	var changed []string
	seen := make(map[string]bool)
	for _, b := range h.bindings {
		if seen[b.streamID] {
			continue
		}
		seen[b.streamID] = true
		old, next := prev.byID[b.streamID], r.byID[b.streamID]
		if next.StreamID != "" && old.Video != next.Video {
			changed = append(changed, b.streamID)
		}
	}
	h.mu.Unlock()

	h.logger.Info().Int("entries", len(r.entries)).Msg("roster reloaded")
	for _, id := range changed {
		h.Invalidate(id)
	}
	for _, fn := range subs {
		fn()
	}
}
