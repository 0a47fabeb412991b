package viewer

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"stream_relay/internal/domain"

	"github.com/pkg/errors"
)

// FileAnswerFactory builds answerers that record each stream to
// <dir>/<streamId>.h264. Any previous recording of the stream is replaced.
func FileAnswerFactory(dir string, newAnswerer func(streamID string, out io.WriteCloser) (domain.AnswerPeer, error)) domain.AnswerFactory {
	return func(streamID string) (domain.AnswerPeer, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create output dir %s", dir)
		}
		path := RecordingPath(dir, streamID)
		out, err := os.Create(path)
		if err != nil {
			return nil, errors.Wrap(err, "create recording")
		}

		peer, err := newAnswerer(streamID, out)
		if err != nil {
			out.Close()
			return nil, err
		}
		return peer, nil
	}
}

// RecordingPath is the output file of a stream. Path separators in the
// stream id are replaced so the file stays inside dir.
func RecordingPath(dir, streamID string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, streamID)
	if name == "" || name == "." || name == ".." {
		name = "_" + name
	}
	return filepath.Join(dir, name+".h264")
}
