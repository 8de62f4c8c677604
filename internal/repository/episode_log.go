package repository

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"policy-copilot/internal/domain"
)

// EpisodeLog is an append-only JSON Lines file of episode records.
type EpisodeLog struct {
	path string
}

func NewEpisodeLog(path string) (*EpisodeLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: episode log path must not be empty")
	}
	return &EpisodeLog{path: path}, nil
}

// AppendEpisode writes ep as one line. The file is opened in append mode and
// the line goes out in a single write, so earlier lines are never touched.
func (l *EpisodeLog) AppendEpisode(_ context.Context, ep domain.Episode) error {
	line, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("repository: encode episode: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("repository: create episode dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("repository: open episode log %q: %w", l.path, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("repository: append episode: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("repository: close episode log: %w", err)
	}
	return nil
}

// ListEpisodes returns the episodes logged for userID in file order. An empty
// userID returns every episode. A missing file yields no episodes.
func (l *EpisodeLog) ListEpisodes(_ context.Context, userID string) ([]domain.Episode, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: open episode log %q: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	var out []domain.Episode
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var ep domain.Episode
		if err := json.Unmarshal(sc.Bytes(), &ep); err != nil {
			return nil, fmt.Errorf("repository: decode episode line %d: %w", n, err)
		}
		if userID == "" || ep.UserID == userID {
			out = append(out, ep)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("repository: scan episode log: %w", err)
	}
	return out, nil
}
