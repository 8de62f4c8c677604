package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
)

// ProfileFile stores every user's profile in one JSON object keyed by user ID.
// Writes are read-modify-write of the whole file; concurrent writers race and
// the last one wins.
type ProfileFile struct {
	path string
}

// NewProfileFile creates a ProfileFile at path. The file need not exist yet.
func NewProfileFile(path string) (*ProfileFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: profile path must not be empty")
	}
	return &ProfileFile{path: path}, nil
}

// GetProfile returns the stored profile for userID, or an empty map when the
// file or the user record does not exist.
func (p *ProfileFile) GetProfile(_ context.Context, userID string) (map[string]string, error) {
	all, err := p.readAll()
	if err != nil {
		return nil, err
	}
	profile := maps.Clone(all[userID])
	if profile == nil {
		profile = map[string]string{}
	}
	return profile, nil
}

// MergeProfile upserts fields into userID's profile and rewrites the file.
// It returns the merged profile.
func (p *ProfileFile) MergeProfile(_ context.Context, userID string, fields map[string]string) (map[string]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("repository: MergeProfile: user id is required")
	}
	all, err := p.readAll()
	if err != nil {
		return nil, err
	}
	profile := all[userID]
	if profile == nil {
		profile = map[string]string{}
	}
	maps.Copy(profile, fields)
	all[userID] = profile

	if err := p.writeAll(all); err != nil {
		return nil, err
	}
	return maps.Clone(profile), nil
}

func (p *ProfileFile) readAll() (map[string]map[string]string, error) {
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: read profiles %q: %w", p.path, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]map[string]string{}, nil
	}
	var all map[string]map[string]string
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("repository: decode profiles %q: %w", p.path, err)
	}
	if all == nil {
		all = map[string]map[string]string{}
	}
	return all, nil
}

// writeAll replaces the file through a temp file and rename so a crash never
// leaves a truncated profile file behind.
func (p *ProfileFile) writeAll(all map[string]map[string]string) error {
	buf, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("repository: encode profiles: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("repository: create profile dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".profiles-*.json")
	if err != nil {
		return fmt.Errorf("repository: create temp profile file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(buf, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("repository: write profiles: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("repository: close temp profile file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("repository: replace profiles %q: %w", p.path, err)
	}
	return nil
}
