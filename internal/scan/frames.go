package scan

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FrameSource yields camera frames. Next returns a nil image when no new
// frame is available.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
}

// DirectorySource treats the newest image in a directory as the current
// camera frame, as written by a kiosk camera or a phone upload. A file is
// only returned once per modification.
type DirectorySource struct {
	dir      string
	lastPath string
	lastMod  time.Time
}

// NewDirectorySource watches dir for png and jpeg snapshots.
func NewDirectorySource(dir string) *DirectorySource {
	return &DirectorySource{dir: dir}
}

func (d *DirectorySource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}

	var (
		newest    string
		newestMod time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestMod) {
			newest, newestMod = filepath.Join(d.dir, e.Name()), info.ModTime()
		}
	}
	if newest == "" || (newest == d.lastPath && newestMod.Equal(d.lastMod)) {
		return nil, nil
	}

	// marked before reading so a corrupt snapshot is reported once
	d.lastPath, d.lastMod = newest, newestMod

	f, err := os.Open(newest)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", filepath.Base(newest), err)
	}
	return img, nil
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
