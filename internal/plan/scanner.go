// Package plan turns a directory of media files into a list of plan items
// ready to be queued as transcoding jobs.
package plan

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// Extensions lists the source file extensions recognised per media type.
var Extensions = map[types.MediaType][]string{
	types.MediaTypeAudio: {".mp3", ".wav", ".flac", ".aac", ".m4a", ".ogg", ".opus", ".wma", ".aiff", ".alac"},
	types.MediaTypeVideo: {".mp4", ".mkv", ".mov", ".avi", ".webm", ".m4v"},
	types.MediaTypeImage: {".jpg", ".jpeg", ".png", ".webp", ".tiff", ".bmp", ".heic", ".heif", ".avif"},
}

// FileEntry is a discovered source file.
type FileEntry struct {
	Path      string
	SizeBytes int64
}

// Scanner discovers candidate source files. It never reads file contents.
type Scanner interface {
	Scan(ctx context.Context, root string, recursive bool, mediaType types.MediaType) ([]FileEntry, error)
}

// DirScanner walks the local filesystem.
type DirScanner struct{}

// NewDirScanner creates a filesystem scanner.
func NewDirScanner() *DirScanner {
	return &DirScanner{}
}

// Scan returns files under root whose lowercased extension belongs to mediaType,
// sorted by path. Without recursive only the top level is visited.
func (s *DirScanner) Scan(ctx context.Context, root string, recursive bool, mediaType types.MediaType) ([]FileEntry, error) {
	exts, ok := Extensions[mediaType]
	if !ok {
		return nil, fmt.Errorf("unknown media type %q", mediaType)
	}
	wanted := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		wanted[e] = struct{}{}
	}

	var entries []FileEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, ok := wanted[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		entries = append(entries, FileEntry{Path: path, SizeBytes: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
