// Package media finds local photos and videos and keeps the sync store in
// step with what is on disk.
package media

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// extensions lists the file types treated as media, lower case.
var extensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".heic": {}, ".heif": {}, ".tif": {}, ".tiff": {}, ".bmp": {},
	".dng": {}, ".cr2": {}, ".cr3": {}, ".nef": {}, ".arw": {}, ".orf": {}, ".rw2": {},
	".mp4": {}, ".mov": {}, ".m4v": {}, ".3gp": {}, ".avi": {}, ".mkv": {}, ".webm": {},
}

// IsMedia reports whether name has a photo or video extension.
func IsMedia(name string) bool {
	_, ok := extensions[strings.ToLower(path.Ext(name))]
	return ok
}

// MediaID returns the store key for a slash-separated path relative to
// the media root. Keys are NFC so the same file gets the same id whether
// the filesystem hands back composed or decomposed names.
func MediaID(relPath string) string {
	return norm.NFC.String(relPath)
}

// Library is the media root. It resolves MediaIDs back to files, falling
// back to the decomposed spelling for names stored NFD on disk.
type Library struct {
	dir  string
	fsys fs.FS
}

// NewLibrary returns a Library rooted at dir.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir, fsys: os.DirFS(dir)}
}

// Dir returns the root directory.
func (l *Library) Dir() string {
	return l.dir
}

// Open implements fs.FS.
func (l *Library) Open(name string) (fs.File, error) {
	f, err := l.fsys.Open(name)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return f, err
	}

	if nfd := norm.NFD.String(name); nfd != name {
		if f, nfdErr := l.fsys.Open(nfd); nfdErr == nil {
			return f, nil
		}
	}

	return nil, err
}

// ReadDir implements fs.ReadDirFS so fs.WalkDir uses the directory
// listing directly.
func (l *Library) ReadDir(name string) ([]fs.DirEntry, error) {
	return fs.ReadDir(l.fsys, name)
}
