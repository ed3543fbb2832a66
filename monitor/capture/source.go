package capture

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrNoFrames = errors.New("no frames available")

// Source yields encoded frame payloads ready to be put on the stream.
type Source interface {
	Next() (string, error)
}

// DirSource replays the images of a directory, in name order, forever.
type DirSource struct {
	dataURL bool

	mu    sync.Mutex
	files []string
	next  int
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// NewDirSource lists the images in dir. With dataURL set each payload is
// prefixed the way a browser canvas encodes it; the backend accepts both.
func NewDirSource(dir string, dataURL bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frames directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}
	sort.Strings(files)

	return &DirSource{dataURL: dataURL, files: files}, nil
}

func (s *DirSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

func (s *DirSource) Next() (string, error) {
	s.mu.Lock()
	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read frame %s: %w", filepath.Base(path), err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	if !s.dataURL {
		return encoded, nil
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return "data:" + contentType + ";base64," + encoded, nil
}
