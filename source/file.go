package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

const filePrefix = "file://"

// FileSource serves local files addressed either as file:// URIs or as bare paths.
type FileSource struct {
	fileManager  fileutil.FileManager
	pathModifier pathutil.PathModifier
	allowed      []string
}

// NewFileSource creates a FileSource. When allowedPatterns is not empty only absolute paths
// matching at least one of the doublestar patterns can be opened or probed.
func NewFileSource(fileManager fileutil.FileManager, pathModifier pathutil.PathModifier, allowedPatterns []string) (*FileSource, error) {
	for _, pattern := range allowedPatterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid allowed path pattern: %s", pattern)
		}
	}

	return &FileSource{
		fileManager:  fileManager,
		pathModifier: pathModifier,
		allowed:      allowedPatterns,
	}, nil
}

// Open ...
func (s *FileSource) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	pth, err := s.localPath(uri)
	if err != nil {
		return nil, err
	}

	file, err := s.fileManager.Open(pth)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", pth, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", pth, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat %s: %w", pth, err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", pth)
	}

	return file, nil
}

// Exists reports true for regular files only; directories count as absent.
func (s *FileSource) Exists(_ context.Context, uri string) (bool, error) {
	pth, err := s.localPath(uri)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(pth)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", pth, err)
	}

	return !info.IsDir(), nil
}

func (s *FileSource) localPath(uri string) (string, error) {
	pth := uri
	if strings.HasPrefix(strings.ToLower(uri), filePrefix) {
		pth = uri[len(filePrefix):]
	}
	if pth == "" {
		return "", fmt.Errorf("empty file path in uri: %s", uri)
	}

	absPath, err := s.pathModifier.AbsPath(pth)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", pth, err)
	}

	if !s.isAllowed(absPath) {
		return "", fmt.Errorf("%w: %s", ErrNotAllowed, absPath)
	}

	return absPath, nil
}

func (s *FileSource) isAllowed(absPath string) bool {
	if len(s.allowed) == 0 {
		return true
	}

	name := filepath.ToSlash(absPath)
	for _, pattern := range s.allowed {
		// Patterns are validated in NewFileSource.
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
