// Package artifact stores the files exchanged with the external stages: the
// staged image, the recognized text and the analysis result.
//
// Every session owns a workspace directory holding one slot per artifact. The
// default session maps to the root directory itself, which keeps the file
// layout of a single-slot deployment. In legacy mode every session maps to the
// root.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultSession selects the shared root workspace.
const DefaultSession = ""

const sessionsDir = "sessions"

var sessionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ErrInvalidSession is returned for session keys that cannot be used as a
// directory name.
var ErrInvalidSession = errors.New("invalid session key")

// Layout names the well-known files inside a workspace.
type Layout struct {
	StagingFile      string
	IntermediateFile string
	FinalFile        string
	// Shared names root entries, such as models or lookup tables, linked into
	// every session workspace. Nil links every visible root entry except the
	// artifact files and the sessions directory.
	Shared []string
}

// FileStore keeps artifacts on the local filesystem.
type FileStore struct {
	root     string
	layout   Layout
	isolated bool
	locks    *sessionLocks
}

// NewFileStore creates a store rooted at root. When isolated is false every
// session shares the root workspace.
func NewFileStore(root string, layout Layout, isolated bool) *FileStore {
	return &FileStore{
		root:     root,
		layout:   layout,
		isolated: isolated,
		locks:    newSessionLocks(),
	}
}

// Layout returns the file names used in every workspace.
func (s *FileStore) Layout() Layout {
	return s.layout
}

// ValidSessionKey reports whether key may be used to select a workspace.
func ValidSessionKey(key string) bool {
	return key == DefaultSession || sessionKeyPattern.MatchString(key)
}

// Workspace returns the directory for session, creating it if needed.
func (s *FileStore) Workspace(session string) (string, error) {
	dir, err := s.workspacePath(session)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if dir != s.root {
		if err := s.linkShared(dir); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// linkShared exposes root resources inside a session workspace so stages
// that open files relative to their working directory behave as in the root.
// Existing entries in the workspace are left alone.
func (s *FileStore) linkShared(dir string) error {
	names, err := s.sharedNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		target := filepath.Join(dir, name)
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		source := filepath.Join(s.root, name)
		if _, err := os.Stat(source); err != nil {
			continue
		}
		if err := os.Symlink(source, target); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("link shared resource %s: %w", name, err)
		}
	}
	return nil
}

func (s *FileStore) sharedNames() ([]string, error) {
	if s.layout.Shared != nil {
		return s.layout.Shared, nil
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list shared resources: %w", err)
	}
	reserved := map[string]bool{
		sessionsDir:               true,
		s.layout.StagingFile:      true,
		s.layout.IntermediateFile: true,
		s.layout.FinalFile:        true,
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if reserved[name] || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *FileStore) workspacePath(session string) (string, error) {
	if !ValidSessionKey(session) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSession, session)
	}
	if !s.isolated || session == DefaultSession {
		return s.root, nil
	}
	return filepath.Join(s.root, sessionsDir, session), nil
}

// StagingPath returns where the image for session is staged.
func (s *FileStore) StagingPath(session string) (string, error) {
	return s.filePath(session, s.layout.StagingFile)
}

// IntermediatePath returns the location of the recognized text for session.
func (s *FileStore) IntermediatePath(session string) (string, error) {
	return s.filePath(session, s.layout.IntermediateFile)
}

// FinalPath returns the location of the analysis result for session.
func (s *FileStore) FinalPath(session string) (string, error) {
	return s.filePath(session, s.layout.FinalFile)
}

func (s *FileStore) filePath(session, name string) (string, error) {
	dir, err := s.workspacePath(session)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// WriteStaging writes the full image payload to the staging file and returns
// its path. The file is closed before WriteStaging returns.
func (s *FileStore) WriteStaging(session string, image []byte) (string, error) {
	if _, err := s.Workspace(session); err != nil {
		return "", err
	}
	path, err := s.StagingPath(session)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, image, 0o600); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write staging file: %w", err)
	}
	return path, nil
}

// RemoveStaging deletes the staging file. A missing file is not an error.
func (s *FileStore) RemoveStaging(session string) error {
	path, err := s.StagingPath(session)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	return nil
}

// PutIntermediate overwrites the recognized-text slot.
func (s *FileStore) PutIntermediate(session, text string) error {
	path, err := s.IntermediatePath(session)
	if err != nil {
		return err
	}
	return s.put(session, path, text)
}

// GetIntermediate reads the recognized-text slot. ok is false when nothing has
// been written yet, which is distinct from an empty value.
func (s *FileStore) GetIntermediate(session string) (text string, ok bool, err error) {
	path, err := s.IntermediatePath(session)
	if err != nil {
		return "", false, err
	}
	return get(path)
}

// PutFinal overwrites the analysis-result slot.
func (s *FileStore) PutFinal(session, text string) error {
	path, err := s.FinalPath(session)
	if err != nil {
		return err
	}
	return s.put(session, path, text)
}

// GetFinal reads the analysis-result slot, trimmed of surrounding whitespace.
func (s *FileStore) GetFinal(session string) (text string, ok bool, err error) {
	path, err := s.FinalPath(session)
	if err != nil {
		return "", false, err
	}
	return get(path)
}

func (s *FileStore) put(session, path, text string) error {
	if _, err := s.Workspace(session); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace artifact: %w", err)
	}
	return nil
}

func get(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read artifact: %w", err)
	}
	return strings.TrimSpace(string(data)), true, nil
}
