// Package artifacts lays out the per-session files written while an
// interview runs: captured answers, converted audio, transcripts, scores and
// synthesised replies. Names derive only from the step index and step id.
package artifacts

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	rawDir = "raw"
	wavDir = "wav"
	outDir = "out"

	TranscriptFile = "transcript.txt"
	SegmentsFile   = "segments.json"
	MetaFile       = "meta.json"
	ScoreFile      = "score.json"
	ReplyStem      = "system_reply"

	defaultRawExt = ".bin"
)

// Artifact locates one written file.
type Artifact struct {
	// Path is the filesystem path.
	Path string
	// RelPath is relative to the session directory, slash separated.
	RelPath string
	// URL is where the file is served.
	URL string
}

// Store owns the artifact tree rooted at the sessions directory.
type Store struct {
	root      string
	urlPrefix string
}

func New(root string) *Store {
	return &Store{root: root, urlPrefix: "/files"}
}

func (s *Store) Root() string { return s.root }

// SessionDir returns the directory holding everything for one session.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// StepStem is the stable name prefix for a step, e.g. "step03_recall_3_words".
func StepStem(index int, stepID string) string {
	return fmt.Sprintf("step%02d_%s", index, sanitize(stepID))
}

// StepOutDir is the relative output directory for one answered step.
func StepOutDir(index int, stepID string) string {
	return path.Join(outDir, StepStem(index, stepID))
}

// StartOutDir is the relative output directory for the opening prompt.
func StartOutDir() string {
	return path.Join(outDir, "start")
}

// SaveRaw stores an uploaded answer under raw/, keeping the lower-cased
// extension of filename. The file is fsynced before SaveRaw returns. The
// artifact is returned even on error so callers can clean it up.
func (s *Store) SaveRaw(sessionID string, index int, stepID, filename string, r io.Reader) (Artifact, int64, error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(strings.TrimSpace(filename))))
	if ext == "" || ext == "." || !validExt.MatchString(ext) {
		ext = defaultRawExt
	}
	a := s.artifact(sessionID, path.Join(rawDir, StepStem(index, stepID)+ext))
	n, err := writeSynced(a.Path, r)
	return a, n, err
}

// ConvertedPath is where the normalised WAV for a step lives.
func (s *Store) ConvertedPath(sessionID string, index int, stepID string) Artifact {
	return s.artifact(sessionID, path.Join(wavDir, StepStem(index, stepID)+".wav"))
}

// StepFile locates name inside the output directory for a step.
func (s *Store) StepFile(sessionID, dir, name string) Artifact {
	return s.artifact(sessionID, path.Join(dir, name))
}

// WriteFile atomically writes data at rel inside the session directory.
func (s *Store) WriteFile(sessionID, rel string, data []byte) (Artifact, error) {
	a := s.artifact(sessionID, rel)
	if err := WriteFileAtomic(a.Path, data, 0o644); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// WriteJSON atomically writes v as JSON at rel inside the session directory.
func (s *Store) WriteJSON(sessionID, rel string, v any) (Artifact, error) {
	a := s.artifact(sessionID, rel)
	if err := WriteJSONAtomic(a.Path, v); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// Remove deletes an artifact, ignoring missing files.
func (s *Store) Remove(a Artifact) error {
	if a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) artifact(sessionID, rel string) Artifact {
	rel = path.Clean(rel)
	return Artifact{
		Path:    filepath.Join(s.root, sessionID, filepath.FromSlash(rel)),
		RelPath: rel,
		URL:     path.Join(s.urlPrefix, sessionID, rel),
	}
}

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	validExt    = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)
)

func sanitize(stepID string) string {
	out := strings.Trim(unsafeChars.ReplaceAllString(strings.TrimSpace(stepID), "_"), "_")
	if out == "" {
		return "step"
	}
	return out
}
