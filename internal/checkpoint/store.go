// Package checkpoint persists job progress so an interrupted run can resume
// without re-inferring completed chunks.
//
// Layout under the checkpoint directory:
//
//	state.json           manifest snapshot
//	chunk_000000.wav     16-bit mono PCM for chunk 0
//	chunk_000001.wav     ...
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const manifestName = "state.json"

// Reasons reported when a checkpoint cannot be resumed.
const (
	ReasonMissing        = "missing"
	ReasonHashMismatch   = "hash_mismatch"
	ReasonConfigMismatch = "config_mismatch"
	ReasonChunkMismatch  = "chunk_mismatch"
)

// Dir returns the checkpoint directory used for an output path.
func Dir(outputPath string) string {
	return outputPath + ".checkpoint"
}

// Fingerprint returns the hex SHA-256 of everything read from r.
func Fingerprint(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintFile hashes the file at path.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum, err := Fingerprint(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, nil
}

// Store reads and writes checkpoint state under a single directory.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore binds a store to dir. Nothing is created until the first save.
func NewStore(dir string, log *slog.Logger) *Store {
	return &Store{dir: dir, log: log.With(slog.String("component", "checkpoint"))}
}

// Dir returns the directory the store writes to.
func (s *Store) Dir() string { return s.dir }

// Save writes the manifest via a temp file and rename so a crash leaves
// either the previous or the new snapshot on disk.
func (s *Store) Save(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, manifestName), func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

// Load returns the stored manifest. Missing or structurally invalid state
// yields ok=false rather than an error.
func (s *Store) Load() (*Manifest, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestName))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("read checkpoint manifest", slog.String("error", err.Error()))
		}
		return nil, false
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		s.log.Warn("corrupt checkpoint manifest", slog.String("error", err.Error()))
		return nil, false
	}
	if err := m.Validate(); err != nil {
		s.log.Warn("invalid checkpoint manifest", slog.String("error", err.Error()))
		return nil, false
	}
	return &m, true
}

// Verdict is the outcome of checking a stored checkpoint against a run.
type Verdict struct {
	OK       bool
	Reason   string
	Manifest *Manifest
}

// Check compares the stored manifest with the current input fingerprint
// and run settings. Every key in VerifyKeys must match exactly.
func (s *Store) Check(fingerprint string, cfg map[string]string) Verdict {
	m, ok := s.Load()
	if !ok {
		return Verdict{Reason: ReasonMissing}
	}
	if m.InputFingerprint != fingerprint {
		return Verdict{Reason: ReasonHashMismatch, Manifest: m}
	}
	for _, key := range VerifyKeys {
		stored, found := m.Config[key]
		current, present := cfg[key]
		if !found || !present || stored != current {
			return Verdict{Reason: ReasonConfigMismatch, Manifest: m}
		}
	}
	return Verdict{OK: true, Manifest: m}
}

// Verify reports whether the checkpoint can be resumed for this run.
func (s *Store) Verify(fingerprint string, cfg map[string]string) bool {
	return s.Check(fingerprint, cfg).OK
}

// Cleanup removes the checkpoint directory and everything in it.
func (s *Store) Cleanup() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove checkpoint dir: %w", err)
	}
	return nil
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
