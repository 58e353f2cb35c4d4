// Package gallery holds the enrolled identities that recognition matches against.
package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Identity is one enrolled student and the reference descriptors computed from their photos.
// Embeddings are never edited in place: re-enrollment replaces the whole set.
type Identity struct {
	StudentID   string      `json:"student_id"`
	DisplayName string      `json:"display_name"`
	RollNumber  int         `json:"roll_number"`
	Embeddings  [][]float64 `json:"embeddings"`
}

// Provider lists the currently enrolled identities.
type Provider interface {
	ListIdentities(ctx context.Context) ([]Identity, error)
}

// Registry is a gallery that can be edited between sessions.
type Registry interface {
	Provider
	// EnrollStudent creates the identity or replaces it, embeddings included.
	EnrollStudent(ctx context.Context, id Identity) error
	RenameStudent(ctx context.Context, studentID, name string) error
}

var (
	ErrEmptyStudentID    = errors.New("identity has empty student id")
	ErrDuplicateStudent  = errors.New("duplicate student id in gallery")
	ErrDuplicateRoll     = errors.New("duplicate roll number in gallery")
	ErrNoEmbeddings      = errors.New("identity has no reference embeddings")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrNotEnrolled       = errors.New("student not enrolled")
)

// Snapshot is an immutable, roll-ordered copy of the gallery taken when a session opens.
type Snapshot struct {
	identities []Identity
	byID       map[string]int
	dim        int
}

// NewSnapshot validates and deep-copies identities. Every embedding across the
// gallery must share one dimension.
func NewSnapshot(identities []Identity) (*Snapshot, error) {
	s := &Snapshot{
		identities: make([]Identity, 0, len(identities)),
		byID:       make(map[string]int, len(identities)),
	}
	rolls := make(map[int]string, len(identities))

	for _, id := range identities {
		if id.StudentID == "" {
			return nil, ErrEmptyStudentID
		}
		if _, ok := s.byID[id.StudentID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStudent, id.StudentID)
		}
		if other, ok := rolls[id.RollNumber]; ok {
			return nil, fmt.Errorf("%w: %d (%s, %s)", ErrDuplicateRoll, id.RollNumber, other, id.StudentID)
		}
		if len(id.Embeddings) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoEmbeddings, id.StudentID)
		}

		cp := Identity{
			StudentID:   id.StudentID,
			DisplayName: id.DisplayName,
			RollNumber:  id.RollNumber,
			Embeddings:  make([][]float64, len(id.Embeddings)),
		}
		for i, e := range id.Embeddings {
			if s.dim == 0 {
				s.dim = len(e)
			}
			if len(e) != s.dim {
				return nil, fmt.Errorf("%w: %s has %d, gallery has %d", ErrDimensionMismatch, id.StudentID, len(e), s.dim)
			}
			cp.Embeddings[i] = append([]float64(nil), e...)
		}

		rolls[id.RollNumber] = id.StudentID
		s.byID[id.StudentID] = len(s.identities)
		s.identities = append(s.identities, cp)
	}

	sort.SliceStable(s.identities, func(i, j int) bool {
		return s.identities[i].RollNumber < s.identities[j].RollNumber
	})
	for i, id := range s.identities {
		s.byID[id.StudentID] = i
	}
	return s, nil
}

// Load takes a snapshot from a provider.
func Load(ctx context.Context, p Provider) (*Snapshot, error) {
	ids, err := p.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return NewSnapshot(ids)
}

// Identities returns the identities ordered by roll number. Callers must not modify them.
func (s *Snapshot) Identities() []Identity { return s.identities }

// Len is the number of enrolled identities.
func (s *Snapshot) Len() int { return len(s.identities) }

// Dim is the descriptor length shared by every reference embedding, 0 for an empty gallery.
func (s *Snapshot) Dim() int { return s.dim }

// Lookup finds an identity by student id.
func (s *Snapshot) Lookup(studentID string) (Identity, bool) {
	i, ok := s.byID[studentID]
	if !ok {
		return Identity{}, false
	}
	return s.identities[i], true
}

// FileProvider reads identities from a JSON array on disk. It is re-read on every call,
// so edits between sessions are picked up.
type FileProvider struct {
	Path string
}

func (f FileProvider) ListIdentities(ctx context.Context) ([]Identity, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	var ids []Identity
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode gallery %s: %w", f.Path, err)
	}
	return ids, nil
}

// EnrollStudent rewrites the file with id added or replaced. A missing file is
// treated as an empty gallery.
func (f FileProvider) EnrollStudent(ctx context.Context, id Identity) error {
	ids, err := f.ListIdentities(ctx)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	replaced := false
	for i := range ids {
		if ids[i].StudentID == id.StudentID {
			ids[i] = id
			replaced = true
		}
	}
	if !replaced {
		ids = append(ids, id)
	}
	return f.save(ids)
}

func (f FileProvider) RenameStudent(ctx context.Context, studentID, name string) error {
	ids, err := f.ListIdentities(ctx)
	if err != nil {
		return err
	}
	for i := range ids {
		if ids[i].StudentID == studentID {
			ids[i].DisplayName = name
			return f.save(ids)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotEnrolled, studentID)
}

// save validates ids as a gallery and replaces the file atomically.
func (f FileProvider) save(ids []Identity) error {
	snap, err := NewSnapshot(ids)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap.Identities(), "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".gallery-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

// Static serves a fixed list, used for tests and dry runs.
type Static []Identity

func (s Static) ListIdentities(ctx context.Context) ([]Identity, error) {
	return append([]Identity(nil), s...), nil
}
