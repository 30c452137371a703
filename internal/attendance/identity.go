package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"faceattend/internal/corpus"
	"faceattend/internal/metrics"
)

// EnrollRequest carries a new student to enroll.
type EnrollRequest struct {
	FirstName    string `json:"first_name" binding:"required"`
	LastName     string `json:"last_name" binding:"required"`
	Year         int    `json:"year"`
	FieldOfStudy string `json:"field_of_study"`
	Email        string `json:"email"`
}

// EnrollStudent creates the student row and its corpus directory. When the
// directory cannot be created the row is rolled back so the two never drift.
func (s *Service) EnrollStudent(ctx context.Context, req EnrollRequest) (*Student, error) {
	existing, err := s.students.StudentByName(ctx, req.FirstName, req.LastName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: student %s %s", corpus.ErrIdentityExists, req.FirstName, req.LastName)
	}

	st := &Student{
		ID:           uuid.NewString(),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Year:         req.Year,
		FieldOfStudy: req.FieldOfStudy,
		Email:        req.Email,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.students.CreateStudent(ctx, st); err != nil {
		return nil, err
	}
	if err := s.corpus.CreateIdentity(req.FirstName, req.LastName); err != nil && !errors.Is(err, corpus.ErrIdentityExists) {
		if derr := s.students.DeleteStudent(ctx, st.ID); derr != nil {
			log.Printf("attendance: rollback of student %s failed: %v", st.ID, derr)
		}
		return nil, fmt.Errorf("create corpus identity: %w", err)
	}
	return st, nil
}

// VerifyStudent enrolls a fresh image into the student's corpus directory and
// runs a test match against it. The frame goes in first so a brand-new
// student, whose directory is still empty, can match against their own image;
// if the test match resolves to anyone else the frame is removed again. Only
// verified students can receive confirmation tokens.
func (s *Service) VerifyStudent(ctx context.Context, studentID string, image []byte, ext string) (*Student, error) {
	st, err := s.students.StudentByID(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrStudentNotFound, studentID)
	}

	// Quality gate: reject frames without a usable face before touching the
	// corpus.
	ok, err := s.match.Verify(ctx, image, image)
	if err != nil {
		return nil, fmt.Errorf("frame quality check: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no usable face in frame", corpus.ErrCorruptImage)
	}

	path, err := s.corpus.Enroll(st.FirstName, st.LastName, image, ext)
	if err != nil {
		return nil, fmt.Errorf("enroll verification frame: %w", err)
	}

	res, err := s.match.Match(ctx, image, s.corpus.Root())
	if err != nil {
		s.discardFrame(st, path)
		return nil, err
	}
	if res.Identity != corpus.DirName(st.FirstName, st.LastName) {
		s.discardFrame(st, path)
		return nil, fmt.Errorf("image matched %q, not %s %s", res.Identity, st.FirstName, st.LastName)
	}

	if err := s.students.SetVerified(ctx, st.ID, true); err != nil {
		s.discardFrame(st, path)
		return nil, err
	}
	st.Verified = true
	return st, nil
}

// discardFrame rolls an enrolled frame back out of the corpus.
func (s *Service) discardFrame(st *Student, path string) {
	if err := s.corpus.Remove(st.FirstName, st.LastName, path); err != nil {
		log.Printf("attendance: removing verification frame %s failed: %v", path, err)
	}
}

// RemoveStudent deletes the student row and its corpus directory. A missing
// directory is tolerated; the row is the source of truth.
func (s *Service) RemoveStudent(ctx context.Context, studentID string) error {
	st, err := s.students.StudentByID(ctx, studentID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("%w: %s", ErrStudentNotFound, studentID)
	}
	if err := s.corpus.DeleteIdentity(st.FirstName, st.LastName); err != nil && !errors.Is(err, corpus.ErrUnknownIdentity) {
		return fmt.Errorf("delete corpus identity: %w", err)
	}
	return s.students.DeleteStudent(ctx, st.ID)
}

// Students lists enrolled students.
func (s *Service) Students(ctx context.Context) ([]Student, error) {
	return s.students.ListStudents(ctx)
}

// Identities lists the corpus directories.
func (s *Service) Identities() ([]string, error) {
	return s.corpus.List()
}

// DedupScan runs duplicate removal across every enrolled identity and
// aggregates the per-identity reports.
func (s *Service) DedupScan(ctx context.Context) (corpus.DedupReport, error) {
	names, err := s.corpus.List()
	if err != nil {
		return corpus.DedupReport{}, err
	}
	var total corpus.DedupReport
	for _, name := range names {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		first, last, ok := splitIdentity(name)
		if !ok {
			continue
		}
		rep, err := s.corpus.FindDuplicates(first, last)
		if err != nil {
			log.Printf("attendance: dedup scan for %q failed: %v", name, err)
			continue
		}
		total.Removed += rep.Removed
		total.BytesReclaimed += rep.BytesReclaimed
	}
	if total.Removed > 0 {
		metrics.DuplicatesRemoved.Add(float64(total.Removed))
	}
	return total, nil
}

// splitIdentity splits a corpus directory name back into first and last name.
func splitIdentity(name string) (first, last string, ok bool) {
	return strings.Cut(name, " ")
}
