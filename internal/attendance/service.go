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
	"faceattend/internal/matcher"
	"faceattend/internal/metrics"
	"faceattend/internal/notify"
	"faceattend/internal/queue"
	"faceattend/internal/tokenstore"
)

// StudentStore persists students.
type StudentStore interface {
	CreateStudent(ctx context.Context, st *Student) error
	StudentByID(ctx context.Context, id string) (*Student, error)
	StudentByName(ctx context.Context, firstName, lastName string) (*Student, error)
	UpdateStudent(ctx context.Context, st *Student) error
	SetVerified(ctx context.Context, id string, verified bool) error
	DeleteStudent(ctx context.Context, id string) error
	ListStudents(ctx context.Context) ([]Student, error)
}

// RecordStore persists attendance records. ClaimOldestPending must be atomic:
// two concurrent calls for one student never return the same record.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *Record) error
	RecordByID(ctx context.Context, id string) (*Record, error)
	ClaimOldestPending(ctx context.Context, studentID string) (*Record, error)
	MarkConfirmed(ctx context.Context, id string) error
	ListRecords(ctx context.Context, studentID string, limit, offset int) ([]Record, error)
}

// Matcher resolves an uploaded image to an identity in the reference corpus.
// Verify is the quality gate before any frame is written into the corpus: it
// checks that two images show the same usable face.
type Matcher interface {
	Match(ctx context.Context, image []byte, corpusPath string) (*matcher.MatchResult, error)
	Verify(ctx context.Context, imageA, imageB []byte) (bool, error)
}

// CorpusStore manages the reference-image tree the matcher searches.
type CorpusStore interface {
	Root() string
	Enroll(firstName, lastName string, image []byte, ext string) (string, error)
	Remove(firstName, lastName, path string) error
	CreateIdentity(firstName, lastName string) error
	DeleteIdentity(firstName, lastName string) error
	List() ([]string, error)
	FindDuplicates(firstName, lastName string) (corpus.DedupReport, error)
}

// Service drives an attendance record through its states: pending on
// creation, recognized after a face match (token registered and emailed),
// confirmed after token redemption.
type Service struct {
	students StudentStore
	records  RecordStore
	tokens   tokenstore.Store
	match    Matcher
	corpus   CorpusStore
	notifier notify.Sender
	jobs     queue.Queue
	tokenTTL time.Duration
}

// NewService wires the state machine. jobs may be nil; dedup scans are then
// skipped instead of queued.
func NewService(students StudentStore, records RecordStore, tokens tokenstore.Store, match Matcher, cs CorpusStore, notifier notify.Sender, jobs queue.Queue, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 72 * time.Hour
	}
	if notifier == nil {
		notifier = notify.LogSender{}
	}
	return &Service{
		students: students,
		records:  records,
		tokens:   tokens,
		match:    match,
		corpus:   cs,
		notifier: notifier,
		jobs:     jobs,
		tokenTTL: tokenTTL,
	}
}

// CreateEntry is one attendance record to provision.
type CreateEntry struct {
	StudentID string `json:"student_id" binding:"required"`
	Subject   string `json:"subject" binding:"required"`
}

// Create provisions records for a class session, single or batch. Every
// record gets its token up front so the value stays stable across
// recognition retries; the token is not live until recognition registers it.
func (s *Service) Create(ctx context.Context, entries []CreateEntry) ([]Record, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrInvalidEntry)
	}
	recs := make([]Record, 0, len(entries))
	for _, e := range entries {
		if e.StudentID == "" || e.Subject == "" {
			return nil, fmt.Errorf("%w: student and subject required", ErrInvalidEntry)
		}
		st, err := s.students.StudentByID(ctx, e.StudentID)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, fmt.Errorf("%w: %s", ErrStudentNotFound, e.StudentID)
		}
		rec := Record{
			ID:        uuid.NewString(),
			StudentID: e.StudentID,
			Subject:   e.Subject,
			Token:     uuid.NewString(),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.records.CreateRecord(ctx, &rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// RecognitionResult is returned to the caller after a successful match.
type RecognitionResult struct {
	Student       *Student `json:"detected"`
	Record        *Record  `json:"attendance"`
	Confidence    float64  `json:"confidence"`
	AvgConfidence float64  `json:"avg_confidence"`
}

// Recognize matches the uploaded image against the corpus, claims the
// student's oldest unmatched record, registers its token and emails it.
// The matched frame is stored back into the corpus and a dedup scan is
// queued; both are best-effort and never fail the request.
func (s *Service) Recognize(ctx context.Context, image []byte, ext string) (*RecognitionResult, error) {
	res, err := s.match.Match(ctx, image, s.corpus.Root())
	if err != nil {
		switch {
		case errors.Is(err, matcher.ErrNoMatch):
			metrics.RecognitionAttempts.WithLabelValues("no_match").Inc()
		case errors.Is(err, matcher.ErrMatchTimeout):
			metrics.RecognitionAttempts.WithLabelValues("timeout").Inc()
		default:
			metrics.RecognitionAttempts.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	firstName, lastName, ok := strings.Cut(res.Identity, " ")
	if !ok {
		metrics.RecognitionAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: malformed identity label %q", ErrStudentNotFound, res.Identity)
	}
	student, err := s.students.StudentByName(ctx, firstName, lastName)
	if err != nil {
		return nil, err
	}
	if student == nil {
		metrics.RecognitionAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s", ErrStudentNotFound, res.Identity)
	}

	// An unverified student never gets a live token.
	if !student.Verified {
		metrics.RecognitionAttempts.WithLabelValues("unverified").Inc()
		return nil, ErrUnverifiedIdentity
	}

	rec, err := s.records.ClaimOldestPending(ctx, student.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		metrics.RecognitionAttempts.WithLabelValues("no_pending").Inc()
		return nil, ErrNoPendingAttendance
	}

	if err := s.tokens.Issue(ctx, tokenstore.NamespaceAttendance, rec.Token, rec.ID, s.tokenTTL); err != nil {
		metrics.RecognitionAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("register confirmation token: %w", err)
	}

	s.emailToken(ctx, student, rec)
	s.storeFrame(ctx, firstName, lastName, image, ext)

	metrics.RecognitionAttempts.WithLabelValues("matched").Inc()
	return &RecognitionResult{
		Student:       student,
		Record:        rec,
		Confidence:    res.Confidence,
		AvgConfidence: res.AvgConfidence,
	}, nil
}

// Confirm redeems a confirmation token and marks the bound record confirmed.
// Redemption is atomic in the token store, so a token confirms exactly once;
// a second attempt sees ErrTokenExpired.
func (s *Service) Confirm(ctx context.Context, token string) (*Record, error) {
	recID, err := s.tokens.Redeem(ctx, tokenstore.NamespaceAttendance, token)
	if errors.Is(err, tokenstore.ErrNotFound) {
		metrics.Confirmations.WithLabelValues("expired").Inc()
		return nil, ErrTokenExpired
	}
	if err != nil {
		metrics.Confirmations.WithLabelValues("error").Inc()
		return nil, err
	}

	rec, err := s.records.RecordByID(ctx, recID)
	if err != nil {
		metrics.Confirmations.WithLabelValues("error").Inc()
		return nil, err
	}
	if rec == nil {
		metrics.Confirmations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("attendance record %s missing for redeemed token", recID)
	}
	if err := s.records.MarkConfirmed(ctx, rec.ID); err != nil {
		metrics.Confirmations.WithLabelValues("error").Inc()
		return nil, err
	}
	rec.Confirmed = true

	metrics.Confirmations.WithLabelValues("confirmed").Inc()
	return rec, nil
}

// emailToken sends the confirmation token; failures are logged, never fatal.
func (s *Service) emailToken(ctx context.Context, student *Student, rec *Record) {
	if student.Email == "" {
		log.Printf("attendance: student %s has no email, token not sent", student.ID)
		metrics.EmailsSent.WithLabelValues("failed").Inc()
		return
	}
	body := fmt.Sprintf("Here is the token to confirm your attendance: %s", rec.Token)
	if err := s.notifier.Send(ctx, student.Email, "Confirm your attendance", body); err != nil {
		log.Printf("attendance: email to %s failed: %v", student.Email, err)
		metrics.EmailsSent.WithLabelValues("failed").Inc()
		return
	}
	metrics.EmailsSent.WithLabelValues("sent").Inc()
}

// storeFrame writes the matched frame into the corpus and queues a dedup
// scan. Every confirmed sighting improves future matches. Frames that fail
// the quality gate are dropped; the recognition result stands either way.
func (s *Service) storeFrame(ctx context.Context, firstName, lastName string, image []byte, ext string) {
	ok, err := s.match.Verify(ctx, image, image)
	if err != nil || !ok {
		log.Printf("attendance: matched frame for %s %s failed quality check, not stored (ok=%v err=%v)", firstName, lastName, ok, err)
		return
	}
	if _, err := s.corpus.Enroll(firstName, lastName, image, ext); err != nil {
		log.Printf("attendance: storing matched frame for %s %s failed: %v", firstName, lastName, err)
		return
	}
	if s.jobs == nil {
		return
	}
	msg := queue.Message{Type: queue.TypeDedup, Body: []byte(corpus.DirName(firstName, lastName))}
	if err := s.jobs.Publish(context.Background(), msg); err != nil {
		log.Printf("attendance: queueing dedup scan for %s %s failed: %v", firstName, lastName, err)
	}
}
