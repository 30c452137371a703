package attendance

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"faceattend/internal/corpus"
	"faceattend/internal/matcher"
	"faceattend/internal/tokenstore"
)

// ---------- fakes ----------

type fakeStudents struct {
	mu       sync.Mutex
	students map[string]*Student
}

func newFakeStudents() *fakeStudents {
	return &fakeStudents{students: make(map[string]*Student)}
}

func (f *fakeStudents) CreateStudent(_ context.Context, st *Student) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *st
	f.students[st.ID] = &cp
	return nil
}

func (f *fakeStudents) StudentByID(_ context.Context, id string) (*Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.students[id]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStudents) StudentByName(_ context.Context, firstName, lastName string) (*Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.students {
		if st.FirstName == firstName && st.LastName == lastName {
			cp := *st
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStudents) UpdateStudent(_ context.Context, st *Student) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.students[st.ID]; ok {
		cur.Year = st.Year
		cur.FieldOfStudy = st.FieldOfStudy
		cur.Email = st.Email
	}
	return nil
}

func (f *fakeStudents) SetVerified(_ context.Context, id string, verified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.students[id]; ok {
		st.Verified = verified
	}
	return nil
}

func (f *fakeStudents) DeleteStudent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.students, id)
	return nil
}

func (f *fakeStudents) ListStudents(_ context.Context) ([]Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Student
	for _, st := range f.students {
		out = append(out, *st)
	}
	return out, nil
}

type fakeRecords struct {
	mu    sync.Mutex
	order []string
	recs  map[string]*Record
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{recs: make(map[string]*Record)}
}

func (f *fakeRecords) CreateRecord(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.recs[rec.ID] = &cp
	f.order = append(f.order, rec.ID)
	return nil
}

func (f *fakeRecords) RecordByID(_ context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.recs[id]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

// ClaimOldestPending mirrors the single-statement conditional UPDATE of the
// Postgres repo: lookup and flag flip happen under one lock.
func (f *fakeRecords) ClaimOldestPending(_ context.Context, studentID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := append([]string(nil), f.order...)
	sort.SliceStable(ids, func(i, j int) bool {
		return f.recs[ids[i]].CreatedAt.Before(f.recs[ids[j]].CreatedAt)
	})
	for _, id := range ids {
		rec := f.recs[id]
		if rec.StudentID == studentID && !rec.Recognition && !rec.Confirmed {
			rec.Recognition = true
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRecords) MarkConfirmed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return errors.New("attendance record not found")
	}
	rec.Confirmed = true
	return nil
}

func (f *fakeRecords) ListRecords(_ context.Context, studentID string, _, _ int) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, id := range f.order {
		if f.recs[id].StudentID == studentID {
			out = append(out, *f.recs[id])
		}
	}
	return out, nil
}

type fakeMatcher struct {
	result    *matcher.MatchResult
	err       error
	badFrame  bool
	verifyErr error
}

func (f *fakeMatcher) Match(context.Context, []byte, string) (*matcher.MatchResult, error) {
	return f.result, f.err
}

func (f *fakeMatcher) Verify(context.Context, []byte, []byte) (bool, error) {
	return !f.badFrame, f.verifyErr
}

type sentMail struct {
	recipient, subject, body string
}

type recordingSender struct {
	mu   sync.Mutex
	fail bool
	sent []sentMail
}

func (r *recordingSender) Send(_ context.Context, recipient, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("smtp down")
	}
	r.sent = append(r.sent, sentMail{recipient, subject, body})
	return nil
}

// ---------- fixture ----------

type fixture struct {
	svc      *Service
	students *fakeStudents
	records  *fakeRecords
	tokens   *tokenstore.MemoryStore
	match    *fakeMatcher
	sender   *recordingSender
	corpus   *corpus.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		students: newFakeStudents(),
		records:  newFakeRecords(),
		tokens:   tokenstore.NewMemoryStore(),
		match:    &fakeMatcher{},
		sender:   &recordingSender{},
		corpus:   corpus.NewManager(t.TempDir(), 8, 80),
	}
	f.svc = NewService(f.students, f.records, f.tokens, f.match, f.corpus, f.sender, nil, time.Hour)
	return f
}

func (f *fixture) addStudent(t *testing.T, id, first, last string, verified bool) *Student {
	t.Helper()
	st := &Student{ID: id, FirstName: first, LastName: last, Email: first + "@example.com", Verified: verified}
	if err := f.students.CreateStudent(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if err := f.corpus.CreateIdentity(first, last); err != nil {
		t.Fatal(err)
	}
	return st
}

func (f *fixture) matchAs(first, last string, confidence float64) {
	f.match.result = &matcher.MatchResult{
		Identity:      first + " " + last,
		Confidence:    confidence,
		AvgConfidence: confidence,
		Candidates:    []matcher.Candidate{{Identity: first + " " + last, Confidence: confidence}},
	}
}

func testJPEG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for x := 0; x < 32; x++ {
		for y := 0; y < 32; y++ {
			gray := uint8((x + y) * 4)
			img.Set(x, y, color.RGBA{gray, gray, gray, 255})
		}
	}
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}

// ---------- tests ----------

func TestCreateAssignsEagerTokens(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Alice", "Smith", true)
	f.addStudent(t, "s2", "Bob", "Jones", true)

	recs, err := f.svc.Create(context.Background(), []CreateEntry{
		{StudentID: "s1", Subject: "Algorithms"},
		{StudentID: "s2", Subject: "Algorithms"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("created %d records; want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.Token == "" {
			t.Error("record created without token")
		}
		if rec.Recognition || rec.Confirmed {
			t.Error("new record should be pending")
		}
	}
	if recs[0].Token == recs[1].Token {
		t.Error("records share a token")
	}
}

func TestCreateUnknownStudent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), []CreateEntry{{StudentID: "ghost", Subject: "Algorithms"}})
	if !errors.Is(err, ErrStudentNotFound) {
		t.Errorf("Create = %v; want ErrStudentNotFound", err)
	}
}

func TestRecognizeHappyPath(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Alice", "Smith", true)
	f.matchAs("Alice", "Smith", 0.93)

	recs, err := f.svc.Create(context.Background(), []CreateEntry{{StudentID: "s1", Subject: "Algorithms"}})
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.svc.Recognize(context.Background(), testJPEG(), ".jpg")
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if result.Student.ID != "s1" {
		t.Errorf("matched student %s; want s1", result.Student.ID)
	}
	if !result.Record.Recognition {
		t.Error("claimed record should have recognition set")
	}

	// Token must now be live in the attendance namespace.
	if got, err := f.tokens.Peek(context.Background(), tokenstore.NamespaceAttendance, recs[0].Token); err != nil || got != recs[0].ID {
		t.Errorf("token lookup = %q, %v; want record id %s", got, err, recs[0].ID)
	}

	// Email carries the pre-assigned token.
	if len(f.sender.sent) != 1 {
		t.Fatalf("%d emails sent; want 1", len(f.sender.sent))
	}
	mail := f.sender.sent[0]
	if mail.recipient != "Alice@example.com" {
		t.Errorf("email went to %s", mail.recipient)
	}
	if !bytes.Contains([]byte(mail.body), []byte(recs[0].Token)) {
		t.Errorf("email body %q does not carry token", mail.body)
	}

	// Matched frame stored into the corpus.
	entries, err := os.ReadDir(filepath.Join(f.corpus.Root(), "Alice Smith"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("corpus holds %d frames; want 1", len(entries))
	}
}

func TestRecognizeUnverifiedBlocked(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Alice", "Smith", false)
	f.matchAs("Alice", "Smith", 0.93)

	recs, err := f.svc.Create(context.Background(), []CreateEntry{{StudentID: "s1", Subject: "Algorithms"}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Recognize(context.Background(), testJPEG(), ".jpg"); !errors.Is(err, ErrUnverifiedIdentity) {
		t.Fatalf("Recognize = %v; want ErrUnverifiedIdentity", err)
	}

	// No token activation, no email, record untouched.
	if _, err := f.tokens.Peek(context.Background(), tokenstore.NamespaceAttendance, recs[0].Token); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Error("token must not be live for an unverified student")
	}
	if len(f.sender.sent) != 0 {
		t.Errorf("%d emails sent; want 0", len(f.sender.sent))
	}
	rec, _ := f.records.RecordByID(context.Background(), recs[0].ID)
	if rec.Recognition {
		t.Error("record must stay unclaimed for an unverified student")
	}
}

func TestRecognizeNoPendingAttendance(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Alice", "Smith", true)
	f.matchAs("Alice", "Smith", 0.93)

	if _, err := f.svc.Recognize(context.Background(), testJPEG(), ".jpg"); !errors.Is(err, ErrNoPendingAttendance) {
		t.Errorf("Recognize = %v; want ErrNoPendingAttendance", err)
	}
}

func TestRecognizeStudentNotInDatabase(t *testing.T) {
	f := newFixture(t)
	f.matchAs("Ghost", "Person", 0.93)

	if _, err := f.svc.Recognize(context.Background(), testJPEG(), ".jpg"); !errors.Is(err, ErrStudentNotFound) {
		t.Errorf("Recognize = %v; want ErrStudentNotFound", err)
	}
}

func TestRecognizeNoMatchPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.match.err = matcher.ErrNoMatch

	if _, err := f.svc.Recognize(context.Background(), testJPEG(), ".jpg"); !errors.Is(err, matcher.ErrNoMatch) {
		t.Errorf("Recognize = %v; want matcher.ErrNoMatch", err)
	}
}

func TestRecognizeFirstPendingWins(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Alice", "Smith", true)
	f.matchAs("Alice", "Smith", 0.93)

	ctx := context.Background()
	older, err := f.svc.Create(ctx, []CreateEntry{{StudentID: "s1", Subject: "Algorithms"}})
	if err != nil {
		t.Fatal(err)
	}
	// Push the second record clearly later.
	f.records.mu.Lock()
	f.records.recs[older[0].ID].CreatedAt = time.Now().Add(-time.Hour)
	f.records.mu.Unlock()
	newer, err := f.svc.Create(ctx, []CreateEntry{{StudentID: "s1", Subject: "Databases"}})
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.svc.Recognize(ctx, testJPEG(), ".jpg")
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if result.Record.ID != older[0].ID {
		t.Errorf("claimed record %s; want the oldest %s", result.Record.ID, older[0].ID)
	}
	rec, _ := f.records.RecordByID(ctx, newer[0].ID)
	if rec.Recognition || rec.Confirmed {
		t.Error("newer record must be left untouched")
	}
}

func TestEmailFailureDoesNotRollBackRecognition(t *testing.T) {
	f := newFixture(t)
	f.sender.fail = true
	f.addStudent(t, "s1", "Alice", "Smith", true)
	f.matchAs("Alice", "Smith", 0.93)

	recs, err := f.svc.Create(context.Background(), []CreateEntry{{StudentID: "s1", Subject: "Algorithms"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Recognize(context.Background(), testJPEG(), ".jpg"); err != nil {
		t.Fatalf("Recognize should tolerate email failure, got %v", err)
	}
	// Token stays live even though the email never went out.
	if _, err := f.tokens.Peek(context.Background(), tokenstore.NamespaceAttendance, recs[0].Token); err != nil {
		t.Errorf("token should be live despite email failure: %v", err)
	}
}

func TestConfirmLifecycle(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Alice", "Smith", true)
	f.matchAs("Alice", "Smith", 0.93)

	ctx := context.Background()
	recs, err := f.svc.Create(ctx, []CreateEntry{{StudentID: "s1", Subject: "Algorithms"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Recognize(ctx, testJPEG(), ".jpg"); err != nil {
		t.Fatal(err)
	}

	confirmed, err := f.svc.Confirm(ctx, recs[0].Token)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if !confirmed.Confirmed || !confirmed.Recognition {
		t.Error("confirmed record must have both flags set")
	}

	// The token is single use.
	if _, err := f.svc.Confirm(ctx, recs[0].Token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("second Confirm = %v; want ErrTokenExpired", err)
	}
}

func TestConfirmUnknownToken(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Confirm(context.Background(), "never-issued"); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Confirm = %v; want ErrTokenExpired", err)
	}
}

func TestConfirmBeforeRecognitionFails(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Alice", "Smith", true)

	recs, err := f.svc.Create(context.Background(), []CreateEntry{{StudentID: "s1", Subject: "Algorithms"}})
	if err != nil {
		t.Fatal(err)
	}
	// The token exists on the record but is not in the store until
	// recognition registers it.
	if _, err := f.svc.Confirm(context.Background(), recs[0].Token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Confirm before recognition = %v; want ErrTokenExpired", err)
	}
}

func TestConcurrentConfirmExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Alice", "Smith", true)
	f.matchAs("Alice", "Smith", 0.93)

	ctx := context.Background()
	recs, err := f.svc.Create(ctx, []CreateEntry{{StudentID: "s1", Subject: "Algorithms"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Recognize(ctx, testJPEG(), ".jpg"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Confirm(ctx, recs[0].Token)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, expired int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrTokenExpired):
			expired++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 || expired != 1 {
		t.Errorf("successes=%d expired=%d; want exactly one of each", successes, expired)
	}

	rec, _ := f.records.RecordByID(ctx, recs[0].ID)
	if !rec.Confirmed {
		t.Error("record must be confirmed after the winning redemption")
	}
}

// corpusBackedMatcher resolves to whichever identity directory already holds
// a reference image, the way a real recognizer needs reference data before it
// can match anyone.
type corpusBackedMatcher struct{}

func (corpusBackedMatcher) Match(_ context.Context, _ []byte, corpusPath string) (*matcher.MatchResult, error) {
	dirs, err := os.ReadDir(corpusPath)
	if err != nil {
		return nil, matcher.ErrNoMatch
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(corpusPath, d.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if !f.IsDir() {
				return &matcher.MatchResult{Identity: d.Name(), Confidence: 0.9, AvgConfidence: 0.9}, nil
			}
		}
	}
	return nil, matcher.ErrNoMatch
}

func (corpusBackedMatcher) Verify(context.Context, []byte, []byte) (bool, error) {
	return true, nil
}

func TestVerifyStudentSeedsEmptyCorpus(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.students, f.records, f.tokens, corpusBackedMatcher{}, f.corpus, f.sender, nil, time.Hour)
	st := f.addStudent(t, "s1", "Alice", "Smith", false)

	// The fresh frame must be enrolled before the test match runs, or an
	// empty directory could never match its own student.
	got, err := svc.VerifyStudent(context.Background(), st.ID, testJPEG(), ".jpg")
	if err != nil {
		t.Fatalf("VerifyStudent failed: %v", err)
	}
	if !got.Verified {
		t.Error("student not marked verified")
	}

	stored, _ := f.students.StudentByID(context.Background(), st.ID)
	if !stored.Verified {
		t.Error("verified flag not persisted")
	}
	entries, err := os.ReadDir(filepath.Join(f.corpus.Root(), "Alice Smith"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("corpus holds %d reference images; want the seeded frame", len(entries))
	}
}

func TestVerifyStudentMismatchRollsBackFrame(t *testing.T) {
	f := newFixture(t)
	st := f.addStudent(t, "s1", "Alice", "Smith", false)
	f.addStudent(t, "s2", "Bob", "Jones", true)
	f.matchAs("Bob", "Jones", 0.9)

	if _, err := f.svc.VerifyStudent(context.Background(), st.ID, testJPEG(), ".jpg"); err == nil {
		t.Fatal("VerifyStudent must fail when the image matches someone else")
	}

	stored, _ := f.students.StudentByID(context.Background(), st.ID)
	if stored.Verified {
		t.Error("mismatched frame must not verify the student")
	}
	entries, err := os.ReadDir(filepath.Join(f.corpus.Root(), "Alice Smith"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("mismatched frame left %d files in the corpus; want 0", len(entries))
	}
}

func TestVerifyStudentRejectsBadFrame(t *testing.T) {
	f := newFixture(t)
	st := f.addStudent(t, "s1", "Alice", "Smith", false)
	f.match.badFrame = true

	if _, err := f.svc.VerifyStudent(context.Background(), st.ID, testJPEG(), ".jpg"); err == nil {
		t.Fatal("VerifyStudent must reject a frame without a usable face")
	}

	entries, err := os.ReadDir(filepath.Join(f.corpus.Root(), "Alice Smith"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("rejected frame left %d files in the corpus; want 0", len(entries))
	}
}

func TestRecognizeDropsFrameFailingQualityGate(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Alice", "Smith", true)
	f.matchAs("Alice", "Smith", 0.93)
	f.match.badFrame = true

	ctx := context.Background()
	if _, err := f.svc.Create(ctx, []CreateEntry{{StudentID: "s1", Subject: "Algorithms"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Recognize(ctx, testJPEG(), ".jpg"); err != nil {
		t.Fatalf("Recognize must succeed even when the frame is not stored: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(f.corpus.Root(), "Alice Smith"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("frame failing the quality gate was stored (%d files)", len(entries))
	}
}
