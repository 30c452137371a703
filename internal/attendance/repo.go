package attendance

import (
	"context"
	"database/sql"
	"errors"
)

// Repository persists students and attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateStudent inserts a new student.
func (r *Repository) CreateStudent(ctx context.Context, st *Student) error {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (id, first_name, last_name, year, field_of_study, email, verified)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, st.ID, st.FirstName, st.LastName, st.Year, st.FieldOfStudy, st.Email, st.Verified)
	return row.Scan(&st.CreatedAt)
}

// StudentByID returns a student or nil when absent.
func (r *Repository) StudentByID(ctx context.Context, id string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, year, field_of_study, email, verified, created_at
		FROM students WHERE id = $1
	`, id)
	return scanStudent(row)
}

// StudentByName returns a student by first and last name or nil when absent.
func (r *Repository) StudentByName(ctx context.Context, firstName, lastName string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, year, field_of_study, email, verified, created_at
		FROM students WHERE first_name = $1 AND last_name = $2
	`, firstName, lastName)
	return scanStudent(row)
}

// UpdateStudent overwrites the mutable student fields.
func (r *Repository) UpdateStudent(ctx context.Context, st *Student) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE students
		SET year = $2, field_of_study = $3, email = $4
		WHERE id = $1
	`, st.ID, st.Year, st.FieldOfStudy, st.Email)
	return err
}

// SetVerified flips the verification flag.
func (r *Repository) SetVerified(ctx context.Context, id string, verified bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE students SET verified = $2 WHERE id = $1`, id, verified)
	return err
}

// DeleteStudent removes a student row.
func (r *Repository) DeleteStudent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
	return err
}

// ListStudents returns all students ordered by name.
func (r *Repository) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, year, field_of_study, email, verified, created_at
		FROM students
		ORDER BY last_name, first_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.FirstName, &st.LastName, &st.Year, &st.FieldOfStudy, &st.Email, &st.Verified, &st.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// CreateRecord inserts a new attendance record in the pending state.
func (r *Repository) CreateRecord(ctx context.Context, rec *Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (id, student_id, subject, token, recognition, confirmed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.StudentID, rec.Subject, rec.Token, rec.Recognition, rec.Confirmed, rec.CreatedAt)
	return err
}

// RecordByID returns a record or nil when absent.
func (r *Repository) RecordByID(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, subject, token, recognition, confirmed, created_at
		FROM attendance WHERE id = $1
	`, id)
	return scanRecord(row)
}

// ClaimOldestPending atomically flips recognition on the student's oldest
// record that is neither recognized nor confirmed, and returns it. The claim
// is a single conditional UPDATE so two concurrent recognition attempts can
// never take the same record. Returns nil when nothing is claimable.
func (r *Repository) ClaimOldestPending(ctx context.Context, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance SET recognition = TRUE
		WHERE id = (
			SELECT id FROM attendance
			WHERE student_id = $1 AND recognition = FALSE AND confirmed = FALSE
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, student_id, subject, token, recognition, confirmed, created_at
	`, studentID)
	return scanRecord(row)
}

// MarkConfirmed sets the terminal confirmed flag.
func (r *Repository) MarkConfirmed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attendance SET confirmed = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New("attendance record not found")
	}
	return nil
}

// ListRecords returns a student's records, newest first.
func (r *Repository) ListRecords(ctx context.Context, studentID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, subject, token, recognition, confirmed, created_at
		FROM attendance
		WHERE student_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, studentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.Subject, &rec.Token, &rec.Recognition, &rec.Confirmed, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanStudent(row *sql.Row) (*Student, error) {
	var st Student
	if err := row.Scan(&st.ID, &st.FirstName, &st.LastName, &st.Year, &st.FieldOfStudy, &st.Email, &st.Verified, &st.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.Subject, &rec.Token, &rec.Recognition, &rec.Confirmed, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
