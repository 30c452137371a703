package attendance

import "time"

// Student is an enrolled person with a reference face corpus. Verified flips
// to true only after a successful recognition-backed re-verification; an
// unverified student cannot self-confirm attendance.
type Student struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Year         int       `json:"year"`
	FieldOfStudy string    `json:"field_of_study"`
	Email        string    `json:"email,omitempty"`
	Verified     bool      `json:"verified"`
	CreatedAt    time.Time `json:"created_at"`
}

// Record is one expected attendance event for one student in one subject.
// The token is assigned at creation time and stays stable across retries; it
// is only registered in the token store once recognition succeeds.
//
// Confirmed implies Recognition, enforced by workflow order.
type Record struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	Subject     string    `json:"subject"`
	Token       string    `json:"-"`
	Recognition bool      `json:"recognition"`
	Confirmed   bool      `json:"confirmed"`
	CreatedAt   time.Time `json:"created_at"`
}
