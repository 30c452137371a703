package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"faceattend/internal/account"
	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/corpus"
	"faceattend/internal/matcher"
	"faceattend/internal/respond"
)

// maxImageBytes bounds uploaded image size.
const maxImageBytes = 10 << 20

// Handler binds the HTTP surface to the attendance and account services.
type Handler struct {
	att      *attendance.Service
	accounts *account.Service

	jwtIssuer  string
	jwtKey     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// New creates a handler. The JWT parameters are used to mint session tokens
// on login.
func New(att *attendance.Service, accounts *account.Service, jwtIssuer, jwtKey string, accessTTL, refreshTTL time.Duration) *Handler {
	return &Handler{
		att:        att,
		accounts:   accounts,
		jwtIssuer:  jwtIssuer,
		jwtKey:     jwtKey,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// statusFor maps service errors onto HTTP statuses. Anything unmapped is a
// 500 and the raw error is not leaked to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, matcher.ErrNoMatch),
		errors.Is(err, attendance.ErrNoPendingAttendance),
		errors.Is(err, attendance.ErrUnverifiedIdentity),
		errors.Is(err, attendance.ErrInvalidEntry),
		errors.Is(err, account.ErrEmailTaken),
		errors.Is(err, account.ErrPasswordMismatch),
		errors.Is(err, corpus.ErrCorruptImage),
		errors.Is(err, corpus.ErrIdentityExists):
		return http.StatusBadRequest
	case errors.Is(err, account.ErrInvalidCredentials),
		errors.Is(err, account.ErrInactiveAccount):
		return http.StatusUnauthorized
	case errors.Is(err, attendance.ErrTokenExpired),
		errors.Is(err, account.ErrTokenExpired):
		return http.StatusForbidden
	case errors.Is(err, attendance.ErrStudentNotFound),
		errors.Is(err, account.ErrUserNotFound),
		errors.Is(err, corpus.ErrUnknownIdentity):
		return http.StatusNotFound
	case errors.Is(err, matcher.ErrMatchTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		respond.ErrMsg(c, status, "internal error")
		return
	}
	respond.Err(c, status, err)
}

// imageFile reads the uploaded image from the given multipart field.
func imageFile(c *gin.Context, field string) ([]byte, string, error) {
	file, header, err := c.Request.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxImageBytes {
		return nil, "", errors.New("image too large")
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".jpg"
	}
	return data, ext, nil
}

// Recognize accepts a multipart image, matches it against the corpus and
// returns the matched student with the now-live confirmation pending.
func (h *Handler) Recognize(c *gin.Context) {
	data, ext, err := imageFile(c, "image")
	if err != nil {
		respond.ErrMsg(c, http.StatusBadRequest, "image file is required")
		return
	}
	res, err := h.att.Recognize(c.Request.Context(), data, ext)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, res)
}

// CreateAttendance provisions pending records. The body may be a single
// object or an array.
func (h *Handler) CreateAttendance(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		respond.ErrMsg(c, http.StatusBadRequest, "unreadable body")
		return
	}

	var entries []attendance.CreateEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		var single attendance.CreateEntry
		if err := json.Unmarshal(body, &single); err != nil {
			respond.ErrMsg(c, http.StatusBadRequest, "expected an attendance entry or an array of entries")
			return
		}
		entries = []attendance.CreateEntry{single}
	}

	recs, err := h.att.Create(c.Request.Context(), entries)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.Created(c, recs)
}

// ConfirmAttendance redeems an emailed token.
func (h *Handler) ConfirmAttendance(c *gin.Context) {
	rec, err := h.att.Confirm(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, rec)
}

// ListModel returns enrolled students and their corpus identities.
func (h *Handler) ListModel(c *gin.Context) {
	students, err := h.att.Students(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	identities, err := h.att.Identities()
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, gin.H{"students": students, "identities": identities})
}

// CreateModel enrolls a new student and its corpus directory.
func (h *Handler) CreateModel(c *gin.Context) {
	var req attendance.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Err(c, http.StatusBadRequest, err)
		return
	}
	st, err := h.att.EnrollStudent(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.Created(c, st)
}

// VerifyModel re-verifies a student from a fresh image. Multipart form with
// student_id and image.
func (h *Handler) VerifyModel(c *gin.Context) {
	studentID := c.PostForm("student_id")
	if studentID == "" {
		respond.ErrMsg(c, http.StatusBadRequest, "student_id is required")
		return
	}
	data, ext, err := imageFile(c, "image")
	if err != nil {
		respond.ErrMsg(c, http.StatusBadRequest, "image file is required")
		return
	}
	st, err := h.att.VerifyStudent(c.Request.Context(), studentID, data, ext)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, st)
}

// DeleteModel removes a student and its corpus directory.
func (h *Handler) DeleteModel(c *gin.Context) {
	var req struct {
		StudentID string `json:"student_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Err(c, http.StatusBadRequest, err)
		return
	}
	if err := h.att.RemoveStudent(c.Request.Context(), req.StudentID); err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, gin.H{"deleted": req.StudentID})
}

// ScanDuplicates runs duplicate removal across the whole corpus.
func (h *Handler) ScanDuplicates(c *gin.Context) {
	report, err := h.att.DedupScan(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, report)
}

// Register creates an inactive account and emails the activation token.
func (h *Handler) Register(c *gin.Context) {
	var req account.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Err(c, http.StatusBadRequest, err)
		return
	}
	u, err := h.accounts.Register(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.Created(c, u)
}

// Login checks credentials and mints a JWT pair.
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Err(c, http.StatusBadRequest, err)
		return
	}
	u, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	tokens, err := auth.Issue(u.ID, u.Role, h.jwtIssuer, h.jwtKey, h.accessTTL, h.refreshTTL)
	if err != nil {
		respond.ErrMsg(c, http.StatusInternalServerError, "token issue failed")
		return
	}
	respond.OK(c, gin.H{"user": u, "tokens": tokens})
}

// ConfirmAccount redeems an activation token.
func (h *Handler) ConfirmAccount(c *gin.Context) {
	u, err := h.accounts.ConfirmAccount(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, u)
}

// ForgotPassword emails a password-reset token.
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Err(c, http.StatusBadRequest, err)
		return
	}
	if err := h.accounts.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, gin.H{"sent": true})
}

// ChangePassword redeems a reset token and replaces the password.
func (h *Handler) ChangePassword(c *gin.Context) {
	var req struct {
		Password  string `json:"password" binding:"required,min=8"`
		Password2 string `json:"password2" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Err(c, http.StatusBadRequest, err)
		return
	}
	if err := h.accounts.ChangePassword(c.Request.Context(), c.Param("token"), req.Password, req.Password2); err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, gin.H{"changed": true})
}

// UpdateProfile overwrites the caller's profile fields.
func (h *Handler) UpdateProfile(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		respond.ErrMsg(c, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req account.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Err(c, http.StatusBadRequest, err)
		return
	}
	u, err := h.accounts.Update(c.Request.Context(), claims.Subject, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, u)
}

// Me returns the caller's account.
func (h *Handler) Me(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		respond.ErrMsg(c, http.StatusUnauthorized, "missing bearer token")
		return
	}
	u, err := h.accounts.Me(c.Request.Context(), claims.Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, u)
}
