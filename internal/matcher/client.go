package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

var (
	// ErrNoMatch means the recognizer found no candidate for the image. An
	// empty or missing reference corpus also surfaces as ErrNoMatch.
	ErrNoMatch = errors.New("no matching identity")

	// ErrMatchTimeout means the face service did not answer within the
	// configured deadline. Distinct from ErrNoMatch so callers can tell
	// "nobody matched" from "the matcher was too slow".
	ErrMatchTimeout = errors.New("match timed out")
)

// Candidate is one identity the recognizer considered plausible.
type Candidate struct {
	Identity   string  `json:"identity"`
	Confidence float64 `json:"confidence"`
}

// MatchResult is the outcome of a corpus search. Identity is the top hit;
// AvgConfidence is the mean over all candidates, surfaced for observability.
type MatchResult struct {
	Identity      string
	Confidence    float64
	AvgConfidence float64
	Candidates    []Candidate
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
	Timeout time.Duration
}

// New creates a client. timeout bounds every matcher call.
func New(baseURL string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Match searches the reference corpus for the uploaded image and returns the
// best-matching identity. The corpus path tells the service which reference
// tree to search.
func (c *Client) Match(ctx context.Context, image []byte, corpusPath string) (*MatchResult, error) {
	if c.Skip {
		return &MatchResult{
			Identity:      "Mock Student",
			Confidence:    0.92,
			AvgConfidence: 0.88,
			Candidates: []Candidate{
				{Identity: "Mock Student", Confidence: 0.92},
				{Identity: "Other Student", Confidence: 0.84},
			},
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("db_path", corpusPath)
	fw, err := w.CreateFormFile("image", "query.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(image); err != nil {
		return nil, err
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/find", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrMatchTimeout
		}
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(body))
	}

	var out struct {
		Candidates []Candidate `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Candidates) == 0 {
		return nil, ErrNoMatch
	}

	result := &MatchResult{
		Identity:   out.Candidates[0].Identity,
		Confidence: out.Candidates[0].Confidence,
		Candidates: out.Candidates,
	}
	var sum float64
	for _, cand := range out.Candidates {
		sum += cand.Confidence
	}
	result.AvgConfidence = sum / float64(len(out.Candidates))
	return result, nil
}

// Verify checks whether two images show the same person. Used as a quality
// gate before enrollment.
func (c *Client) Verify(ctx context.Context, imageA, imageB []byte) (bool, error) {
	if c.Skip {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, data := range map[string][]byte{"image_a": imageA, "image_b": imageB} {
		fw, err := w.CreateFormFile(name, name+".jpg")
		if err != nil {
			return false, err
		}
		if _, err := fw.Write(data); err != nil {
			return false, err
		}
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", &buf)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, ErrMatchTimeout
		}
		return false, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("face service error %s: %s", resp.Status, string(body))
	}

	var out struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Verified, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
