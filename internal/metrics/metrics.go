package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecognitionAttempts counts recognition requests by outcome
	// (matched, no_match, no_pending, unverified, timeout, error).
	RecognitionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_recognition_attempts_total",
		Help: "Recognition attempts by outcome.",
	}, []string{"outcome"})

	// Confirmations counts token redemption attempts by outcome
	// (confirmed, expired, error).
	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_confirmations_total",
		Help: "Attendance confirmation attempts by outcome.",
	}, []string{"outcome"})

	// EmailsSent counts outbound notification attempts by outcome
	// (sent, failed).
	EmailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_emails_total",
		Help: "Notification emails by outcome.",
	}, []string{"outcome"})

	// DuplicatesRemoved counts reference images deleted by corpus dedup scans.
	DuplicatesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceattend_corpus_duplicates_removed_total",
		Help: "Reference images removed as duplicates.",
	})

	// RateLimited counts requests rejected by the per-client rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceattend_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})
)
