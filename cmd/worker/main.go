package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"faceattend/internal/config"
	"faceattend/internal/corpus"
	"faceattend/internal/matcher"
	"faceattend/internal/metrics"
	"faceattend/internal/queue"
	"faceattend/internal/store"
)

// Worker consumes corpus-maintenance jobs: after every stored recognition
// frame the API queues a duplicate scan for the matched identity, and the
// worker runs it here so filesystem churn stays off the request path.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		q = queue.NewRedisQueue(redisClient.Client, "faceattend:maintenance")
	}

	refs := corpus.NewManager(cfg.CorpusRoot, cfg.HashSize, cfg.Similarity)

	// The matcher shares the representations cache with the corpus; a health
	// probe on startup surfaces misconfiguration early.
	faces := matcher.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.FaceTimeout)
	if !cfg.FaceSkip {
		if err := faces.Health(ctx); err != nil {
			log.Printf("WARNING: face service not available: %v", err)
		} else {
			log.Println("face service connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for maintenance jobs...")
	for msg := range messages {
		if msg.Type != queue.TypeDedup {
			continue
		}

		identity := string(msg.Body)
		first, last, ok := splitIdentity(identity)
		if !ok {
			log.Printf("skipping malformed identity %q", identity)
			continue
		}

		report, err := refs.FindDuplicates(first, last)
		if err != nil {
			log.Printf("dedup scan for %q failed: %v", identity, err)
			continue
		}
		if report.Removed > 0 {
			metrics.DuplicatesRemoved.Add(float64(report.Removed))
			log.Printf("dedup %q: removed %d duplicates, reclaimed %d bytes", identity, report.Removed, report.BytesReclaimed)
		}
	}

	log.Println("worker stopped")
}

func splitIdentity(name string) (first, last string, ok bool) {
	return strings.Cut(name, " ")
}
