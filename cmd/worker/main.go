package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classtrack/internal/aggregate"
	"classtrack/internal/config"
	"classtrack/internal/queue"
	"classtrack/internal/store"
)

// Worker drains the sample queue and appends compliance/engagement
// samples to the durable log, the source the aggregation engine replays
// after a restart.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classtrack:samples")
	}

	samples := aggregate.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for samples...")
	for msg := range messages {
		switch msg.Type {
		case queue.TypeComplianceSample:
			var s aggregate.ComplianceSample
			if err := json.Unmarshal(msg.Body, &s); err != nil {
				log.Printf("bad compliance sample: %v", err)
				continue
			}
			if err := samples.AppendCompliance(ctx, s); err != nil {
				log.Printf("append compliance sample failed for session %s: %v", s.SessionID, err)
			}

		case queue.TypeEngagementSample:
			var s aggregate.EngagementSample
			if err := json.Unmarshal(msg.Body, &s); err != nil {
				log.Printf("bad engagement sample: %v", err)
				continue
			}
			if err := samples.AppendEngagement(ctx, s); err != nil {
				log.Printf("append engagement sample failed for session %s: %v", s.SessionID, err)
			}

		default:
			log.Printf("skipping unknown message type %q", msg.Type)
		}
	}

	log.Println("worker stopped")
}
