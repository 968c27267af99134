package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/luminachat/lumina/internal/ai"
	"github.com/luminachat/lumina/internal/chat"
	"github.com/luminachat/lumina/internal/config"
	"github.com/luminachat/lumina/internal/db"
	"github.com/luminachat/lumina/internal/httpapi/handlers"
	"github.com/luminachat/lumina/internal/store/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

type jobMsg struct {
	JobID string `json:"job_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

// titler builds the two-step title strategy: ask a fast model, fall back to
// the first words of the prompt.
type titler struct {
	primary  chat.TitleStrategy
	fallback chat.TitleStrategy
}

func (t titler) Title(ctx context.Context, userText string) (string, error) {
	if title, err := t.primary.Title(ctx, userText); err == nil && title != "" {
		return title, nil
	}
	return t.fallback.Title(ctx, userText)
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	gdb := db.Connect(cfg.DBDSN)
	repo := chat.NewRepo(gdb)

	reg := handlers.BuildRegistry(cfg, ai.NewRateTracker())

	titleProvider := "groq"
	titleModel := cfg.GroqFastModel
	if len(cfg.GroqAPIKeys) == 0 {
		titleProvider = "gemini"
		titleModel = cfg.GeminiModel
	}
	titles := titler{
		primary:  chat.ProviderTitle{Registry: reg, Provider: titleProvider, Model: titleModel},
		fallback: chat.WordSplitTitle{MaxWords: 6},
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m jobMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleTitleJob(ctx, repo, titles, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handleTitleJob generates the chat title and replaces the provisional one.
// The generation call is bounded: a stuck upstream must not pin a worker
// slot.
func handleTitleJob(ctx context.Context, repo *chat.Repo, titles chat.TitleStrategy, jobID string) error {
	_ = repo.MarkTitleJobRunning(ctx, jobID)

	j, err := repo.GetTitleJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status == chat.TitleJobSucceeded {
		return nil // redelivery of a finished job
	}

	genCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	title, err := titles.Title(genCtx, j.Prompt)
	if err != nil || title == "" {
		_ = repo.MarkTitleJobFailed(ctx, jobID, errString(err))
		return err
	}

	if err := repo.UpdateChatTitle(ctx, j.ChatID, title); err != nil {
		_ = repo.MarkTitleJobFailed(ctx, jobID, err.Error())
		return err
	}
	return repo.MarkTitleJobSucceeded(ctx, jobID)
}

func errString(err error) string {
	if err == nil {
		return "empty title"
	}
	return err.Error()
}
