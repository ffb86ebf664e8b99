package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/tkhasanov/newsletter-engine/internal/analytics"
	"github.com/tkhasanov/newsletter-engine/internal/kafka"
	"github.com/tkhasanov/newsletter-engine/internal/model"
	"github.com/tkhasanov/newsletter-engine/internal/service/emails"
)

// Sender:
// - fetches send-job envelopes from Kafka,
// - runs the send job (batch creation + submission) for each email,
// - registers submitted emails for periodic analytics refresh.
//
// Send jobs are coarse (one job covers a whole email), so concurrency stays
// low; parallelism inside a job comes from batching, not from here.
type Sender struct {
	Consumer *kafka.Consumer
	Service  *emails.Service
	Schedule analytics.Scheduler

	Workers        int           // number of goroutines processing jobs
	RefreshAfter   time.Duration // delay before the first analytics refresh
	RetryFetchWait time.Duration // backoff after a fetch error
}

func NewSender(consumer *kafka.Consumer, svc *emails.Service, sched analytics.Scheduler, refreshAfter time.Duration) *Sender {
	return &Sender{
		Consumer:       consumer,
		Service:        svc,
		Schedule:       sched,
		Workers:        4,
		RefreshAfter:   refreshAfter,
		RetryFetchWait: 200 * time.Millisecond,
	}
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *Sender) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 4
	}
	if w.RefreshAfter <= 0 {
		w.RefreshAfter = 5 * time.Minute
	}

	// Fetch loop → fan-out to processors
	msgCh := make(chan kafka.Message, w.Workers*2)

	go func() {
		defer close(msgCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				m, err := w.Consumer.Fetch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Printf("[sender] kafka fetch err: %v", err)
					time.Sleep(w.RetryFetchWait)
					continue
				}
				msgCh <- m
			}
		}
	}()

	for i := 0; i < w.Workers; i++ {
		go w.runProcessor(ctx, msgCh)
	}

	<-ctx.Done()
	return nil
}

func (w *Sender) runProcessor(ctx context.Context, in <-chan kafka.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			w.processOne(ctx, m)
		}
	}
}

func (w *Sender) processOne(ctx context.Context, m kafka.Message) {
	var env model.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.ID == "" {
		_ = w.Consumer.Commit(ctx, m) // poison → commit, skip
		if err != nil {
			log.Printf("[sender] bad envelope json: %v", err)
		} else {
			log.Printf("[sender] envelope missing id")
		}
		return
	}

	if err := w.Service.ProcessSendJob(ctx, env.ID); err != nil {
		// Failure is persisted on the record; a rerun only happens through
		// the explicit retry endpoint.
		log.Printf("[sender] send job %s err: %v", env.ID, err)
	} else if w.Schedule != nil {
		if err := w.Schedule.EnsureScheduled(ctx, env.ID, time.Now().Add(w.RefreshAfter)); err != nil {
			log.Printf("[sender] schedule analytics refresh %s err: %v", env.ID, err)
		}
	}

	// Always commit (at-least-once; the job itself is idempotent on batches)
	if err := w.Consumer.Commit(ctx, m); err != nil {
		log.Printf("[sender] commit err: %v", err)
	}
}
