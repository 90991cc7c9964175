package janitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one housekeeping step. It returns how many items it removed or
// touched, for logging.
type Job func(ctx context.Context) (int, error)

type entry struct {
	id  cron.EntryID
	job Job
}

// Janitor runs named housekeeping jobs on cron schedules.
type Janitor struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string]entry
	logger *log.Logger
	ctx    context.Context
}

func New(logger *log.Logger) *Janitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Janitor{
		cron:   cron.New(),
		jobs:   make(map[string]entry),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Add schedules job under name. Schedule accepts five-field cron specs and
// descriptors such as "@every 1m". Re-adding a name replaces its schedule.
func (j *Janitor) Add(name, schedule string, job Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	id, err := j.cron.AddFunc(schedule, func() {
		j.run(name, job)
	})
	if err != nil {
		return fmt.Errorf("janitor: invalid schedule %q for %s: %w", schedule, name, err)
	}
	if old, ok := j.jobs[name]; ok {
		j.cron.Remove(old.id)
	}
	j.jobs[name] = entry{id: id, job: job}
	j.logger.Printf("janitor job registered name=%s schedule=%s", name, schedule)
	return nil
}

func (j *Janitor) run(name string, job Job) {
	j.mu.Lock()
	ctx := j.ctx
	j.mu.Unlock()
	j.runWith(ctx, name, job)
}

func (j *Janitor) runWith(ctx context.Context, name string, job Job) {
	start := time.Now()
	n, err := job(ctx)
	if err != nil {
		j.logger.Printf("janitor job failed name=%s err=%v", name, err)
		return
	}
	if n > 0 {
		j.logger.Printf("janitor job done name=%s count=%d took=%s", name, n, time.Since(start))
	}
}

// RunNow runs every registered job once, synchronously.
func (j *Janitor) RunNow(ctx context.Context) {
	j.mu.Lock()
	jobs := make(map[string]Job, len(j.jobs))
	for name, e := range j.jobs {
		jobs[name] = e.job
	}
	j.mu.Unlock()
	for name, job := range jobs {
		j.runWith(ctx, name, job)
	}
}

func (j *Janitor) JobCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.jobs)
}

// Start runs the schedule until ctx is cancelled. Jobs receive ctx.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	j.ctx = ctx
	j.mu.Unlock()

	j.cron.Start()
	j.logger.Printf("janitor started jobs=%d", j.JobCount())
	go func() {
		<-ctx.Done()
		<-j.cron.Stop().Done()
		j.logger.Printf("janitor stopped")
	}()
}
