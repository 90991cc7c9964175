package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"agentcoord/internal/domain"
	"agentcoord/internal/messaging"
	"agentcoord/internal/protocol"
)

// TaskFunc performs the work of one task_request. A nil error completes the
// task with the returned result; an error fails it.
type TaskFunc func(ctx context.Context, req domain.TaskRequestPayload) (map[string]any, error)

// VoteFunc picks an option for a conflict the worker was notified about.
// Returning ok=false abstains.
type VoteFunc func(ctx context.Context, c domain.ConflictNotificationPayload) (optionID, comment string, ok bool)

type Config struct {
	Name        string
	Coordinator string
	Work        TaskFunc
	Vote        VoteFunc
	// Heartbeat, when positive, sends an in_progress task_update at this
	// interval while Work runs.
	Heartbeat time.Duration
	// Timeout bounds a single Work call. Zero means no limit.
	Timeout time.Duration
}

// Worker is a protocol-speaking agent. It listens on its own bus channel,
// runs tasks it is asked to do and reports the outcome to the coordinator.
type Worker struct {
	cfg    Config
	bus    *messaging.Bus
	logger *log.Logger

	mu        sync.Mutex
	seen      map[string]bool
	completed []string
	failed    []string
	lastSync  map[string]domain.Message
}

func New(bus *messaging.Bus, cfg Config, logger *log.Logger) (*Worker, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, domain.Invalid("agent", "", "agent name is required")
	}
	if strings.TrimSpace(cfg.Coordinator) == "" {
		cfg.Coordinator = "coordinator"
	}
	if cfg.Name == cfg.Coordinator {
		return nil, domain.Invalid("agent", cfg.Name, "agent name collides with the coordinator")
	}
	if cfg.Work == nil {
		cfg.Work = Echo(cfg.Name)
	}
	if cfg.Vote == nil {
		cfg.Vote = PreferOwn(cfg.Name)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		seen:     make(map[string]bool),
		lastSync: make(map[string]domain.Message),
	}, nil
}

func (w *Worker) Name() string {
	return w.cfg.Name
}

// Start subscribes the worker to its channel until ctx ends or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.bus.Subscribe(ctx, w.cfg.Name, w.handleMessage); err != nil {
		return fmt.Errorf("start agent %s: %w", w.cfg.Name, err)
	}
	w.logger.Printf("agent started name=%s coordinator=%s", w.cfg.Name, w.cfg.Coordinator)
	return nil
}

func (w *Worker) Stop() error {
	return w.bus.Unsubscribe(w.cfg.Name)
}

func (w *Worker) handleMessage(ctx context.Context, msg domain.Message) {
	defer func() {
		if err := w.bus.Acknowledge(ctx, msg.ID); err != nil {
			w.logger.Printf("agent ack failed name=%s id=%s err=%v", w.cfg.Name, msg.ID, err)
		}
	}()

	switch msg.Kind {
	case domain.KindTaskRequest:
		w.handleTaskRequest(ctx, msg)
	case domain.KindConflictNotification:
		w.handleConflict(ctx, msg)
	case domain.KindStateSync:
		w.mu.Lock()
		w.lastSync[msg.Subject] = msg
		w.mu.Unlock()
	case domain.KindNack:
		reason, _ := msg.Payload["error"].(string)
		w.logger.Printf("agent got nack name=%s reply_to=%s reason=%s", w.cfg.Name, msg.ReplyTo, reason)
	case domain.KindAck:
	default:
		w.logger.Printf("agent ignored message name=%s kind=%s from=%s", w.cfg.Name, msg.Kind, msg.From)
	}
}

func (w *Worker) handleTaskRequest(ctx context.Context, msg domain.Message) {
	var req domain.TaskRequestPayload
	if err := protocol.DecodePayload(msg, &req); err != nil || req.TaskID == "" {
		w.logger.Printf("agent parse request failed name=%s id=%s err=%v", w.cfg.Name, msg.ID, err)
		w.send(ctx, protocol.Ack(w.cfg.Name, msg, "bad task_request payload"))
		return
	}

	w.mu.Lock()
	dup := w.seen[req.TaskID]
	w.seen[req.TaskID] = true
	w.mu.Unlock()
	if dup {
		w.logger.Printf("agent skipped duplicate task name=%s task=%s", w.cfg.Name, req.TaskID)
		return
	}

	w.send(ctx, protocol.TaskUpdate(w.cfg.Name, w.cfg.Coordinator, req.TaskID, domain.TaskStatusInProgress, "accepted"))

	runCtx := ctx
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}
	stopHeartbeat := startProgressHeartbeat(runCtx, w.cfg.Heartbeat, func(elapsed time.Duration) {
		w.send(ctx, protocol.TaskUpdate(w.cfg.Name, w.cfg.Coordinator, req.TaskID, domain.TaskStatusInProgress,
			fmt.Sprintf("working for %ds", int(elapsed.Seconds()))))
	})
	result, err := w.cfg.Work(runCtx, req)
	stopHeartbeat()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("task timed out after %s", w.cfg.Timeout)
		}
		w.logger.Printf("agent task failed name=%s task=%s err=%v", w.cfg.Name, req.TaskID, err)
		w.mu.Lock()
		w.failed = append(w.failed, req.TaskID)
		delete(w.seen, req.TaskID)
		w.mu.Unlock()
		w.send(ctx, protocol.TaskFailed(w.cfg.Name, w.cfg.Coordinator, req.TaskID, err.Error()))
		return
	}
	w.mu.Lock()
	w.completed = append(w.completed, req.TaskID)
	w.mu.Unlock()
	w.send(ctx, protocol.TaskComplete(w.cfg.Name, w.cfg.Coordinator, req.TaskID, result))
}

func (w *Worker) handleConflict(ctx context.Context, msg domain.Message) {
	var c domain.ConflictNotificationPayload
	if err := protocol.DecodePayload(msg, &c); err != nil {
		w.logger.Printf("agent parse conflict failed name=%s id=%s err=%v", w.cfg.Name, msg.ID, err)
		return
	}
	optionID, comment, ok := w.cfg.Vote(ctx, c)
	if !ok {
		w.logger.Printf("agent abstained name=%s conflict=%s", w.cfg.Name, c.ConflictID)
		return
	}
	w.send(ctx, protocol.ProvideFeedback(w.cfg.Name, w.cfg.Coordinator, c.ConflictID, optionID, comment))
}

func (w *Worker) send(ctx context.Context, msg domain.Message) {
	if _, err := w.bus.Send(ctx, msg); err != nil {
		w.logger.Printf("agent send failed name=%s kind=%s err=%v", w.cfg.Name, msg.Kind, err)
	}
}

// Completed lists task ids this worker finished, in order.
func (w *Worker) Completed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.completed...)
}

func (w *Worker) Failed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.failed...)
}

// LastSync returns the latest state_sync received under subject.
func (w *Worker) LastSync(subject string) (domain.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg, ok := w.lastSync[subject]
	return msg, ok
}

// Echo completes every task immediately with a short summary.
func Echo(name string) TaskFunc {
	return func(_ context.Context, req domain.TaskRequestPayload) (map[string]any, error) {
		return map[string]any{
			"summary": trim(fmt.Sprintf("%s finished %s: %s", name, req.TaskID, req.Description), 200),
		}, nil
	}
}

// PreferOwn votes for the first option the agent proposed, otherwise the
// first option offered.
func PreferOwn(name string) VoteFunc {
	return func(_ context.Context, c domain.ConflictNotificationPayload) (string, string, bool) {
		if len(c.Options) == 0 {
			return "", "", false
		}
		for _, opt := range c.Options {
			if opt.ProposedBy == name {
				return opt.ID, "own proposal", true
			}
		}
		return c.Options[0].ID, "", true
	}
}

func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	started := time.Now()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	// The returned stop waits for an in-flight tick so no update trails it.
	return func() {
		close(stop)
		<-done
	}
}

// trim shortens s to at most n runes, marking the cut with "...".
func trim(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
