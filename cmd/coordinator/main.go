package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agentcoord/internal/agent"
	"agentcoord/internal/api"
	"agentcoord/internal/audit"
	"agentcoord/internal/config"
	"agentcoord/internal/conflict"
	"agentcoord/internal/contextstore"
	"agentcoord/internal/coordinator"
	"agentcoord/internal/domain"
	"agentcoord/internal/janitor"
	"agentcoord/internal/messaging"
	_ "agentcoord/internal/messaging/amqpbus"
	_ "agentcoord/internal/messaging/inproc"
	_ "agentcoord/internal/messaging/redisbus"
	"agentcoord/internal/messaging/sqlitebus"
	sqlitestore "agentcoord/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to agentcoord.toml (default: ./agentcoord.toml when present)")
	envFile := flag.String("env", ".env", "dotenv file with AGENTCOORD_* overrides")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	backendFlag := flag.String("backend", "", "message bus backend override ("+strings.Join(messaging.Backends(), ", ")+")")
	demo := flag.Bool("demo", false, "bootstrap a demo workflow on startup")
	demoAgents := flag.Bool("demo-agents", false, "run in-process workers for the demo roles (architect, developer, qa)")
	flag.Parse()

	var envFiles []string
	if *envFile != "" {
		if _, err := os.Stat(*envFile); err == nil {
			envFiles = append(envFiles, *envFile)
		}
	}
	cfg, err := config.Load(*configPath, envFiles...)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Coordinator.Addr, ":8092")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Coordinator.DBPath, "data/agentcoord.db"))
	backend := firstNonEmpty(*backendFlag, cfg.Bus.Backend, "memory")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	events := audit.NewLog(intOrDefault(cfg.Audit.MaxEvents, audit.DefaultMaxEvents))
	var sink audit.Sink = events
	if cfg.Audit.Persisted() {
		sink = audit.Multi{events, store}
	}
	recorder := audit.NewRecorder(sink, log.Default())

	busURL := cfg.Bus.URL
	if backend == sqlitebus.Name && busURL == "" {
		busURL = dbPath
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	bus, err := messaging.Open(connectCtx, messaging.BackendConfig{
		Name:         backend,
		URL:          busURL,
		Buffer:       intOrDefault(cfg.Bus.Buffer, 256),
		PollInterval: durationMS(cfg.Coordinator.DispatchIntervalMS, sqlitebus.DefaultPollInterval),
	}, log.Default())
	connectCancel()
	if err != nil {
		log.Fatalf("open message bus backend=%s: %v", backend, err)
	}
	defer func() {
		_ = bus.Close()
	}()
	bus.SetRecorder(recorder)

	svc := coordinator.New(bus, recorder, coordinator.Config{
		AgentName:       cfg.Coordinator.AgentName,
		StrictPayloads:  cfg.Coordinator.Strict(),
		ContextHistory:  intOrDefault(cfg.Coordinator.HistoryLimit, contextstore.DefaultHistoryLimit),
		ConflictHistory: conflict.DefaultHistoryCapacity,
	}, log.Default())
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("start coordinator: %v", err)
	}

	retention := time.Duration(intOrDefault(cfg.Coordinator.RetentionHours, 24)) * time.Hour
	sweeper := janitor.New(log.Default())
	jobs := map[string]janitor.Job{
		"expired-contexts": func(context.Context) (int, error) {
			return svc.Contexts().CleanupExpired(), nil
		},
		"delivered-messages": func(ctx context.Context) (int, error) {
			n, err := store.PruneMessages(ctx, time.Now().UTC().Add(-retention))
			return int(n), err
		},
		"ready-tasks": func(ctx context.Context) (int, error) {
			return len(svc.DispatchReady(ctx)), nil
		},
	}
	for name, job := range jobs {
		if err := sweeper.Add(name, cfg.Coordinator.JanitorSchedule, job); err != nil {
			log.Fatalf("schedule janitor: %v", err)
		}
	}
	sweeper.Start(ctx)

	if *demoAgents {
		if err := startDemoAgents(ctx, svc); err != nil {
			log.Fatalf("start demo agents: %v", err)
		}
	}
	if *demo {
		if err := bootstrapDemo(ctx, svc); err != nil {
			log.Printf("demo bootstrap failed: %v", err)
		}
	}

	handler := api.New(svc, api.Options{
		ConfigPath: cfg.Path,
		ConfigRaw:  cfg.Raw,
		Backend:    backend,
		AuditLog:   events,
		Store:      store,
	}, log.Default()).Handler()

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"agentcoord started addr=%s db=%s backend=%s agent=%s strict=%t",
		addr,
		dbPath,
		backend,
		svc.AgentName(),
		cfg.Coordinator.Strict(),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	svc.Wait()
}

// bootstrapDemo seeds a three-step workflow, a shared project context and an
// open design conflict.
func bootstrapDemo(ctx context.Context, svc *coordinator.Service) error {
	steps := []struct {
		id, name, assignee string
		deps               []string
	}{
		{"demo-design", "Design the API", "architect", nil},
		{"demo-build", "Implement the API", "developer", []string{"demo-design"}},
		{"demo-test", "Test the API", "qa", []string{"demo-build"}},
	}
	for _, step := range steps {
		if _, err := svc.CreateTask(ctx, "demo", domain.Task{
			ID:       step.id,
			Name:     step.name,
			Assignee: step.assignee,
			Priority: domain.DefaultTaskPriority,
			Metadata: map[string]any{"description": step.name},
		}, step.deps); err != nil {
			return err
		}
	}

	if _, err := svc.CreateContext(ctx, contextstore.CreateInput{
		ID:          "demo-project",
		Type:        domain.ContextProject,
		Owner:       "product_manager",
		Data:        map[string]any{"goal": "ship the API", "sprint": 1},
		AccessLevel: domain.AccessPublic,
		Tags:        []string{"demo", "planning"},
	}); err != nil {
		return err
	}

	if _, err := svc.CreateConflict(ctx, "demo", conflict.CreateInput{
		ID:     "demo-storage",
		Type:   domain.ConflictDesign,
		Agents: []string{"architect", "developer"},
		Topic:  "Storage engine",
		Options: []domain.ConflictOption{
			{ID: "postgres", ProposedBy: "architect", Description: "PostgreSQL"},
			{ID: "sqlite", ProposedBy: "developer", Description: "SQLite"},
		},
	}, true); err != nil {
		return err
	}

	dispatched := svc.DispatchReady(ctx)
	log.Printf("demo workflow seeded tasks=%d dispatched=%v", len(steps), dispatched)
	return nil
}

// startDemoAgents subscribes one worker per demo role on the coordinator's
// bus. They complete tasks after a short pause and vote for their own
// proposals.
func startDemoAgents(ctx context.Context, svc *coordinator.Service) error {
	for _, name := range []string{"architect", "developer", "qa"} {
		echo := agent.Echo(name)
		worker, err := agent.New(svc.Bus(), agent.Config{
			Name:        name,
			Coordinator: svc.AgentName(),
			Heartbeat:   2 * time.Second,
			Timeout:     time.Minute,
			Work: func(ctx context.Context, req domain.TaskRequestPayload) (map[string]any, error) {
				select {
				case <-time.After(3 * time.Second):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return echo(ctx, req)
			},
		}, log.Default())
		if err != nil {
			return err
		}
		if err := worker.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
