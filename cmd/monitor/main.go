package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agentcoord/internal/domain"
)

type embeddedCoordinator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "coordinator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start a coordinator process for the monitor's lifetime")
	coordinatorBinary := flag.String("coordinator-bin", "", "path to coordinator binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for the embedded coordinator")
	flag.Parse()

	c := newClient(*addr)

	if *embedded {
		proc, err := startEmbeddedCoordinator(*addr, *coordinatorBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded coordinator: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	detailView.SetTitle("Task").SetBorder(true)

	conflictsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	conflictsView.SetTitle("Conflicts").SetBorder(true)

	auditView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	auditView.SetTitle("Audit").SetBorder(true)

	statsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statsView.SetTitle("Coordinator").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Command: ")
	promptInput.SetBorder(true).SetTitle("Enter = run (task, start, complete, fail, vote, resolve, escalate, send)")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus tasks",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(detailView, 0, 1, false).
		AddItem(conflictsView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 2, false).
		AddItem(statsView, 7, 0, false).
		AddItem(auditView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedTaskID string
	var lastTasks []domain.Task
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshOverview := func() {
		tasks, err := c.listTasks()
		conflicts, cerr := c.listConflicts()
		st, serr := c.stats()
		if err == nil {
			sortTasks(tasks)
			lastTasks = tasks
		}
		app.QueueUpdateDraw(func() {
			if err != nil {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			} else {
				renderTasksTable(tasksTable, tasks, selectedTaskID)
			}
			if cerr != nil {
				conflictsView.SetText(fmt.Sprintf("error: %v", cerr))
			} else {
				conflictsView.SetText(renderConflicts(conflicts))
			}
			if serr != nil {
				statsView.SetText(fmt.Sprintf("error: %v", serr))
			} else {
				statsView.SetText(renderStats(st))
			}
		})
	}

	refreshDetailsAsync := func(taskID string) {
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(selected string, v uint64) {
			var (
				detail    taskDetail
				detailErr error
			)
			if selected != "" {
				detail, detailErr = c.task(selected)
			}
			events, auditErr := c.audit(selected, 50)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				switch {
				case selected == "":
					detailView.SetText("No task selected")
				case detailErr != nil:
					detailView.SetText(fmt.Sprintf("error: %v", detailErr))
				default:
					detailView.SetText(renderTaskDetail(detail))
				}
				if auditErr != nil {
					auditView.SetText(fmt.Sprintf("error: %v", auditErr))
				} else {
					auditView.SetText(renderAudit(events))
				}
			})
		}(taskID, version)
	}

	runCommand := func(input string) {
		input = strings.TrimSpace(input)
		if input == "" {
			return
		}
		cmd, err := parseCommand(input)
		if err != nil {
			setStatusUI(err.Error())
			return
		}
		promptInput.SetText("")
		setStatusUI("Running: " + input)
		go func() {
			if err := c.postJSON(cmd.path, cmd.body, nil); err != nil {
				setStatusAsync("Command failed: " + err.Error())
				return
			}
			if strings.HasPrefix(cmd.path, "/tasks") {
				selectedTaskID = cmd.focus
			}
			refreshOverview()
			refreshDetailsAsync(selectedTaskID)
			setStatusAsync(cmd.summary)
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		runCommand(promptInput.GetText())
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		refreshDetailsAsync(selectedTaskID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(tasksTable)
				setStatusUI("Focus -> tasks")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape:
			app.SetFocus(tasksTable)
			setStatusUI("Focus -> tasks")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshOverview()
				refreshDetailsAsync(selectedTaskID)
			}()
			setStatusUI("Manual refresh")
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(tasksTable)
			setStatusUI("Focus -> tasks")
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshOverview()
		for _, task := range lastTasks {
			if task.Status == domain.TaskStatusInProgress || task.Status == domain.TaskStatusBlocked {
				selectedTaskID = task.ID
				break
			}
		}
		refreshDetailsAsync(selectedTaskID)

		for range ticker.C {
			refreshOverview()
			if selectedTaskID == "" && len(lastTasks) > 0 {
				selectedTaskID = lastTasks[0].ID
			}
			refreshDetailsAsync(selectedTaskID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := c.health(); err == nil {
			return nil
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedCoordinator(addr string, coordinatorBinary string, dbPath string) (*embeddedCoordinator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"--addr", ":" + port, "--db", dbPath}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(coordinatorBinary) != "" {
		cmd = exec.Command(coordinatorBinary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			sibling := filepath.Join(filepath.Dir(self), "coordinator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/coordinator"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start coordinator process: %w", err)
	}
	return &embeddedCoordinator{cmd: cmd}, nil
}

func (e *embeddedCoordinator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

// sortTasks puts open work first, then by priority and creation time.
func sortTasks(tasks []domain.Task) {
	rank := func(s domain.TaskStatus) int {
		switch s {
		case domain.TaskStatusInProgress:
			return 0
		case domain.TaskStatusBlocked:
			return 1
		case domain.TaskStatusPending:
			return 2
		case domain.TaskStatusFailed:
			return 3
		default:
			return 4
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if ri, rj := rank(tasks[i].Status), rank(tasks[j].Status); ri != rj {
			return ri < rj
		}
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Assignee", "Prio", "Name"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(trimLine(t.ID, 20)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(t.Assignee))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprint(t.Priority)))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(t.Name, 48)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.TaskStatus) tcell.Color {
	switch s {
	case domain.TaskStatusCompleted:
		return tcell.ColorGreen
	case domain.TaskStatusFailed:
		return tcell.ColorRed
	case domain.TaskStatusInProgress:
		return tcell.ColorYellow
	case domain.TaskStatusBlocked:
		return tcell.ColorOrange
	default:
		return tcell.ColorWhite
	}
}

func renderTaskDetail(t taskDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]%s[::-] %s\n", t.ID, t.Name)
	fmt.Fprintf(&b, "status=%s assignee=%s priority=%d\n", t.Status, orDash(t.Assignee), t.Priority)
	fmt.Fprintf(&b, "created=%s", t.CreatedAt.Format("15:04:05"))
	if t.CompletedAt != nil {
		fmt.Fprintf(&b, " completed=%s", t.CompletedAt.Format("15:04:05"))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "depends on: %s\n", orDash(strings.Join(t.Dependencies, ", ")))
	fmt.Fprintf(&b, "blocks:     %s\n", orDash(strings.Join(t.Dependents, ", ")))
	if t.Ready {
		b.WriteString("[green]ready[-]\n")
	} else if t.Reason != "" {
		b.WriteString("[yellow]" + tview.Escape(t.Reason) + "[-]\n")
	}
	if desc, _ := t.Metadata["description"].(string); desc != "" {
		b.WriteString("\n" + trimLine(desc, 200) + "\n")
	}
	return b.String()
}

func renderConflicts(items []domain.Conflict) string {
	if len(items) == 0 {
		return "No conflicts"
	}
	var b strings.Builder
	for _, c := range items {
		fmt.Fprintf(&b, "%s [%s] %s\n", c.ID, c.Status, trimLine(c.Topic, 48))
		for _, opt := range c.Options {
			marker := " "
			if opt.ID == c.Resolution {
				marker = "*"
			}
			fmt.Fprintf(&b, " %s %-14s votes=%d %s\n", marker, trimLine(opt.ID, 14), opt.VoteCount(), trimLine(strings.Join(opt.Votes, ","), 40))
		}
		if c.EscalationReason != "" {
			b.WriteString("   escalated: " + trimLine(c.EscalationReason, 80) + "\n")
		}
	}
	return b.String()
}

func renderStats(st stats) string {
	co := st.Coordinator
	var b strings.Builder
	fmt.Fprintf(&b, "agent=%s bus=%s audit_events=%d\n", co.Agent, connectedLabel(co.BusConnected), st.AuditEvents)
	fmt.Fprintf(&b, "tasks:     %s\n", renderCounts(co.TasksByStatus))
	fmt.Fprintf(&b, "ready:     %s\n", orDash(strings.Join(co.ReadyTasks, ", ")))
	fmt.Fprintf(&b, "contexts:  total=%d %s\n", co.Contexts.Total, renderCounts(co.Contexts.ByType))
	fmt.Fprintf(&b, "conflicts: %s\n", renderCounts(co.Conflicts))
	if len(st.Messages) > 0 {
		fmt.Fprintf(&b, "messages:  %s\n", renderCounts(st.Messages))
	}
	return b.String()
}

func renderAudit(events []domain.AuditEvent) string {
	if len(events) == 0 {
		return "No audit events"
	}
	var b strings.Builder
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		fmt.Fprintf(&b, "[%s] %-20s %-12s %s %s",
			e.Timestamp.Format("15:04:05"),
			e.Type,
			trimLine(orDash(e.Agent), 12),
			trimLine(e.Subject, 24),
			e.Action,
		)
		if e.Status != "" && e.Status != "success" {
			fmt.Fprintf(&b, " [red]%s[-]", e.Status)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func connectedLabel(ok bool) string {
	if ok {
		return "[green]connected[-]"
	}
	return "[red]disconnected[-]"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
