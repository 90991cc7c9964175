package main

import (
	"fmt"
	"net/url"
	"strings"

	"agentcoord/internal/domain"
	"agentcoord/internal/protocol"
)

const monitorAgent = "monitor"

const commandHelp = "task <id> <assignee> [after <dep>...] | start|complete <id> | fail <id> <reason> | " +
	"vote <conflict> <agent> <option> | resolve <conflict> [strategy] | escalate <conflict> <reason> | send <agent> <subject>"

// command is one POST the prompt line turns into.
type command struct {
	path    string
	body    any
	summary string
	// focus is the task or conflict id to select after the command ran.
	focus string
}

func parseCommand(input string) (command, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return command{}, fmt.Errorf("empty command")
	}
	verb, args := strings.ToLower(fields[0]), fields[1:]

	switch verb {
	case "task":
		if len(args) < 2 {
			return command{}, fmt.Errorf("usage: task <id> <assignee> [after <dep>...]")
		}
		var deps []string
		if len(args) > 2 {
			if args[2] != "after" || len(args) == 3 {
				return command{}, fmt.Errorf("usage: task <id> <assignee> [after <dep>...]")
			}
			deps = args[3:]
		}
		return command{
			path: "/tasks",
			body: map[string]any{
				"id":         args[0],
				"assignee":   args[1],
				"depends_on": deps,
				"actor":      monitorAgent,
				"dispatch":   true,
			},
			summary: "task created: " + args[0],
			focus:   args[0],
		}, nil
	case "start", "complete":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: %s <task id>", verb)
		}
		return command{
			path:    "/tasks/" + url.PathEscape(args[0]) + "/" + verb,
			body:    map[string]any{"actor": monitorAgent},
			summary: fmt.Sprintf("task %s: %s", verb, args[0]),
			focus:   args[0],
		}, nil
	case "fail":
		if len(args) < 2 {
			return command{}, fmt.Errorf("usage: fail <task id> <reason>")
		}
		return command{
			path:    "/tasks/" + url.PathEscape(args[0]) + "/fail",
			body:    map[string]any{"actor": monitorAgent, "reason": strings.Join(args[1:], " ")},
			summary: "task failed: " + args[0],
			focus:   args[0],
		}, nil
	case "vote":
		if len(args) != 3 {
			return command{}, fmt.Errorf("usage: vote <conflict> <agent> <option>")
		}
		return command{
			path:    "/conflicts/" + url.PathEscape(args[0]) + "/vote",
			body:    map[string]any{"agent": args[1], "option_id": args[2]},
			summary: fmt.Sprintf("%s voted %s on %s", args[1], args[2], args[0]),
			focus:   args[0],
		}, nil
	case "resolve":
		if len(args) < 1 || len(args) > 2 {
			return command{}, fmt.Errorf("usage: resolve <conflict> [strategy]")
		}
		strategy := domain.StrategyMajorityVote
		if len(args) == 2 {
			strategy = domain.ResolutionStrategy(strings.ToLower(args[1]))
			if !strategy.Valid() {
				return command{}, fmt.Errorf("unknown strategy %q", args[1])
			}
		}
		return command{
			path:    "/conflicts/" + url.PathEscape(args[0]) + "/resolve",
			body:    map[string]any{"actor": monitorAgent, "strategy": strategy},
			summary: fmt.Sprintf("resolve %s with %s", args[0], strategy),
			focus:   args[0],
		}, nil
	case "escalate":
		if len(args) < 2 {
			return command{}, fmt.Errorf("usage: escalate <conflict> <reason>")
		}
		return command{
			path:    "/conflicts/" + url.PathEscape(args[0]) + "/escalate",
			body:    map[string]any{"reason": strings.Join(args[1:], " ")},
			summary: "escalated: " + args[0],
			focus:   args[0],
		}, nil
	case "send":
		if len(args) < 2 {
			return command{}, fmt.Errorf("usage: send <agent> <subject>")
		}
		msg := protocol.StateSync(monitorAgent, domain.To(args[0]), strings.Join(args[1:], " "), map[string]any{})
		return command{
			path:    "/messages",
			body:    msg,
			summary: "sent to " + args[0],
		}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q; try: %s", verb, commandHelp)
	}
}
