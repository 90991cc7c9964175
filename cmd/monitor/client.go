package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentcoord/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type taskDetail struct {
	domain.Task
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
	Ready        bool     `json:"ready"`
	Reason       string   `json:"reason,omitempty"`
}

type conflictStatus struct {
	ConflictID     string         `json:"conflict_id"`
	Status         string         `json:"status"`
	Topic          string         `json:"topic"`
	Agents         []string       `json:"agents"`
	VotesPerOption map[string]int `json:"votes_per_option"`
	Resolution     string         `json:"resolution,omitempty"`
}

type stats struct {
	Coordinator struct {
		Agent         string         `json:"agent"`
		BusConnected  bool           `json:"bus_connected"`
		TasksByStatus map[string]int `json:"tasks_by_status"`
		ReadyTasks    []string       `json:"ready_tasks"`
		Contexts      struct {
			Total         int            `json:"total_contexts"`
			ByType        map[string]int `json:"by_type"`
			ByAccessLevel map[string]int `json:"by_access_level"`
		} `json:"contexts"`
		Conflicts map[string]int `json:"conflicts_by_status"`
	} `json:"coordinator"`
	Messages    map[string]int `json:"messages"`
	AuditEvents int            `json:"audit_events"`
}

func (c *client) health() error {
	resp, err := c.http.Get(c.baseURL + "/healthz")
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("health %s", resp.Status)
	}
	return nil
}

func (c *client) stats() (stats, error) {
	var out stats
	err := c.getJSON("/stats", &out)
	return out, err
}

func (c *client) listTasks() ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON("/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) task(id string) (taskDetail, error) {
	var out taskDetail
	err := c.getJSON("/tasks/"+url.PathEscape(id), &out)
	return out, err
}

func (c *client) listConflicts() ([]domain.Conflict, error) {
	var out []domain.Conflict
	if err := c.getJSON("/conflicts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) conflict(id string) (conflictStatus, error) {
	var out conflictStatus
	err := c.getJSON("/conflicts/"+url.PathEscape(id), &out)
	return out, err
}

func (c *client) audit(subject string, limit int) ([]domain.AuditEvent, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if subject != "" {
		q.Set("subject", subject)
	}
	var out []domain.AuditEvent
	if err := c.getJSON("/audit?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
