package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/session"
)

// ResetReport says what a reset discarded.
type ResetReport struct {
	UserID         string `json:"user_id"`
	CancelledTasks int    `json:"cancelled_tasks"`
}

// Status is the per-user view returned by the status control.
type Status struct {
	Session     session.Stats           `json:"session"`
	Proposal    *models.Proposal        `json:"proposal,omitempty"`
	ActiveTasks []models.BackgroundTask `json:"active_tasks"`
}

// Reset clears the user's history and proposal and cancels their active
// background tasks. Cancelled tasks never append a completion turn.
func (o *Orchestrator) Reset(_ context.Context, userID string) ResetReport {
	n := o.registry.CancelUser(userID)
	o.store.Clear(userID)
	o.logger.Info("session reset", "user_id", userID, "cancelled_tasks", n)
	return ResetReport{UserID: userID, CancelledTasks: n}
}

// Status reports the session summary and the user's active tasks.
func (o *Orchestrator) Status(userID string) Status {
	st := Status{Session: o.store.Stats(userID), ActiveTasks: []models.BackgroundTask{}}
	if snap, ok := o.store.Snapshot(userID); ok && snap.Proposal != nil {
		st.Proposal = snap.Proposal
	}
	for _, t := range o.registry.ForUser(userID) {
		if t.Status.Active() {
			st.ActiveTasks = append(st.ActiveTasks, t)
		}
	}
	return st
}

// Usage reports the user's counters.
func (o *Orchestrator) Usage(userID string) metrics.Usage {
	return o.usage.Snapshot(userID)
}

// SetWorkspace points the user's workers at dir, which must exist.
func (o *Orchestrator) SetWorkspace(userID, dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", abs)
	}
	o.store.SetWorkspace(userID, abs)
	return abs, nil
}

// Rejected counts a message refused by a full queue.
func (o *Orchestrator) Rejected(userID string) {
	o.usage.Rejected(userID)
}
