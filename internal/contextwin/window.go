// Package contextwin selects the bounded slice of a session that is shown
// to a worker call.
package contextwin

import (
	"fmt"
	"sort"
	"strings"

	"courier/internal/models"
)

const ellipsis = "…"

// Budget bounds a context slice. Zero MaxChars or MaxTokens means unlimited.
type Budget struct {
	MaxTurns  int
	MaxChars  int
	MaxTasks  int
	MaxTokens int
}

// DefaultBudget is two turns of at most 500 characters and three tasks.
func DefaultBudget() Budget {
	return Budget{MaxTurns: 2, MaxChars: 500, MaxTasks: 3}
}

// Turn is a possibly truncated history entry.
type Turn struct {
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	Truncated bool        `json:"truncated,omitempty"`
}

// Task is the part of a background task surfaced to workers.
type Task struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Status      models.TaskStatus `json:"status"`
}

// Slice is what a worker sees of the session.
type Slice struct {
	UserID    string `json:"user_id"`
	Turns     []Turn `json:"turns"`
	Tasks     []Task `json:"tasks"`
	Proposal  string `json:"proposal,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Tokens    int    `json:"tokens"`
}

// Build extracts the context slice. It reads only its arguments, so equal
// inputs always produce equal slices.
func Build(sess *models.Session, active []models.BackgroundTask, b Budget) Slice {
	if sess == nil {
		return Slice{Turns: []Turn{}, Tasks: []Task{}}
	}
	out := Slice{
		UserID:    sess.UserID,
		Workspace: sess.Workspace,
		Turns:     recentTurns(sess.History, b),
		Tasks:     activeTasks(sess.UserID, active, b.MaxTasks),
	}
	if sess.Proposal != nil {
		out.Proposal = truncate(sess.Proposal.Text, b.MaxChars)
	}
	out.Tokens = CountTokens(out.Render())
	for b.MaxTokens > 0 && out.Tokens > b.MaxTokens && len(out.Turns) > 0 {
		out.Turns = out.Turns[1:]
		out.Tokens = CountTokens(out.Render())
	}
	return out
}

func recentTurns(history []models.Turn, b Budget) []Turn {
	n := b.MaxTurns
	if n < 0 {
		n = 0
	}
	if n > len(history) {
		n = len(history)
	}
	out := make([]Turn, 0, n)
	for _, t := range history[len(history)-n:] {
		content := truncate(t.Content, b.MaxChars)
		out = append(out, Turn{Role: t.Role, Content: content, Truncated: content != t.Content})
	}
	return out
}

func activeTasks(userID string, all []models.BackgroundTask, limit int) []Task {
	var mine []models.BackgroundTask
	for _, t := range all {
		if !t.Status.Active() {
			continue
		}
		if t.UserID != "" && t.UserID != userID {
			continue
		}
		mine = append(mine, t)
	}
	sort.SliceStable(mine, func(i, j int) bool {
		if mine[i].CreatedAt.Equal(mine[j].CreatedAt) {
			return mine[i].ID < mine[j].ID
		}
		return mine[i].CreatedAt.Before(mine[j].CreatedAt)
	})
	if limit < 0 {
		limit = 0
	}
	if len(mine) > limit {
		mine = mine[len(mine)-limit:]
	}
	out := make([]Task, 0, len(mine))
	for _, t := range mine {
		out = append(out, Task{ID: t.ID, Description: t.Description, Status: t.Status})
	}
	return out
}

// truncate cuts s to max runes, the ellipsis included.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max == 1 {
		return ellipsis
	}
	return string(r[:max-1]) + ellipsis
}

// Render formats the slice as plain text for a prompt.
func (s Slice) Render() string {
	var b strings.Builder
	if s.Workspace != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", s.Workspace)
	}
	if s.Proposal != "" {
		b.WriteString("Pending proposal:\n")
		b.WriteString(s.Proposal)
		b.WriteString("\n")
	}
	if len(s.Turns) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range s.Turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}
	if len(s.Tasks) > 0 {
		b.WriteString("Active background tasks:\n")
		for _, t := range s.Tasks {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", t.ID, t.Description, t.Status)
		}
	}
	return b.String()
}
