package contextwin

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"courier/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sessionWith(n int) *models.Session {
	sess := models.NewSession("u1", base)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		sess.History = append(sess.History, models.Turn{Role: role, Content: fmt.Sprintf("turn %d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	return sess
}

func TestBuildTakesLastTurnsInOrder(t *testing.T) {
	slice := Build(sessionWith(5), nil, DefaultBudget())

	require.Len(t, slice.Turns, 2)
	assert.Equal(t, "turn 3", slice.Turns[0].Content)
	assert.Equal(t, models.RoleAssistant, slice.Turns[0].Role)
	assert.Equal(t, "turn 4", slice.Turns[1].Content)
}

func TestBuildShortHistory(t *testing.T) {
	slice := Build(sessionWith(1), nil, DefaultBudget())
	require.Len(t, slice.Turns, 1)

	empty := Build(sessionWith(0), nil, DefaultBudget())
	assert.Empty(t, empty.Turns)
	assert.Empty(t, empty.Tasks)
}

func TestBuildTruncatesLongTurns(t *testing.T) {
	sess := sessionWith(0)
	sess.History = append(sess.History, models.Turn{Role: models.RoleUser, Content: strings.Repeat("é", 2000)})

	slice := Build(sess, nil, DefaultBudget())
	require.Len(t, slice.Turns, 1)
	assert.Equal(t, 500, utf8.RuneCountInString(slice.Turns[0].Content))
	assert.True(t, strings.HasSuffix(slice.Turns[0].Content, ellipsis))
	assert.True(t, slice.Turns[0].Truncated)
}

func TestBuildBoundsActiveTasks(t *testing.T) {
	var tasks []models.BackgroundTask
	for i := 0; i < 6; i++ {
		tasks = append(tasks, models.BackgroundTask{
			ID:        fmt.Sprintf("t%d", i),
			UserID:    "u1",
			Status:    models.TaskRunning,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	tasks = append(tasks,
		models.BackgroundTask{ID: "done", UserID: "u1", Status: models.TaskCompleted, CreatedAt: base.Add(time.Hour)},
		models.BackgroundTask{ID: "other", UserID: "u2", Status: models.TaskRunning, CreatedAt: base.Add(time.Hour)},
	)

	slice := Build(sessionWith(2), tasks, DefaultBudget())
	require.Len(t, slice.Tasks, 3)
	assert.Equal(t, "t3", slice.Tasks[0].ID)
	assert.Equal(t, "t5", slice.Tasks[2].ID)
}

func TestBuildIsDeterministic(t *testing.T) {
	sess := sessionWith(7)
	sess.Proposal = &models.Proposal{Text: "split the handler"}
	tasks := []models.BackgroundTask{{ID: "a", UserID: "u1", Status: models.TaskPending, CreatedAt: base}}

	first := Build(sess, tasks, DefaultBudget())
	second := Build(sess, tasks, DefaultBudget())
	assert.Equal(t, first, second)
	assert.Equal(t, first.Render(), second.Render())
	assert.Contains(t, first.Render(), "Pending proposal:\nsplit the handler")
}

func TestBuildDoesNotMutateSession(t *testing.T) {
	sess := sessionWith(3)
	before := sess.Clone()
	Build(sess, nil, Budget{MaxTurns: 2, MaxChars: 3})
	assert.Equal(t, before, sess)
}

func TestBuildTokenBudgetDropsOldestTurns(t *testing.T) {
	sess := sessionWith(0)
	sess.History = append(sess.History,
		models.Turn{Role: models.RoleUser, Content: strings.Repeat("alpha ", 80)},
		models.Turn{Role: models.RoleAssistant, Content: "short"},
	)

	slice := Build(sess, nil, Budget{MaxTurns: 2, MaxTokens: 20})
	require.Len(t, slice.Turns, 1)
	assert.Equal(t, "short", slice.Turns[0].Content)
	assert.LessOrEqual(t, slice.Tokens, 20)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abcd", 3))
	assert.Equal(t, "…", truncate("abcd", 1))
	assert.Equal(t, "abcd", truncate("abcd", 0))
}
