package capability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"courier/internal/contextwin"
	"courier/internal/models"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	reply *schema.Message
	err   error
	got   []*schema.Message
}

func (f *fakeModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.got = in
	return f.reply, f.err
}

func (f *fakeModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.got = in
	return schema.StreamReaderFromArray([]*schema.Message{f.reply}), f.err
}

func (f *fakeModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}

func testSlice() contextwin.Slice {
	return contextwin.Slice{
		UserID: "u1",
		Turns:  []contextwin.Turn{{Role: models.RoleUser, Content: "earlier question"}},
	}
}

func TestAgentInvokeBuildsPrompt(t *testing.T) {
	fm := &fakeModel{reply: &schema.Message{
		Role:    schema.Assistant,
		Content: "  1. split handler\n2. add tests  ",
		ResponseMeta: &schema.ResponseMeta{
			Usage: &schema.TokenUsage{PromptTokens: 42, CompletionTokens: 7},
		},
	}}
	agent, err := NewAgent(context.Background(), KindResearch, fm, nil, nil)
	require.NoError(t, err)

	res, err := agent.Invoke(context.Background(), "improve error handling", testSlice(), Options{UserID: "u1"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "1. split handler\n2. add tests", res.Text)
	assert.Equal(t, Usage{PromptTokens: 42, CompletionTokens: 7}, res.Usage)
	require.Len(t, fm.got, 3)
	assert.Equal(t, schema.System, fm.got[0].Role)
	assert.Contains(t, fm.got[1].Content, "earlier question")
	assert.Equal(t, "improve error handling", fm.got[2].Content)
}

func TestAgentReportsWorkerFailure(t *testing.T) {
	fm := &fakeModel{reply: &schema.Message{Role: schema.Assistant, Content: "FAILED: tests do not compile"}}
	agent, err := NewAgent(context.Background(), KindCode, fm, nil, nil)
	require.NoError(t, err)

	res, err := agent.Invoke(context.Background(), "fix the build", contextwin.Slice{}, Options{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "tests do not compile", res.Error)
	assert.Positive(t, res.Usage.PromptTokens)
}

func TestAgentEmptyAnswerIsFailure(t *testing.T) {
	agent, err := NewAgent(context.Background(), KindReply, &fakeModel{reply: &schema.Message{Content: "   "}}, nil, nil)
	require.NoError(t, err)
	res, err := agent.Invoke(context.Background(), "hi", contextwin.Slice{}, Options{})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestAgentPropagatesModelError(t *testing.T) {
	agent, err := NewAgent(context.Background(), KindCode, &fakeModel{err: errors.New("503")}, nil, nil)
	require.NoError(t, err)
	_, err = agent.Invoke(context.Background(), "fix", contextwin.Slice{}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSetFor(t *testing.T) {
	c := Func(func(context.Context, string, contextwin.Slice, Options) (Result, error) {
		return Result{Success: true}, nil
	})
	set := Set{Code: c}

	got, err := set.For(KindCode)
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = set.For(KindResearch)
	assert.Error(t, err)
	_, err = set.For(Kind("deploy"))
	assert.Error(t, err)
}

func TestResolveInWorkspace(t *testing.T) {
	root := t.TempDir()

	p, err := resolveInWorkspace(root, "pkg/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "pkg", "main.go"), p)

	for _, bad := range []string{"../etc/passwd", "a/../../x", "/etc/passwd", ""} {
		_, err := resolveInWorkspace(root, bad)
		assert.Error(t, err, bad)
	}
	_, err = resolveInWorkspace("", "a.txt")
	assert.ErrorIs(t, err, errNoWorkspace)
}

func TestWorkspaceWriterAndReader(t *testing.T) {
	root := t.TempDir()
	ctx := WithToolScope(context.Background(), ToolScope{UserID: "u1", Workspace: root})

	out, err := writeWorkspaceFile(ctx, &workspaceWriterParams{Path: "notes/todo.txt", Content: "ship it"})
	require.NoError(t, err)
	assert.Contains(t, out, "notes/todo.txt")
	data, err := os.ReadFile(filepath.Join(root, "notes", "todo.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ship it", string(data))

	reader, err := newWorkspaceReader(context.Background())
	require.NoError(t, err)
	text, err := reader.run(ctx, &workspaceReaderParams{Path: "notes/todo.txt"})
	require.NoError(t, err)
	assert.Contains(t, text, "ship it")
	assert.Contains(t, text, "Chunk 1/1")

	_, err = writeWorkspaceFile(ctx, &workspaceWriterParams{Path: "../outside.txt", Content: "x"})
	assert.Error(t, err)
}

func TestChunk(t *testing.T) {
	text := strings.Repeat("a", 1200)
	out := chunk("f.txt", text, 5, 500)
	assert.True(t, strings.HasPrefix(out, "File: f.txt\nChunk 3/3"))
}

func TestRateLimiter(t *testing.T) {
	l := newToolRateLimiter(2, ReaderRateWindow)
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
	assert.True(t, l.Allow("other"))
}
