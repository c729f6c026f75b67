package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "MarketResearch/internal/errors"
)

var testCreds = Credentials{SearchAPIKey: "s", ScrapeAPIKey: "f", LLMAPIKey: "o"}

type recordingExecutor struct {
	mu     sync.Mutex
	calls  []Task
	prior  map[string][]string
	failOn string
}

func (e *recordingExecutor) Execute(_ context.Context, task Task, prior []TaskResult) (*TaskResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, task)
	if e.prior == nil {
		e.prior = make(map[string][]string)
	}
	for _, r := range prior {
		e.prior[task.ID] = append(e.prior[task.ID], r.TaskID)
	}
	if task.ID == e.failOn {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "quota exceeded")
	}
	return &TaskResult{
		Text:    fmt.Sprintf("# %s findings\nbody of %s", task.Title, task.ID),
		Sources: []string{"https://example.com/" + task.ID, "https://example.com/shared"},
	}, nil
}

type recordingObserver struct {
	tasks    []string
	outcomes []string
}

func (o *recordingObserver) TaskFinished(taskID string, _ time.Duration, _ error) {
	o.tasks = append(o.tasks, taskID)
}

func (o *recordingObserver) RunFinished(outcome string, _ time.Duration) {
	o.outcomes = append(o.outcomes, outcome)
}

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestRunProducesAllSectionsInOrder(t *testing.T) {
	exec := &recordingExecutor{}
	obs := &recordingObserver{}
	p := NewPipeline(exec, testCreds, WithClock(fixedClock), WithObserver(obs))

	var steps []int
	report, err := p.Run(context.Background(), Query{CompanyName: " Acme ", Domain: "rockets"}, func(step, total int, task Task) {
		assert.Equal(t, len(Tasks()), total)
		steps = append(steps, step)
	})
	require.NoError(t, err)

	got := make([]string, len(report.Sections))
	for i, s := range report.Sections {
		got[i] = s.Label
	}
	assert.Equal(t, Labels(), got)
	assert.Equal(t, "Market Analysis of Acme", report.Title)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, steps)
	assert.Equal(t, []string{OutcomeSucceeded}, obs.outcomes)
	assert.Len(t, obs.tasks, len(Tasks()))
	assert.Equal(t, fixedClock(), report.GeneratedAt)

	intro, ok := report.Section(LabelIntroduction)
	require.True(t, ok)
	assert.Contains(t, intro.Body, "Acme")
	assert.Contains(t, intro.Body, "rockets")

	// 共享来源只出现一次。
	assert.Len(t, report.Sources, len(Tasks())+1)
	assert.Equal(t, 1, strings.Count(report.Markdown(), "- https://example.com/shared"))
}

func TestRunPassesDeclaredContext(t *testing.T) {
	exec := &recordingExecutor{}
	_, err := NewPipeline(exec, testCreds).Run(context.Background(), Query{CompanyName: "Acme", Domain: "rockets"}, nil)
	require.NoError(t, err)

	for _, task := range Tasks() {
		assert.Equal(t, task.Context, exec.prior[task.ID], "context for %s", task.ID)
	}
}

func TestFirstTaskIsSearchCapableAndPrecedesAnalysis(t *testing.T) {
	exec := &recordingExecutor{}
	_, err := NewPipeline(exec, testCreds).Run(context.Background(), Query{CompanyName: "Acme", Domain: "rockets"}, nil)
	require.NoError(t, err)

	require.NotEmpty(t, exec.calls)
	first := exec.calls[0]
	assert.True(t, first.SearchCapable())
	assert.Equal(t, TaskResearch, first.ID)
	for _, task := range exec.calls[1:] {
		assert.True(t, task.DependsOn(TaskResearch), "%s should build on company research", task.ID)
	}
}

func TestRunFailsWithoutPartialReport(t *testing.T) {
	exec := &recordingExecutor{failOn: TaskMarketAnalysis}
	obs := &recordingObserver{}
	report, err := NewPipeline(exec, testCreds, WithObserver(obs)).Run(context.Background(),
		Query{CompanyName: "Acme", Domain: "rockets"}, nil)

	require.Error(t, err)
	assert.Nil(t, report)
	assert.Equal(t, xerrors.CodeUpstreamFailure, xerrors.CodeOf(err))
	assert.Len(t, exec.calls, 3)
	assert.Equal(t, []string{OutcomeFailed}, obs.outcomes)
}

func TestRunRejectsEmptyResult(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, Task, []TaskResult) (*TaskResult, error) {
		return &TaskResult{Text: "  "}, nil
	})
	_, err := NewPipeline(exec, testCreds).Run(context.Background(), Query{CompanyName: "Acme", Domain: "rockets"}, nil)
	assert.Equal(t, CodeReportIncomplete, xerrors.CodeOf(err))
}

func TestRunRejectsEmptyFieldsBeforeExecution(t *testing.T) {
	cases := []Query{
		{CompanyName: "", Domain: "rockets"},
		{CompanyName: "Acme", Domain: "   "},
		{},
	}
	for _, q := range cases {
		exec := &recordingExecutor{}
		called := false
		_, err := NewPipeline(exec, testCreds).Run(context.Background(), q, func(int, int, Task) { called = true })
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
		assert.Empty(t, exec.calls)
		assert.False(t, called)
	}
}

func TestRunRequiresCredentialsBeforeExecution(t *testing.T) {
	exec := &recordingExecutor{}
	_, err := NewPipeline(exec, Credentials{SearchAPIKey: "s"}).Run(context.Background(),
		Query{CompanyName: "Acme", Domain: "rockets"}, nil)

	require.Error(t, err)
	assert.Equal(t, xerrors.CodeMissingCredentials, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "scrape")
	assert.Contains(t, err.Error(), "llm")
	assert.Empty(t, exec.calls)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := ExecutorFunc(func(context.Context, Task, []TaskResult) (*TaskResult, error) {
		cancel()
		return nil, errors.New("connection reset")
	})
	_, err := NewPipeline(exec, testCreds).Run(ctx, Query{CompanyName: "Acme", Domain: "rockets"}, nil)
	assert.Equal(t, xerrors.CodeCanceled, xerrors.CodeOf(err))
}

func TestMarkdownDemotesTaskHeadings(t *testing.T) {
	report := &Report{
		Title:    "Market Analysis of Acme",
		Sections: []Section{{Label: LabelConclusion, Body: "# Summary\n## Detail\n#### Deep\ntext"}},
	}
	md := report.Markdown()
	assert.True(t, strings.HasPrefix(md, "# Market Analysis of Acme\n"))
	assert.Contains(t, md, "## Conclusion\n")
	assert.Contains(t, md, "\n### Summary\n")
	assert.Contains(t, md, "\n### Detail\n")
	assert.Contains(t, md, "\n#### Deep\n")
}

func TestMarkdownDemotesSetextHeadings(t *testing.T) {
	body := "Overview\n========\n\nMarket share\nby region\n---\nintro text\n\n- item\n---\n\nplain\n\n---\nafter rule"
	got := demoteHeadings(body)
	assert.Equal(t, "### Overview\n\n### Market share by region\nintro text\n\n- item\n---\n\nplain\n\n---\nafter rule", got)

	report := &Report{Title: "Market Analysis of Acme", Sections: []Section{{Label: LabelConclusion, Body: body}}}
	assert.Contains(t, report.Markdown(), "\n### Overview\n")
}

func TestMarkdownKeepsFencedCodeUntouched(t *testing.T) {
	body := "# Real heading\n```bash\n# install the CLI\nmake install\n```\n~~~~\n## not a heading\n~~~\nstill code\n~~~~\nSetext after code\n---"
	got := demoteHeadings(body)
	assert.Equal(t, "### Real heading\n```bash\n# install the CLI\nmake install\n```\n~~~~\n## not a heading\n~~~\nstill code\n~~~~\n### Setext after code", got)
}

func TestMarkdownIgnoresIndentedHeadingMarkers(t *testing.T) {
	assert.Equal(t, "text\n\n    # code comment", demoteHeadings("text\n\n    # code comment"))
	assert.Equal(t, "### spaced", demoteHeadings("  ## spaced"))
}
