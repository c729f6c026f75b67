package research

import (
	"fmt"
	"strings"
	"time"

	xerrors "MarketResearch/internal/errors"
)

// 报告章节标题，顺序固定。
const (
	LabelIntroduction         = "Introduction"
	LabelCompanyOverview      = "Company overview"
	LabelProductAnalysis      = "Product analysis"
	LabelMarketPosition       = "Market position and competitive analysis"
	LabelRegulatoryStatus     = "Regulatory and approval status"
	LabelTargetMarket         = "Target market and customer segmentation"
	LabelFinancialPerformance = "Financial performance"
	LabelChallengesOutlook    = "Challenges and future outlook"
	LabelConclusion           = "Conclusion"
	LabelSources              = "Sources"
)

// CodeReportIncomplete 表示某个章节缺少任务输出。
const CodeReportIncomplete xerrors.Code = "REPORT_INCOMPLETE"

func init() {
	xerrors.Register(CodeReportIncomplete, xerrors.Attributes{
		Message:  "report section has no content",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

var labels = []string{
	LabelIntroduction,
	LabelCompanyOverview,
	LabelProductAnalysis,
	LabelMarketPosition,
	LabelRegulatoryStatus,
	LabelTargetMarket,
	LabelFinancialPerformance,
	LabelChallengesOutlook,
	LabelConclusion,
	LabelSources,
}

// Labels 返回全部章节标题。
func Labels() []string {
	return append([]string(nil), labels...)
}

// Section 是报告中的一个章节。
type Section struct {
	Label string `json:"label"`
	Body  string `json:"body"`
}

// Report 是一次查询的最终产物。
type Report struct {
	Query       Query     `json:"query"`
	Title       string    `json:"title"`
	Sections    []Section `json:"sections"`
	Sources     []string  `json:"sources,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Title 返回报告标题。
func Title(companyName string) string {
	return "Market Analysis of " + strings.TrimSpace(companyName)
}

// Introduction 根据查询生成引言。
func Introduction(q Query) string {
	q = q.Normalize()
	return fmt.Sprintf("This report presents a market analysis of %s in the %s domain. "+
		"It covers the company overview, products, market position and competition, regulatory status, "+
		"target customers, financial performance, challenges and outlook, and closes with a conclusion "+
		"and the list of sources consulted.", q.CompanyName, q.Domain)
}

// Assemble 将任务输出按固定标题组装成报告。任何章节缺失都会返回错误而不是残缺的报告。
func Assemble(q Query, tasks []Task, results []TaskResult, at time.Time) (*Report, error) {
	q = q.Normalize()
	byTask := make(map[string]TaskResult, len(results))
	for _, r := range results {
		byTask[r.TaskID] = r
	}
	bySection := make(map[string]string, len(tasks))
	var sources []string
	seen := make(map[string]struct{})
	for _, t := range tasks {
		r, ok := byTask[t.ID]
		if !ok || r.Empty() {
			return nil, xerrors.New(CodeReportIncomplete, "任务没有产出内容: "+t.ID,
				xerrors.WithMetadata("task", t.ID))
		}
		bySection[t.Section] = strings.TrimSpace(r.Text)
		for _, src := range r.Sources {
			src = strings.TrimSpace(src)
			if src == "" {
				continue
			}
			if _, dup := seen[src]; dup {
				continue
			}
			seen[src] = struct{}{}
			sources = append(sources, src)
		}
	}

	sections := make([]Section, 0, len(labels))
	for _, label := range labels {
		var body string
		switch label {
		case LabelIntroduction:
			body = Introduction(q)
		case LabelSources:
			body = renderSources(sources)
		default:
			text, ok := bySection[label]
			if !ok {
				return nil, xerrors.New(CodeReportIncomplete, "章节缺少对应任务: "+label,
					xerrors.WithMetadata("section", label))
			}
			body = text
		}
		sections = append(sections, Section{Label: label, Body: body})
	}

	return &Report{
		Query:       q,
		Title:       Title(q.CompanyName),
		Sections:    sections,
		Sources:     sources,
		GeneratedAt: at.UTC(),
	}, nil
}

// Section 按标题查找章节。
func (r *Report) Section(label string) (Section, bool) {
	if r == nil {
		return Section{}, false
	}
	for _, s := range r.Sections {
		if s.Label == label {
			return s, true
		}
	}
	return Section{}, false
}

// Markdown 渲染报告正文。任务输出中的标题会被降级到三级及以下，保证章节结构不被打乱。
func (r *Report) Markdown() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(r.Title)
	b.WriteString("\n")
	for _, s := range r.Sections {
		b.WriteString("\n## ")
		b.WriteString(s.Label)
		b.WriteString("\n\n")
		b.WriteString(demoteHeadings(s.Body))
		b.WriteString("\n")
	}
	return b.String()
}

func renderSources(sources []string) string {
	if len(sources) == 0 {
		return "No external sources were consulted."
	}
	lines := make([]string, len(sources))
	for i, src := range sources {
		lines[i] = "- " + src
	}
	return strings.Join(lines, "\n")
}

// minBodyHeading 是章节正文中标题的最高级别，一级和二级留给报告标题与章节标题。
const minBodyHeading = 3

// demoteHeadings 把正文中的 ATX 与 Setext 标题降到至少三级。围栏代码块内的行原样保留。
func demoteHeadings(body string) string {
	lines := strings.Split(strings.TrimSpace(body), "\n")
	out := make([]string, 0, len(lines))
	fence := ""
	para := -1 // 当前段落首行在 out 中的位置
	for _, line := range lines {
		if fence != "" {
			if closesFence(line, fence) {
				fence = ""
			}
			out = append(out, line)
			continue
		}
		if marker := fenceMarker(line); marker != "" {
			fence, para = marker, -1
			out = append(out, line)
			continue
		}
		if level := setextLevel(line); level > 0 && para >= 0 {
			text := make([]string, 0, len(out)-para)
			for _, l := range out[para:] {
				text = append(text, strings.TrimSpace(l))
			}
			out = append(out[:para], strings.Repeat("#", max(level, minBodyHeading))+" "+strings.Join(text, " "))
			para = -1
			continue
		}

		switch level := headingLevel(line); {
		case strings.TrimSpace(line) == "":
			para = -1
		case level > 0:
			if level < minBodyHeading {
				line = strings.Repeat("#", minBodyHeading-level) + strings.TrimLeft(line, " ")
			}
			para = -1
		case startsBlock(line):
			para = -1
		case para < 0:
			para = len(out)
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// setextLevel 识别 Setext 下划线：=== 为一级，--- 为二级。
func setextLevel(line string) int {
	trimmed, ok := trimIndent(strings.TrimRight(line, " \t"))
	if !ok || trimmed == "" {
		return 0
	}
	switch {
	case strings.Trim(trimmed, "=") == "":
		return 1
	case strings.Trim(trimmed, "-") == "":
		return 2
	}
	return 0
}

// fenceMarker 返回围栏起始行的标记（至少三个 ` 或 ~），不是围栏时返回空串。
func fenceMarker(line string) string {
	trimmed, ok := trimIndent(line)
	if !ok || len(trimmed) < 3 || (trimmed[0] != '`' && trimmed[0] != '~') {
		return ""
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == trimmed[0] {
		n++
	}
	if n < 3 {
		return ""
	}
	return trimmed[:n]
}

func closesFence(line, fence string) bool {
	trimmed, ok := trimIndent(strings.TrimRight(line, " \t"))
	return ok && len(trimmed) >= len(fence) && strings.Trim(trimmed, fence[:1]) == ""
}

// startsBlock 判断该行是否开始列表、引用、表格、分隔线或缩进代码，这些行不能成为 Setext 标题的正文。
func startsBlock(line string) bool {
	trimmed, ok := trimIndent(line)
	if !ok {
		return true
	}
	if setextLevel(line) > 0 || strings.Trim(strings.TrimSpace(trimmed), "*_ ") == "" {
		return true
	}
	switch trimmed[0] {
	case '>', '|':
		return true
	case '-', '*', '+':
		return len(trimmed) > 1 && trimmed[1] == ' '
	}
	digits := 0
	for digits < len(trimmed) && trimmed[digits] >= '0' && trimmed[digits] <= '9' {
		digits++
	}
	return digits > 0 && digits+1 < len(trimmed) && (trimmed[digits] == '.' || trimmed[digits] == ')') && trimmed[digits+1] == ' '
}

// trimIndent 去掉至多三个前导空格。缩进四个及以上属于代码块，ok 为 false。
func trimIndent(line string) (string, bool) {
	trimmed := strings.TrimLeft(line, " ")
	return trimmed, len(line)-len(trimmed) <= 3
}

func headingLevel(line string) int {
	trimmed, ok := trimIndent(line)
	if !ok {
		return 0
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == '#' {
		n++
	}
	if n == 0 || n > 6 || n == len(trimmed) || trimmed[n] != ' ' {
		return 0
	}
	return n
}
