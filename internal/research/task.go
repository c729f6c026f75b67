package research

import (
	"slices"
	"strings"
)

// Tool 是任务执行时可调用的外部能力。
type Tool string

const (
	ToolSearch Tool = "search"
	ToolScrape Tool = "scrape"
)

// 任务 ID，按执行顺序排列。
const (
	TaskResearch             = "research"
	TaskProductAnalysis      = "product_analysis"
	TaskMarketAnalysis       = "market_analysis"
	TaskRegulatoryCheck      = "regulatory_check"
	TaskCustomerSegmentation = "customer_segmentation"
	TaskFinancialAnalysis    = "financial_analysis"
	TaskOutlookSynthesis     = "outlook_synthesis"
	TaskConclusion           = "conclusion"
)

// Task 是一条静态任务模板，Bind 之后携带具体的公司信息。
type Task struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Section        string   `json:"section"`
	Description    string   `json:"description"`
	ExpectedOutput string   `json:"expected_output"`
	Tools          []Tool   `json:"tools,omitempty"`
	Context        []string `json:"context,omitempty"`
	SearchQuery    string   `json:"search_query,omitempty"`
}

// Uses 判断任务是否声明了指定工具。
func (t Task) Uses(tool Tool) bool {
	return slices.Contains(t.Tools, tool)
}

// SearchCapable 判断任务能否发起搜索。
func (t Task) SearchCapable() bool {
	return t.Uses(ToolSearch)
}

// DependsOn 判断任务是否以指定任务的输出作为上下文。
func (t Task) DependsOn(id string) bool {
	return slices.Contains(t.Context, id)
}

var catalogue = []Task{
	{
		ID:      TaskResearch,
		Title:   "Company research",
		Section: LabelCompanyOverview,
		Description: "Research {company} ({domain}) using recent, reputable sources: the official website, " +
			"press releases, business news, industry reports and regulatory filings. " +
			"Summarise the company's history, mission, leadership, headquarters and scale of operations.",
		ExpectedOutput: "A factual company overview in Markdown with inline citations in the form [Source Name](URL).",
		Tools:          []Tool{ToolSearch, ToolScrape},
		SearchQuery:    "{company} {domain} company overview",
	},
	{
		ID:      TaskProductAnalysis,
		Title:   "Product analysis",
		Section: LabelProductAnalysis,
		Description: "Analyse the products and services of {company} in the {domain} space: core offerings, " +
			"key features and benefits, underlying technology and the development pipeline.",
		ExpectedOutput: "A Markdown product analysis with bullet points per offering and inline citations.",
		Tools:          []Tool{ToolSearch},
		Context:        []string{TaskResearch},
		SearchQuery:    "{company} {domain} products services",
	},
	{
		ID:      TaskMarketAnalysis,
		Title:   "Market analysis",
		Section: LabelMarketPosition,
		Description: "Assess the market position of {company} within {domain}: industry size and growth, " +
			"major trends, main competitors and how {company} differentiates itself.",
		ExpectedOutput: "A Markdown market and competitive analysis naming competitors, with inline citations.",
		Tools:          []Tool{ToolSearch},
		Context:        []string{TaskResearch},
		SearchQuery:    "{company} competitors {domain} market share",
	},
	{
		ID:      TaskRegulatoryCheck,
		Title:   "Regulatory check",
		Section: LabelRegulatoryStatus,
		Description: "Identify the regulatory and approval status relevant to {company} and its products in {domain}: " +
			"approvals, certifications, pending reviews, compliance issues and applicable regulators.",
		ExpectedOutput: "A Markdown summary of approvals and regulatory exposure; state clearly when nothing was found.",
		Tools:          []Tool{ToolSearch},
		Context:        []string{TaskResearch, TaskProductAnalysis},
		SearchQuery:    "{company} {domain} regulatory approval",
	},
	{
		ID:      TaskCustomerSegmentation,
		Title:   "Customer segmentation",
		Section: LabelTargetMarket,
		Description: "Describe the target market of {company}: customer segments, buyer personas, " +
			"geographic focus and go-to-market channels in {domain}.",
		ExpectedOutput: "A Markdown segmentation with one bullet per segment and its needs.",
		Context:        []string{TaskResearch, TaskProductAnalysis, TaskMarketAnalysis},
	},
	{
		ID:      TaskFinancialAnalysis,
		Title:   "Financial analysis",
		Section: LabelFinancialPerformance,
		Description: "Summarise the financial performance of {company}: revenue and growth, funding rounds or " +
			"market capitalisation, profitability indicators and published projections.",
		ExpectedOutput: "A Markdown financial summary with figures, periods and inline citations; mark estimates as such.",
		Tools:          []Tool{ToolSearch},
		Context:        []string{TaskResearch, TaskMarketAnalysis},
		SearchQuery:    "{company} revenue funding financial results",
	},
	{
		ID:      TaskOutlookSynthesis,
		Title:   "Outlook synthesis",
		Section: LabelChallengesOutlook,
		Description: "Synthesise the previous analyses of {company} into the main challenges, risks and " +
			"opportunities, including a short SWOT, and give a forward-looking outlook for {domain}.",
		ExpectedOutput: "A Markdown section covering challenges, a SWOT list and the future outlook.",
		Context: []string{
			TaskResearch, TaskProductAnalysis, TaskMarketAnalysis,
			TaskRegulatoryCheck, TaskCustomerSegmentation, TaskFinancialAnalysis,
		},
	},
	{
		ID:             TaskConclusion,
		Title:          "Conclusion",
		Section:        LabelConclusion,
		Description:    "Write the conclusion of the market research report on {company}: key takeaways, strategic implications and final recommendations.",
		ExpectedOutput: "Two or three concise Markdown paragraphs without new facts.",
		Context:        []string{TaskResearch, TaskOutlookSynthesis},
	},
}

// Tasks 返回任务目录的副本，顺序即执行顺序。
func Tasks() []Task {
	out := make([]Task, len(catalogue))
	for i, t := range catalogue {
		out[i] = t.clone()
	}
	return out
}

// Bind 将查询参数填充进每个任务模板。
func Bind(q Query) []Task {
	q = q.Normalize()
	r := strings.NewReplacer("{company}", q.CompanyName, "{domain}", q.Domain)
	tasks := Tasks()
	for i := range tasks {
		tasks[i].Description = r.Replace(tasks[i].Description)
		tasks[i].ExpectedOutput = r.Replace(tasks[i].ExpectedOutput)
		tasks[i].SearchQuery = r.Replace(tasks[i].SearchQuery)
	}
	return tasks
}

func (t Task) clone() Task {
	t.Tools = slices.Clone(t.Tools)
	t.Context = slices.Clone(t.Context)
	return t
}
