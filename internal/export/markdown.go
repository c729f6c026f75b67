package export

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/russross/blackfriday/v2"

	"MarketResearch/internal/research"
)

// MarkdownExporter 导出报告的 Markdown 正文。
type MarkdownExporter struct{}

// Export 实现 Exporter。
func (MarkdownExporter) Export(report *research.Report) (*Document, error) {
	if err := requireReport(report); err != nil {
		return nil, err
	}
	return &Document{
		Filename:    Filename(report.Query.CompanyName, FormatMarkdown),
		ContentType: ContentType(FormatMarkdown),
		Bytes:       []byte(report.Markdown()),
	}, nil
}

// HTMLExporter 导出独立的 HTML 页面。
type HTMLExporter struct{}

// Export 实现 Exporter。
func (HTMLExporter) Export(report *research.Report) (*Document, error) {
	if err := requireReport(report); err != nil {
		return nil, err
	}
	return &Document{
		Filename:    Filename(report.Query.CompanyName, FormatHTML),
		ContentType: ContentType(FormatHTML),
		Bytes:       HTMLPage(report.Title, report.Markdown()),
	}, nil
}

// HTMLPage 将 Markdown 包装成完整的 HTML 页面。
func HTMLPage(title, markdown string) []byte {
	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title></head><body>\n")
	b.Write(RenderHTML(markdown))
	b.WriteString("</body></html>\n")
	return b.Bytes()
}

// Heading 是报告标题目录中的一项，Anchor 与 RenderOutline 输出中标题的 id 一致。
type Heading struct {
	Level  int
	Title  string
	Anchor string
}

// RenderHTML 渲染 Markdown 片段。模型输出中的原始 HTML 会被丢弃。
func RenderHTML(markdown string) []byte {
	body, _ := RenderOutline(markdown)
	return body
}

// RenderOutline 渲染 Markdown，并按出现顺序返回全部标题。
// 锚点取 blackfriday.SanitizedAnchorName，重名时追加 -1、-2。
func RenderOutline(markdown string) ([]byte, []Heading) {
	root := blackfriday.New(blackfriday.WithExtensions(blackfriday.CommonExtensions)).Parse([]byte(markdown))

	var outline []Heading
	used := map[string]bool{}
	root.Walk(func(node *blackfriday.Node, entering bool) blackfriday.WalkStatus {
		if !entering || node.Type != blackfriday.Heading {
			return blackfriday.GoToNext
		}
		title := headingText(node)
		base := node.HeadingID
		if base == "" {
			base = blackfriday.SanitizedAnchorName(title)
		}
		if base == "" {
			base = "section"
		}
		anchor := base
		for n := 1; used[anchor]; n++ {
			anchor = fmt.Sprintf("%s-%d", base, n)
		}
		used[anchor] = true
		node.HeadingID = anchor
		outline = append(outline, Heading{Level: node.HeadingData.Level, Title: title, Anchor: anchor})
		return blackfriday.SkipChildren
	})

	renderer := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{
		Flags: blackfriday.CommonHTMLFlags | blackfriday.SkipHTML | blackfriday.Safelink |
			blackfriday.NofollowLinks | blackfriday.HrefTargetBlank,
	})
	var buf bytes.Buffer
	renderer.RenderHeader(&buf, root)
	root.Walk(func(node *blackfriday.Node, entering bool) blackfriday.WalkStatus {
		return renderer.RenderNode(&buf, node, entering)
	})
	renderer.RenderFooter(&buf, root)
	return buf.Bytes(), outline
}

func headingText(heading *blackfriday.Node) string {
	var b strings.Builder
	heading.Walk(func(node *blackfriday.Node, entering bool) blackfriday.WalkStatus {
		if entering && (node.Type == blackfriday.Text || node.Type == blackfriday.Code) {
			b.Write(node.Literal)
		}
		return blackfriday.GoToNext
	})
	return strings.TrimSpace(b.String())
}
