package export

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/research"
)

func sampleReport(t *testing.T, body string) *research.Report {
	t.Helper()
	q := research.Query{CompanyName: "Acme / Rockets", Domain: "space launch"}
	tasks := research.Bind(q)
	results := make([]research.TaskResult, len(tasks))
	for i, task := range tasks {
		results[i] = research.TaskResult{TaskID: task.ID, Text: body, Sources: []string{"https://example.com/" + task.ID}}
	}
	report, err := research.Assemble(q, tasks, results, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return report
}

func readPart(t *testing.T, data []byte, name string) string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(content)
	}
	t.Fatalf("part %s not found", name)
	return ""
}

// docxParagraph 是从 document.xml 中解析出的段落摘要。
type docxParagraph struct {
	style string
	numID string
	level string
	text  string
	bold  []string
	code  bool
}

func parseParagraphs(t *testing.T, body string) []docxParagraph {
	t.Helper()
	var (
		paras  []docxParagraph
		cur    *docxParagraph
		inRun  bool
		bold   bool
		inText bool
		runBuf strings.Builder
	)
	dec := xml.NewDecoder(strings.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch el := tok.(type) {
		case xml.StartElement:
			val := ""
			for _, attr := range el.Attr {
				if attr.Name.Local == "val" {
					val = attr.Value
				}
			}
			switch el.Name.Local {
			case "p":
				paras = append(paras, docxParagraph{})
				cur = &paras[len(paras)-1]
			case "pStyle":
				cur.style = val
			case "numId":
				cur.numID = val
			case "ilvl":
				cur.level = val
			case "r":
				inRun, bold = true, false
				runBuf.Reset()
			case "b":
				bold = inRun && val != "false" && val != "0"
			case "rStyle":
				if val == codeRunStyle {
					cur.code = true
				}
			case "t":
				inText = true
			}
		case xml.CharData:
			if inText && cur != nil {
				cur.text += string(el)
				runBuf.Write(el)
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "r":
				if bold && cur != nil {
					cur.bold = append(cur.bold, runBuf.String())
				}
				inRun = false
			}
		}
	}
	return paras
}

func TestDOCXExportIsDeterministic(t *testing.T) {
	report := sampleReport(t, "Acme **leads** the market.\n\n- reusable boosters\n- [press kit](https://acme.example/press)")
	first, err := DOCXExporter{}.Export(report)
	require.NoError(t, err)
	// document.xml 的根属性由 map 遍历产生，多次导出才能暴露顺序差异。
	for range 20 {
		again, err := DOCXExporter{}.Export(report)
		require.NoError(t, err)
		require.Equal(t, first.Bytes, again.Bytes)
	}
	assert.Equal(t, "Market Analysis of Acme Rockets.docx", first.Filename)
	assert.Equal(t, docxContentType, first.ContentType)
}

func TestDOCXExportStructure(t *testing.T) {
	report := sampleReport(t, "# Heading from model\nAcme **leads** the market.\n\n1. first\n2. second\n\n- [press kit](https://acme.example/press)\n\nUse `launch()` daily.")
	doc, err := DOCXExporter{}.Export(report)
	require.NoError(t, err)

	paras := parseParagraphs(t, readPart(t, doc.Bytes, documentPart))
	require.NotEmpty(t, paras)
	assert.Equal(t, docxParagraph{style: "Title", text: "Market Research Report"}, paras[0])
	assert.Equal(t, "Heading1", paras[1].style)
	assert.Equal(t, "Market Analysis of Acme / Rockets", paras[1].text)

	byText := map[string]docxParagraph{}
	for _, p := range paras {
		if _, seen := byText[p.text]; !seen {
			byText[p.text] = p
		}
	}
	assert.Contains(t, byText, "Market position and competitive analysis")
	assert.Equal(t, "Heading3", byText["Heading from model"].style)
	assert.Equal(t, []string{"leads"}, byText["Acme leads the market."].bold)
	assert.Equal(t, "ListParagraph", byText["first"].style)
	assert.NotEmpty(t, byText["first"].numID)
	assert.Equal(t, byText["first"].numID, byText["second"].numID)
	assert.NotEqual(t, byText["first"].numID, byText["press kit (https://acme.example/press)"].numID)
	assert.True(t, byText["Use launch() daily."].code)

	styles := readPart(t, doc.Bytes, "word/styles.xml")
	assert.Contains(t, styles, `w:ascii="Calibri"`)
	assert.Contains(t, styles, `w:styleId="Heading9"`)

	core := readPart(t, doc.Bytes, corePart)
	assert.Contains(t, core, "2026-03-01T12:00:00Z")
	assert.Contains(t, core, "<dc:title>Market Analysis of Acme / Rockets</dc:title>")

	zr, err := zip.NewReader(bytes.NewReader(doc.Bytes), int64(len(doc.Bytes)))
	require.NoError(t, err)
	for _, f := range zr.File {
		assert.NotEqual(t, thumbnailPart, f.Name)
	}
	assert.NotContains(t, readPart(t, doc.Bytes, "_rels/.rels"), "thumbnail")
}

func TestDOCXOrderedListsRestartNumbering(t *testing.T) {
	report := sampleReport(t, "1. alpha\n2. beta\n\nBetween the lists.\n\n1. gamma\n2. delta")
	doc, err := DOCXExporter{}.Export(report)
	require.NoError(t, err)

	paras := parseParagraphs(t, readPart(t, doc.Bytes, documentPart))
	numIDs := map[string]bool{}
	var alphaIDs, gammaIDs []string
	for _, p := range paras {
		switch p.text {
		case "alpha":
			alphaIDs = append(alphaIDs, p.numID)
		case "gamma":
			gammaIDs = append(gammaIDs, p.numID)
		}
	}
	// 每个章节各有两个有序列表，全部编号互不相同。
	require.Len(t, alphaIDs, len(report.Sections))
	require.Len(t, gammaIDs, len(report.Sections))
	for _, id := range append(alphaIDs, gammaIDs...) {
		require.NotEmpty(t, id)
		assert.False(t, numIDs[id], "numId %s reused", id)
		numIDs[id] = true
	}

	numbering := readPart(t, doc.Bytes, numberingPart)
	for id := range numIDs {
		assert.Contains(t, numbering, `<w:num w:numId="`+id+`"><w:abstractNumId w:val="1"/>`+
			`<w:lvlOverride w:ilvl="0"><w:startOverride w:val="1"/></w:lvlOverride></w:num>`)
	}
}

func TestNumberingXMLNestedLists(t *testing.T) {
	paras, lists := convert("- outer\n    1. inner one\n    2. inner two\n- tail")
	require.Len(t, lists, 2)
	assert.Equal(t, list{numID: 1, level: 0, ordered: false}, lists[0])
	assert.Equal(t, list{numID: 2, level: 1, ordered: true}, lists[1])

	var inner []paragraph
	for _, p := range paras {
		if p.numID == 2 {
			inner = append(inner, p)
		}
	}
	require.Len(t, inner, 2)
	assert.Equal(t, 1, inner[0].level)

	numbering := string(numberingXML(lists))
	assert.Contains(t, numbering, `<w:num w:numId="1"><w:abstractNumId w:val="0"/></w:num>`)
	assert.Contains(t, numbering, `<w:lvlOverride w:ilvl="1"><w:startOverride w:val="1"/></w:lvlOverride>`)
}

func TestSortRootAttrs(t *testing.T) {
	in := []byte(`<?xml version="1.0"?><w:document xmlns:w="urn:w" xmlns:a="urn:a" mc:Ignorable="w14"><w:body></w:body></w:document>`)
	out := sortRootAttrs(in)
	assert.Equal(t, `<?xml version="1.0"?><w:document mc:Ignorable="w14" xmlns:a="urn:a" xmlns:w="urn:w"><w:body></w:body></w:document>`, string(out))
}

func TestDOCXExportRejectsInvalidXMLCharacters(t *testing.T) {
	report := sampleReport(t, "bad \x01 control")
	doc, err := DOCXExporter{}.Export(report)
	assert.Nil(t, doc)
	assert.Equal(t, xerrors.CodeExportFailure, xerrors.CodeOf(err))
}

func TestExportRejectsEmptyReport(t *testing.T) {
	for _, exp := range []Exporter{DOCXExporter{}, MarkdownExporter{}, HTMLExporter{}} {
		_, err := exp.Export(nil)
		assert.Equal(t, xerrors.CodeExportFailure, xerrors.CodeOf(err))
	}
}

func TestMarkdownExport(t *testing.T) {
	report := sampleReport(t, "plain text")
	doc, err := MarkdownExporter{}.Export(report)
	require.NoError(t, err)
	assert.Equal(t, "Market Analysis of Acme Rockets.md", doc.Filename)
	assert.Equal(t, report.Markdown(), string(doc.Bytes))
}

func TestHTMLExportDropsRawHTML(t *testing.T) {
	report := sampleReport(t, "safe <script>alert(1)</script> text")
	doc, err := HTMLExporter{}.Export(report)
	require.NoError(t, err)
	assert.NotContains(t, string(doc.Bytes), "<script>")
	assert.Contains(t, string(doc.Bytes), `<h2 id="introduction">Introduction</h2>`)
}

func TestRenderOutlineAnchorsMatchHeadings(t *testing.T) {
	body, outline := RenderOutline("# Market Analysis of Acme\n\n## Introduction\n\n### Key `API` Facts\n\ntext\n\n## Introduction\n\n## 市场 概况\n")
	require.Len(t, outline, 5)
	assert.Equal(t, Heading{Level: 1, Title: "Market Analysis of Acme", Anchor: "market-analysis-of-acme"}, outline[0])
	assert.Equal(t, Heading{Level: 3, Title: "Key API Facts", Anchor: "key-api-facts"}, outline[2])
	assert.Equal(t, "introduction", outline[1].Anchor)
	assert.Equal(t, "introduction-1", outline[3].Anchor)
	assert.Equal(t, "市场-概况", outline[4].Anchor)

	html := string(body)
	for _, h := range outline {
		assert.Contains(t, html, `id="`+h.Anchor+`"`)
	}
	assert.Equal(t, 1, strings.Count(html, `id="introduction"`))
}

func TestFilenameSanitizes(t *testing.T) {
	assert.Equal(t, "Market Analysis of ACME Inc.docx", Filename(`  AC<M>E:  "Inc"? `, FormatDOCX))
	assert.Equal(t, "Market Analysis of a b.md", Filename("a\\|/ \t b", FormatMarkdown))
}

func TestForFormat(t *testing.T) {
	exp, err := ForFormat("DOCX")
	require.NoError(t, err)
	assert.IsType(t, DOCXExporter{}, exp)

	exp, err = ForFormat("md")
	require.NoError(t, err)
	assert.IsType(t, MarkdownExporter{}, exp)

	_, err = ForFormat("pdf")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
