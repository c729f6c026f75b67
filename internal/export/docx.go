package export

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gomutex/godocx"
	"github.com/gomutex/godocx/docx"
	"github.com/gomutex/godocx/wml/ctypes"
	"github.com/gomutex/godocx/wml/stypes"
	"github.com/russross/blackfriday/v2"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/research"
)

const (
	docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	documentTitle   = "Market Research Report"

	documentPart     = "word/document.xml"
	numberingPart    = "word/numbering.xml"
	corePart         = "docProps/core.xml"
	thumbnailPart    = "docProps/thumbnail.jpeg"
	thumbnailRelType = "http://schemas.openxmlformats.org/package/2006/relationships/metadata/thumbnail"

	// 模板 styles.xml 中的代码样式。
	codeParagraphStyle = "MacroText"
	codeRunStyle       = "MacroTextChar"

	abstractBullet  = 0
	abstractOrdered = 1
	maxListLevel    = 8
)

var (
	documentStart = regexp.MustCompile(`<w:document\b[^>]*>`)
	xmlAttr       = regexp.MustCompile(`[A-Za-z_][-\w.:]*="[^"]*"`)
)

// DOCXExporter 基于 godocx 的默认模板生成 Office Open XML 文档。
// godocx 按文件名排序写入 zip 条目且不写修改时间，document.xml 根元素的属性顺序由 repack 固定。
type DOCXExporter struct{}

// Export 实现 Exporter。
func (DOCXExporter) Export(report *research.Report) (*Document, error) {
	if err := requireReport(report); err != nil {
		return nil, err
	}
	markdown := report.Markdown()
	if err := validateXMLText(markdown); err != nil {
		return nil, err
	}

	paras, lists := convert(markdown)
	paras = append([]paragraph{{style: "Title", runs: []run{{text: documentTitle}}}}, paras...)

	doc, err := godocx.NewDocument()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExportFailure, err, "加载文档模板失败")
	}
	prepareTemplate(doc)
	for _, p := range paras {
		writeParagraph(doc, p)
	}
	doc.FileMap.Store(numberingPart, numberingXML(lists))
	doc.FileMap.Store(corePart, coreXML(report))

	var buf bytes.Buffer
	if err := doc.Write(&buf); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExportFailure, err, "生成文档失败")
	}
	data, err := repack(buf.Bytes())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExportFailure, err, "生成文档失败")
	}
	return &Document{
		Filename:    Filename(report.Query.CompanyName, FormatDOCX),
		ContentType: docxContentType,
		Bytes:       data,
	}, nil
}

// repack 原样复制其余条目，只重写 document.xml。godocx 遍历 map 写出 w:document 的命名空间属性，顺序每次不同。
func repack(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		if f.Name != documentPart {
			if err := zw.Copy(f); err != nil {
				return nil, err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(sortRootAttrs(body)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sortRootAttrs(body []byte) []byte {
	loc := documentStart.FindIndex(body)
	if loc == nil {
		return body
	}
	attrs := xmlAttr.FindAll(body[loc[0]:loc[1]], -1)
	slices.SortFunc(attrs, bytes.Compare)

	var tag bytes.Buffer
	tag.WriteString("<w:document")
	for _, attr := range attrs {
		tag.WriteByte(' ')
		tag.Write(attr)
	}
	tag.WriteByte('>')

	out := make([]byte, 0, len(body)+8)
	out = append(out, body[:loc[0]]...)
	out = append(out, tag.Bytes()...)
	return append(out, body[loc[1]:]...)
}

// prepareTemplate 去掉模板自带的缩略图，并把默认字体固定为 Calibri 11pt。
func prepareTemplate(doc *docx.RootDoc) {
	rels := doc.RootRels.Relationships[:0]
	for _, rel := range doc.RootRels.Relationships {
		if rel.Type != thumbnailRelType {
			rels = append(rels, rel)
		}
	}
	doc.RootRels.Relationships = rels
	doc.FileMap.Delete(thumbnailPart)

	styles := doc.DocStyles
	if styles == nil {
		return
	}
	if styles.DocDefaults == nil {
		styles.DocDefaults = &ctypes.DocDefault{}
	}
	if styles.DocDefaults.RunProp == nil {
		styles.DocDefaults.RunProp = &ctypes.RunPropDefault{}
	}
	if styles.DocDefaults.RunProp.RunProp == nil {
		styles.DocDefaults.RunProp.RunProp = &ctypes.RunProperty{}
	}
	rp := styles.DocDefaults.RunProp.RunProp
	rp.Fonts = &ctypes.RunFonts{Ascii: "Calibri", HAnsi: "Calibri", EastAsia: "Calibri", CS: "Calibri"}
	rp.Size = ctypes.NewFontSize(22)
}

func writeParagraph(doc *docx.RootDoc, p paragraph) {
	para := doc.AddEmptyParagraph()
	// Numbering 是值接收者，必须先由 Style 建好段落属性。
	para.Style(p.style)
	if p.style == "Title" {
		para.Justification(stypes.JustificationCenter)
	}
	if p.numID > 0 {
		para.Numbering(p.numID, p.level)
	}
	for _, r := range p.runs {
		if r.brk {
			para.AddRun().AddBreak(nil)
			continue
		}
		out := para.AddText(r.text)
		if r.bold {
			out.Bold(true)
		}
		if r.italic {
			out.Italic(true)
		}
		if r.code {
			out.Style(codeRunStyle)
		}
	}
}

type run struct {
	text   string
	bold   bool
	italic bool
	code   bool
	brk    bool
}

type paragraph struct {
	style string
	numID int
	level int
	runs  []run
}

// list 对应 numbering.xml 中的一个 w:num。每个 Markdown 列表独占一个编号，有序列表从 1 重新开始。
type list struct {
	numID   int
	level   int
	ordered bool
}

type converter struct {
	paras  []paragraph
	cur    *paragraph
	bold   int
	italic int
	open   []list
	lists  []list
	link   int
}

// convert 将 Markdown 映射为段落：标题对应 Heading1..9，列表项对应列表段落，其余为正文。
func convert(markdown string) ([]paragraph, []list) {
	root := blackfriday.New(blackfriday.WithExtensions(blackfriday.CommonExtensions)).Parse([]byte(markdown))
	c := &converter{}
	root.Walk(c.visit)
	c.flush()
	return c.paras, c.lists
}

func (c *converter) visit(node *blackfriday.Node, entering bool) blackfriday.WalkStatus {
	switch node.Type {
	case blackfriday.Heading:
		if entering {
			c.start(fmt.Sprintf("Heading%d", min(max(node.HeadingData.Level, 1), 9)))
		} else {
			c.flush()
		}
	case blackfriday.List:
		c.flush()
		if entering {
			l := list{
				numID:   len(c.lists) + 1,
				level:   min(len(c.open), maxListLevel),
				ordered: node.ListData.ListFlags&blackfriday.ListTypeOrdered != 0,
			}
			c.lists = append(c.lists, l)
			c.open = append(c.open, l)
		} else {
			c.open = c.open[:len(c.open)-1]
		}
	case blackfriday.Item:
		if entering {
			c.startItem()
		} else {
			c.flush()
		}
	case blackfriday.Paragraph:
		if entering {
			if node.Parent != nil && node.Parent.Type == blackfriday.Item {
				// 列表项的首个段落沿用 Item 打开的列表段落。
				if c.cur == nil || len(c.cur.runs) > 0 {
					c.startItem()
				}
			} else {
				c.start("Normal")
			}
		} else {
			c.flush()
		}
	case blackfriday.TableRow:
		if entering {
			c.start("Normal")
		} else {
			c.flush()
		}
	case blackfriday.TableCell:
		if entering && node.Prev != nil {
			c.add(run{text: " | "})
		}
	case blackfriday.Strong:
		c.bold += delta(entering)
	case blackfriday.Emph:
		c.italic += delta(entering)
	case blackfriday.Link:
		if entering {
			c.link = c.runCount()
		} else if dest := string(node.LinkData.Destination); dest != "" && c.textSince(c.link) != dest {
			c.add(run{text: " (" + dest + ")"})
		}
	case blackfriday.Text:
		if len(node.Literal) > 0 {
			c.add(run{text: string(node.Literal), bold: c.bold > 0, italic: c.italic > 0})
		}
	case blackfriday.Code:
		c.add(run{text: string(node.Literal), code: true})
	case blackfriday.CodeBlock:
		c.flush()
		for _, line := range strings.Split(strings.TrimRight(string(node.Literal), "\n"), "\n") {
			c.start(codeParagraphStyle)
			c.add(run{text: line, code: true})
			c.flush()
		}
	case blackfriday.Softbreak:
		c.add(run{text: " "})
	case blackfriday.Hardbreak:
		c.add(run{brk: true})
	case blackfriday.HTMLBlock, blackfriday.HTMLSpan, blackfriday.Image:
		return blackfriday.SkipChildren
	}
	return blackfriday.GoToNext
}

func (c *converter) start(style string) {
	c.flush()
	c.cur = &paragraph{style: style}
}

func (c *converter) startItem() {
	c.flush()
	if len(c.open) == 0 {
		c.cur = &paragraph{style: "ListParagraph"}
		return
	}
	l := c.open[len(c.open)-1]
	c.cur = &paragraph{style: "ListParagraph", numID: l.numID, level: l.level}
}

func (c *converter) add(r run) {
	if c.cur == nil {
		c.start("Normal")
	}
	c.cur.runs = append(c.cur.runs, r)
}

func (c *converter) flush() {
	if c.cur == nil {
		return
	}
	if len(c.cur.runs) > 0 {
		c.paras = append(c.paras, *c.cur)
	}
	c.cur = nil
}

func (c *converter) runCount() int {
	if c.cur == nil {
		return 0
	}
	return len(c.cur.runs)
}

func (c *converter) textSince(i int) string {
	if c.cur == nil || i >= len(c.cur.runs) {
		return ""
	}
	var b strings.Builder
	for _, r := range c.cur.runs[i:] {
		b.WriteString(r.text)
	}
	return b.String()
}

func delta(entering bool) int {
	if entering {
		return 1
	}
	return -1
}

// validateXMLText 拒绝 XML 1.0 不允许出现的字符。
func validateXMLText(s string) error {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return xerrors.New(xerrors.CodeExportFailure, "报告包含非法 UTF-8 字节",
				xerrors.WithMetadata("offset", fmt.Sprint(i)))
		}
		if !isXMLChar(r) {
			return xerrors.New(xerrors.CodeExportFailure, fmt.Sprintf("报告包含无法写入文档的字符 %U", r),
				xerrors.WithMetadata("offset", fmt.Sprint(i)))
		}
		i += size
	}
	return nil
}

func isXMLChar(r rune) bool {
	switch {
	case r == 0x9 || r == 0xA || r == 0xD:
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}

func escape(b *bytes.Buffer, s string) {
	_ = xml.EscapeText(b, []byte(s))
}

func coreXML(report *research.Report) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" ` +
		`xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:dcterms="http://purl.org/dc/terms/" ` +
		`xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"><dc:title>`)
	escape(&b, report.Title)
	b.WriteString(`</dc:title><dc:subject>`)
	escape(&b, report.Query.Domain)
	b.WriteString(`</dc:subject>`)
	if !report.GeneratedAt.IsZero() {
		stamp := report.GeneratedAt.UTC().Format(time.RFC3339)
		fmt.Fprintf(&b, `<dcterms:created xsi:type="dcterms:W3CDTF">%s</dcterms:created>`, stamp)
		fmt.Fprintf(&b, `<dcterms:modified xsi:type="dcterms:W3CDTF">%s</dcterms:modified>`, stamp)
	}
	b.WriteString(`</cp:coreProperties>`)
	return b.Bytes()
}

var (
	bulletGlyphs   = []string{"•", "◦", "▪"}
	orderedFormats = []string{"decimal", "lowerLetter", "lowerRoman"}
)

// numberingXML 生成两套抽象编号（项目符号与序号）以及每个列表自己的 w:num。
// 有序列表带 startOverride，否则 Word 会把引用同一抽象编号的列表连续编号。
func numberingXML(lists []list) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<w:numbering xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">`)
	for _, abstract := range []int{abstractBullet, abstractOrdered} {
		fmt.Fprintf(&b, `<w:abstractNum w:abstractNumId="%d"><w:multiLevelType w:val="hybridMultilevel"/>`, abstract)
		for level := 0; level <= maxListLevel; level++ {
			format, text := "bullet", bulletGlyphs[level%len(bulletGlyphs)]
			if abstract == abstractOrdered {
				format, text = orderedFormats[level%len(orderedFormats)], fmt.Sprintf("%%%d.", level+1)
			}
			fmt.Fprintf(&b, `<w:lvl w:ilvl="%d"><w:start w:val="1"/><w:numFmt w:val="%s"/><w:lvlText w:val="%s"/>`+
				`<w:lvlJc w:val="left"/><w:pPr><w:ind w:left="%d" w:hanging="360"/></w:pPr></w:lvl>`,
				level, format, text, 720*(level+1))
		}
		b.WriteString(`</w:abstractNum>`)
	}
	for _, l := range lists {
		if !l.ordered {
			fmt.Fprintf(&b, `<w:num w:numId="%d"><w:abstractNumId w:val="%d"/></w:num>`, l.numID, abstractBullet)
			continue
		}
		fmt.Fprintf(&b, `<w:num w:numId="%d"><w:abstractNumId w:val="%d"/>`+
			`<w:lvlOverride w:ilvl="%d"><w:startOverride w:val="1"/></w:lvlOverride></w:num>`,
			l.numID, abstractOrdered, l.level)
	}
	b.WriteString(`</w:numbering>`)
	return b.Bytes()
}
