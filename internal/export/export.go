package export

import (
	"regexp"
	"strings"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/research"
)

// Format 是导出文档的格式。
type Format string

const (
	FormatDOCX     Format = "docx"
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
)

// ContentType 返回格式对应的 MIME 类型。
func ContentType(f Format) string {
	switch f {
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	default:
		return docxContentType
	}
}

// Document 是导出后的文件。
type Document struct {
	Filename    string
	ContentType string
	Bytes       []byte
}

// Exporter 将报告序列化为文档。相同的报告必须得到相同的字节。
type Exporter interface {
	Export(report *research.Report) (*Document, error)
}

// ForFormat 返回对应格式的导出器。
func ForFormat(format string) (Exporter, error) {
	switch Format(strings.ToLower(strings.TrimSpace(format))) {
	case FormatDOCX, "":
		return DOCXExporter{}, nil
	case FormatMarkdown, "markdown":
		return MarkdownExporter{}, nil
	case FormatHTML:
		return HTMLExporter{}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的导出格式: "+format,
			xerrors.WithMetadata("format", format))
	}
}

var (
	reservedChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	spaceRuns     = regexp.MustCompile(`\s+`)
)

// Filename 生成 "Market Analysis of {company}.{ext}"，去掉文件系统保留字符并合并空白。
func Filename(companyName string, ext Format) string {
	name := research.Title(companyName)
	name = reservedChars.ReplaceAllString(name, "")
	name = strings.TrimSpace(spaceRuns.ReplaceAllString(name, " "))
	return name + "." + string(ext)
}

func requireReport(report *research.Report) error {
	if report == nil || len(report.Sections) == 0 {
		return xerrors.New(xerrors.CodeExportFailure, "报告为空，无法导出")
	}
	return nil
}
