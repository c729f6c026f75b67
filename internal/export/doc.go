// Package export turns assembled reports into downloadable documents:
// Word (DOCX), Markdown and standalone HTML.
package export
