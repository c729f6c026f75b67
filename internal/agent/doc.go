// Package agent executes research tasks. Each task optionally searches the
// web, scrapes the top results and then asks the language model to write the
// report section from the collected material and the earlier sections.
package agent
