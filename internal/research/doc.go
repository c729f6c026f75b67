// Package research builds market research reports: it binds a company query
// into a fixed task catalogue, runs the tasks in order through an Executor and
// assembles the results under fixed section labels.
package research
