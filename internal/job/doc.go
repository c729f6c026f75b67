// Package job runs report generation asynchronously. A Service validates and
// enqueues queries, a Processor consumes job IDs from the queue, runs the
// research pipeline, exports the document and records the outcome in a Store.
package job
