// Package flush turns frozen memtables into immutable table files and
// commits the results to the manifest. It provides the table file writer
// and the background worker that drives pick, build, install and rollback.
package flush
