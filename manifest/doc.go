// Package manifest defines the version/manifest collaborator consumed by
// flush installation.
//
// The write-buffer subsystem does not own persistent version management;
// it only needs a Sink that durably records which files exist after each
// committed flush. Store is a journaling Sink implementation suitable for
// tests and embedded use; production engines plug in their own.
package manifest
