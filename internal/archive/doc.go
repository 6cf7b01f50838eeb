// Package archive defines the work item, report, and collaborator interfaces
// shared by every stage of the archiving pipeline.
package archive
