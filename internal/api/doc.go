// Package api serves the read-only operational dashboard: pipeline
// runs with rollups, the failure audit trail, backlog status, and
// queue health snapshots.
package api
