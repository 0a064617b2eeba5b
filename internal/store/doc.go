// Package store defines the persistence interfaces consumed by the
// scheduling and pipeline components, along with the sentinel errors
// all implementations return. Concrete PostgreSQL implementations live
// in internal/platform/postgres.
package store
