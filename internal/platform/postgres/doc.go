// Package postgres provides PostgreSQL-backed implementations of the
// store interfaces. Every store accepts a store.DBTX, so the same code
// runs against a connection pool or an open transaction, and maps
// driver errors onto the store sentinel errors via MapError.
package postgres
