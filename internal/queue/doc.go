// Package queue defines the abstract queue substrate the scheduling
// components depend on: enqueue, delayed enqueue, and a health
// snapshot. MemoryBroker is the in-process implementation used for
// local runs and tests; a durable broker can replace it behind the
// same interfaces without touching the components.
package queue
