// Package domain contains the core entities of the background
// processing system: accounts and their scheduling state, pipeline
// runs with per-step analysis state, and the job failure audit record.
// It represents the heart of the system, independent of any specific
// infrastructure or delivery mechanism.
//
// Domain types are plain structs with explicit Validate methods and
// carry no persistence or transport concerns; those live in the store
// and queue packages respectively.
package domain
