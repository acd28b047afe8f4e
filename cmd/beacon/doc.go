// Command beacon runs the analytics event pipeline on a host.
//
// Beacon reads tracker events as JSON lines, stores them durably in SQLite
// (or PostgreSQL) and uploads them in batches to a RAT endpoint.
//
// Install:
//
//	go install github.com/nuetzliches/beacon/cmd/beacon@latest
//
// Usage:
//
//	beacon run --config ./beacon.yaml < events.jsonl
package main
