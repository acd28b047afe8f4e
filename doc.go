/*
Package beacon documents the Beacon module.

Beacon is the core of an analytics SDK: a tracker that turns events into
RAT payloads, a durable event store and a batching sender. It ships the
beacon command as a host harness:

	go install github.com/nuetzliches/beacon/cmd/beacon@latest

Implementation packages are internal and are not a stable public Go API.
*/
package beacon
