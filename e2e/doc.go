// Package e2e exercises the full orchestration cycle against real
// subprocesses and a live role API bridge.
//
// Each test drives the loop end to end:
//  1. Features are seeded directly or created by an initializer worker
//  2. The orchestrator claims work and launches /bin/sh stand-in workers
//  3. Each stand-in writes its bridge credentials to a handshake file
//     and waits for an acknowledgement
//  4. The test dials the role API with the worker's own token and
//     performs the store operations a real agent would
//  5. The stand-in emits its result record and exits
//
// Run with: go test -v ./e2e/...
//
// Skip in short mode: go test -short ./...
//
// No external services are involved. The bridge listens on a loopback
// port and the workers are plain shell scripts, so the suite covers the
// launch contract, token scoping, the event grammar, and store
// semantics without an LLM runtime.
package e2e
