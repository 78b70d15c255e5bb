// Package stedgeai talks to the model compiler, either the remote
// developer cloud service or a locally installed toolchain.
//
// A remote Client is a small state machine:
//
//	CLOSED -> CONNECTING -> OPEN -> (ANALYZE | BENCHMARK | GENERATE)* -> CLOSED
//
// Service chains the compilers so that any remote failure degrades
// gracefully: benchmark, then remote analyze, then the local tool.
package stedgeai
