package rpc

import "errors"

// Error kinds an RPC call can fail with, per the spec's error model:
// transport (unreachable/reset/timeout), auth, or an application-level
// failure reported by the remote handler itself.
var (
	ErrUnreachable = errors.New("rpc: peer unreachable")
	ErrTimeout     = errors.New("rpc: call timed out")
	ErrApplication = errors.New("rpc: application error")
)
