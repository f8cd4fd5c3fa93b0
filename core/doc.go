// Package core contains the shared data model of the decision core:
// sessions with their conversational context, messages, extracted
// variables, flow positions and lifecycle states, plus the Store
// capability interface and the error taxonomy used across packages.
//
// Types in this package are plain serializable values. Concurrency
// control lives with the components that own them (the session adapter
// clones sessions at its boundary, the runner serializes turns per
// session), so a Session round-trips through JSON unchanged.
package core
