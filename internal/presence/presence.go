// Package presence owns the registry of live sessions and their matching
// state. It is a purely in-memory, mutex-protected store: every pairing
// transition that touches two sessions runs inside a single critical section,
// so no observer can ever see one side of a pair updated without the other.
package presence
