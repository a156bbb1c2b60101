// Package dispatch admits UDF requests and runs them on a bounded pool.
//
// The pool has one slot per configured worker and a bounded queue of waiting
// requests. When both are full Submit fails fast with a capacity_exceeded
// result. Requests are validated, resolved against the function registry and
// clamped to the server budget before admission, so invalid requests never
// occupy a slot. There is no retry and no ordering guarantee.
package dispatch
