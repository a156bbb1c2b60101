// Package registry holds the UDFs that requests can reference by name.
//
// Built-in functions are embedded in the binary. A functions directory adds
// or overrides functions: every "name.star" or "name.cel" file registers the
// function "name". The first comment line of a file is its description.
package registry
