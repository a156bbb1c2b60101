// Package engine runs user-defined functions against data cubes.
//
// Two languages are supported. Starlark programs define an entrypoint
// (apply_datacube by default) that receives the input cubes and the frozen
// context dict and returns a cube, a list of cubes or a dict of named cubes.
// CEL expressions are evaluated once per element of the first input cube.
//
// The engine performs no isolation of its own beyond cancellation and step
// or cost limits; the sandbox package runs it inside a worker process.
package engine
