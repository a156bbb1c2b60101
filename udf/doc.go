// Package udf defines the request, result and error types shared by every
// layer of the UDF service.
//
// A Request carries the user code (inline source or a registered function
// reference), the input cubes and the context parameters. A Result holds
// either the output cubes or a typed Error, never both. Every failure in the
// service maps to one Kind, which transports translate to their own status
// signals.
package udf
