// Package httpapi exposes the dispatcher over REST.
//
// Routes, all under /api/v1:
//
//	POST /udf        run a udf.Request, respond with its udf.Result
//	GET  /functions  list registered functions
//	GET  /health     liveness and pool statistics
//
// Prometheus metrics are served on /metrics. The HTTP status of a result
// follows its error kind, see StatusCode.
package httpapi
