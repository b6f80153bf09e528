// Package async provides panic-safe goroutine helpers and a bounded worker
// pool used for background work such as webhook dispatch and invoice runs.
package async
