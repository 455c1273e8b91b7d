// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package concurrency provides the single-goroutine event loop that every
// HTTP layer, server and engine callback runs on. Tasks posted from other
// goroutines run in batches; tasks deferred from the loop run at the end of
// the current turn, after the batch that scheduled them. Posting never blocks,
// so loop code may post to its own inbox.
package concurrency
