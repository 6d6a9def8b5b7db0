// Package dedupe guards paid requests against client retries. A client sends
// an idempotency key with each request; the first request carrying a key
// claims it and later requests with the same key are refused until the
// window passes or the key is released.
package dedupe
