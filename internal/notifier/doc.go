// Package notifier delivers single messages over one channel with bounded
// exponential-backoff retry.
//
// A send first consults the cached connectivity status and fails fast when
// offline. Otherwise it attempts the channel call; failures the channel
// marks as transient (connectivity, timeout) are retried after 1s, 2s, ...
// until the attempt bound, while rejections return at once with the
// channel's detail. Send never returns an error: callers inspect Result.
//
// # History
//
// The dispatcher keeps a small in-memory history of recent results for
// operator visibility.
package notifier
