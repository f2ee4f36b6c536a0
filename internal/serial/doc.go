// Package serial provides a per-key FIFO executor.
//
// The router keys work by client address so that resolving a conversation,
// persisting a message, running the bot and closing for inactivity never
// interleave for one client, while different clients proceed in parallel.
package serial
