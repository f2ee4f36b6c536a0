// Package matrix implements the transport driver for Matrix homeservers.
//
// Each room is one client address. The driver logs in with an access token,
// reports the bot's user ID as the bound address and delivers text messages
// from the sync stream. A revoked token ends the session with
// transport.ErrLoggedOut.
package matrix
