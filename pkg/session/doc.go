// Package session implements one console connection.
//
// A session performs the TLS handshake, requires a client certificate,
// greets the console with a header describing the host, and then answers
// ricci request documents until the console is done, authentication fails
// too often, the connection breaks, or the daemon shuts down. Every response
// is a ricci header carrying a numeric success code; the conversation ends
// with a bye document.
//
// Sessions are independent. They share state only through the trust store,
// the batch queue and the module bus.
package session
