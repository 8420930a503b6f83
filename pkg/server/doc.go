// Package server accepts console connections and supervises the sessions
// serving them.
//
// A Server owns the listening socket. Each admitted connection gets its own
// session goroutine; once more than MaxClients sessions are active a new
// connection is answered with a plaintext overload notice and closed before
// any session state is created. A reaper prunes finished sessions from the
// registry on a fixed interval.
//
// At startup the server hands every batch left in the queue to a fresh
// worker so interrupted work resumes. Cancelling the context passed to Run
// closes the listener and expires the deadlines of all live sessions; Run
// returns once every session goroutine has exited.
package server
