// Package callbacks implements the timer callbacks the service knows how to
// rebuild after a restart: one-shot channel reminders and recurring room
// rent. Both talk to chat through a transport.Resolver and re-resolve their
// channel every time they are rebuilt.
package callbacks
