// Package logx is guildtimer's logging layer on zerolog.
//
// Console output is human readable with a file:line caller, the optional
// log file is JSON, and warnings can be mirrored to an operator chat
// through a rate-limited alert sink. Service.Apply swaps all of it at
// runtime.
package logx
