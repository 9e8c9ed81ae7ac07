// Package command parses and runs the "!" commands users type into a
// session.
//
// Grammar: an input is a command iff it starts with "!", has no newline, and
// its first whitespace-delimited token (without the "!") names a registered
// command or alias, compared case-insensitively. Anything else is a normal
// message and Dispatch reports handled=false.
//
// Command failures never end the session: errors and panics are reported to
// the user as a system message.
package command
