// Package hostlist expands and compresses bracketed host range patterns
// such as "n[0-7],login1". The expanded list is the working form; the
// pattern is a serialization.
package hostlist
