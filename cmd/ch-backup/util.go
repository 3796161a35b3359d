package main

import "os"

// isTerminal reports whether f is attached to a character device, used to
// suppress progress bars when stdout is redirected to a file or pipe
// (spec.md §6 "progress bars ... suppressed automatically when stdout is
// not a terminal").
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
