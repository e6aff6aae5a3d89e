package graph

import "errors"

// ErrLoopDetected is returned by DetectLoop's callers (the executor node)
// to drive the "force routing to END" short-circuit (spec §4.5).
var ErrLoopDetected = errors.New("graph: loop detected in execution sequence")

// DetectLoop examines the tail of an execution sequence for the three
// repetition shapes spec §4.5 calls a loop:
//   - the same skill three times in a row,
//   - an A,B,A,B alternation,
//   - an A,B,C,A,B,C six-cycle.
//
// It returns whether a loop was found and a human-readable reason for
// `_error` (spec §4.5, "set _error = descriptive").
func DetectLoop(sequence []string) (bool, string) {
	if threeInARow(sequence) {
		n := len(sequence)
		return true, "skill \"" + sequence[n-1] + "\" executed three times in a row"
	}
	if alternating(sequence) {
		n := len(sequence)
		return true, "skills \"" + sequence[n-2] + "\" and \"" + sequence[n-1] + "\" alternating"
	}
	if sixCycle(sequence) {
		n := len(sequence)
		return true, "skills \"" + sequence[n-3] + "\", \"" + sequence[n-2] + "\", \"" + sequence[n-1] + "\" repeating in a three-skill cycle"
	}
	return false, ""
}

func threeInARow(seq []string) bool {
	n := len(seq)
	if n < 3 {
		return false
	}
	a, b, c := seq[n-3], seq[n-2], seq[n-1]
	return a == b && b == c
}

func alternating(seq []string) bool {
	n := len(seq)
	if n < 4 {
		return false
	}
	a, b, c, d := seq[n-4], seq[n-3], seq[n-2], seq[n-1]
	return a == c && b == d && a != b
}

func sixCycle(seq []string) bool {
	n := len(seq)
	if n < 6 {
		return false
	}
	tail := seq[n-6:]
	a, b, c := tail[0], tail[1], tail[2]
	if a == b || b == c || a == c {
		// A three-skill cycle needs three distinct skills; a tail with a
		// repeat among its first three (e.g. a,a,c,a,a,c) is not reported
		// by this check.
		return false
	}
	return tail[3] == a && tail[4] == b && tail[5] == c
}
