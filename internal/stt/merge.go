package stt

// MergeTranscript folds a new partial recognition result into the running
// transcript. Decoders re-emit overlapping text, so only the part of partial
// that extends past its common prefix with last is appended. When the two
// diverge from the first rune the whole partial is appended; the heuristic
// can duplicate text if a decoder shortens an earlier hypothesis.
func MergeTranscript(full, last, partial string) (string, string) {
	if last == "" {
		return full + partial, partial
	}
	prev := []rune(last)
	next := []rune(partial)
	n := 0
	for n < len(prev) && n < len(next) && prev[n] == next[n] {
		n++
	}
	return full + string(next[n:]), partial
}
