package stringutil

import "fmt"

const (
	sampleEdge  = 50
	sampleLimit = 2 * sampleEdge
)

// SampleLong shortens a long string by keeping some content from the
// beginning and some from the end. Useful for reflecting user input like a
// query string into logs in case someone sent something degenerately long.
// Works on runes so that multi-byte characters are never split.
func SampleLong(s string) string {
	runes := []rune(s)
	if len(runes) <= sampleLimit {
		return s
	}

	return fmt.Sprintf("%s ... [TRUNCATED; total_length: %v characters] ... %s",
		string(runes[:sampleEdge]), len(runes), string(runes[len(runes)-sampleEdge:]))
}
