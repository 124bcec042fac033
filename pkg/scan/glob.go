// The key enumeration surface checks cache keys against glob patterns; the following module
// implements glob matching over key streams.

package scan

import (
	"iter"

	"v.io/v23/glob"
)

// MatchGlob filters the `keys` stream down to the ones matching the given glob pattern.
func MatchGlob(pattern string, keys iter.Seq[string]) iter.Seq[string] {
	// Parse the glob pattern.
	parsedPattern, err := glob.Parse(pattern)
	if err != nil { // If pattern is invalid, return empty sequence.
		return func(yield func(string) bool) {}
	}
	return func(yield func(string) bool) {
		for key := range keys {
			if parsedPattern.Head().Match(key) {
				if !yield(key) {
					return
				}
			}
		}
	}
}
