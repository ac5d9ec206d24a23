// Package segment splits raw document text into overlapping word-bounded
// chunks, the unit of embedding and retrieval.
package segment

import "strings"

const (
	DefaultMaxWords = 200
	DefaultOverlap  = 40
)

// Options controls the sliding window. Zero values fall back to the defaults;
// an overlap at or above the window size is clamped so the window always
// advances.
type Options struct {
	MaxWords int
	Overlap  int
}

func (o Options) normalized() Options {
	if o.MaxWords <= 0 {
		o.MaxWords = DefaultMaxWords
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.MaxWords {
		o.Overlap = o.MaxWords - 1
	}
	return o
}

// Split produces consecutive windows of MaxWords whitespace-delimited words,
// each window starting MaxWords-Overlap words after the previous one. Empty
// or whitespace-only input yields a single empty chunk, never zero chunks,
// so downstream embedding always has at least one unit to process.
func Split(text string, opts Options) []string {
	opts = opts.normalized()

	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	step := opts.MaxWords - opts.Overlap
	chunks := make([]string, 0, (len(words)+step-1)/step)
	for i := 0; i < len(words); i += step {
		end := i + opts.MaxWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

// WordCount reports the number of whitespace-delimited words in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
