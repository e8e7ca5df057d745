package wakeword

import (
	"fmt"
	"strings"

	"github.com/spokestack/spokestack-go/config"
)

// nullClass is the classifier's non-keyword class. Every encoded phrase
// is terminated with it, which forces detection to wait until the last
// keyword has ended before activating.
const nullClass = 0

// parsePhrases encodes the configured wake phrases as class-index
// sequences. words is the ordered keyword list (class i+1 is words[i]);
// phrases is the comma-separated wake-phrases value, each phrase a
// space-delimited keyword sequence. An unknown keyword is a
// configuration error.
func parsePhrases(words []string, phrases string) ([][]int, error) {
	classes := make(map[string]int, len(words))
	for i, w := range words {
		classes[strings.ToLower(strings.TrimSpace(w))] = i + 1
	}

	var out [][]int
	for _, phrase := range strings.Split(phrases, ",") {
		var seq []int
		for _, word := range strings.Fields(strings.ToLower(phrase)) {
			cls, ok := classes[word]
			if !ok {
				return nil, fmt.Errorf("%w: wake phrase keyword %q not in wake-words", config.ErrInvalid, word)
			}
			seq = append(seq, cls)
		}
		if len(seq) == 0 {
			return nil, fmt.Errorf("%w: empty wake phrase", config.ErrInvalid)
		}
		seq = append(seq, nullClass)
		out = append(out, seq)
	}
	return out, nil
}

// matchPhrase reports whether phrase occurs in args as an in-order
// subsequence, gaps allowed. The whole phrase, terminating null class
// included, must be consumed for a match.
func matchPhrase(args []int, phrase []int) bool {
	j := 0
	for _, a := range args {
		if a == phrase[j] {
			j++
			if j == len(phrase) {
				return true
			}
		}
	}
	return false
}
