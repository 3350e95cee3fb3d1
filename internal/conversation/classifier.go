package conversation

import "strings"

// terminationPhrases end the call when they appear anywhere in the
// normalized utterance. Substring containment is deliberately permissive
// and can false-positive on benign sentences that merely contain "no";
// the call flow is tuned around this behavior, so tighten with care.
var terminationPhrases = []string{
	"bye",
	"goodbye",
	"thank you",
	"thanks",
	"see you",
	"talk to you later",
	"ttyl",
	"end",
	"stop",
	"no",
	"nothing",
	"nope",
	"that's all",
	"all good",
	"no thanks",
	"i'm good",
}

// exactTerminators force termination once two exchanges have happened,
// even if substring matching were to change.
var exactTerminators = map[string]bool{
	"no":      true,
	"nope":    true,
	"nothing": true,
}

// IsTerminationRequest reports whether the utterance is an explicit
// signal to end the call. Pure function, no side effects.
func IsTerminationRequest(utterance string, turnCount int) bool {
	normalized := strings.ToLower(strings.TrimSpace(utterance))

	for _, phrase := range terminationPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}

	return turnCount >= 2 && exactTerminators[normalized]
}
