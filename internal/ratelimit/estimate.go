package ratelimit

import "unicode"

// Divisors for the character-class token heuristic. Alphabetic text packs
// several characters per token; digits and punctuation pack fewer.
const (
	alphaDivisor = 4
	digitDivisor = 3
	punctDivisor = 2
)

// EstimateTokens approximates the token count of text without access to
// the remote tokenizer. Alphabetic, numeric, and punctuation characters
// are weighted separately and every whitespace run counts as one token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	var alpha, digit, punct, wsRuns int
	inWS := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !inWS {
				wsRuns++
			}
			inWS = true
			continue
		case unicode.IsLetter(r):
			alpha++
		case unicode.IsDigit(r):
			digit++
		default:
			punct++
		}
		inWS = false
	}

	tokens := ceilDiv(alpha, alphaDivisor) + ceilDiv(digit, digitDivisor) + ceilDiv(punct, punctDivisor) + wsRuns
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// EstimateBytes approximates the token cost of raw document content.
func EstimateBytes(content []byte) int {
	return EstimateTokens(string(content))
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}
