package search

import (
	"math"
	"strings"
	"unicode"

	"github.com/pders01/feedtriage/internal/storage"
)

// Result is one item hit with the fields that matched.
type Result struct {
	Item     *storage.Item
	FeedName string
	Score    float64
	Matches  []Match
}

// Match represents where text was found
type Match struct {
	Field  string // "title" or "summary"
	Text   string // matched text snippet
	Weight float64
}

// annotate fills r.Matches from the item text so callers can show why it hit.
func annotate(r *Result, terms []string) {
	if r.Item == nil {
		return
	}
	if s := scoreField(r.Item.Title, terms, 4.0); s > 0 {
		r.Matches = append(r.Matches, Match{Field: "title", Text: r.Item.Title, Weight: s})
	}
	if s := scoreField(r.Item.Summary, terms, 2.0); s > 0 {
		r.Matches = append(r.Matches, Match{
			Field:  "summary",
			Text:   findBestSnippet(r.Item.Summary, terms, 200),
			Weight: s,
		})
	}
}

// scoreField calculates a relevance score for a field
func scoreField(text string, terms []string, weight float64) float64 {
	if text == "" || len(terms) == 0 {
		return 0
	}

	lower := strings.ToLower(text)
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}

	var score float64
	matchedTerms := 0

	for _, term := range terms {
		termLower := strings.ToLower(term)

		// Substring anywhere in the field
		if strings.Contains(lower, termLower) {
			score += 2.0
			matchedTerms++
		}

		for _, word := range words {
			switch {
			case word == termLower:
				score += 1.5
				matchedTerms++
			case strings.HasPrefix(word, termLower) || strings.HasSuffix(word, termLower):
				score += 1.0
				matchedTerms++
			case strings.Contains(word, termLower):
				score += 0.5
				matchedTerms++
			}
		}
	}

	// Boost score if multiple terms match
	if len(terms) > 1 && matchedTerms > 1 {
		score *= 1.0 + float64(matchedTerms)/float64(len(terms))
	}

	tf := float64(matchedTerms) / float64(len(words))
	score *= 1.0 + math.Log(1.0+tf)

	return score * weight
}

// findBestSnippet finds the window of text with the most query terms
func findBestSnippet(text string, terms []string, maxLength int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	windowSize := maxLength / 8 // Approximate words in snippet
	if windowSize < 1 || windowSize > len(words) {
		return truncate(text, maxLength)
	}

	bestScore := 0
	bestStart := 0
	for i := 0; i <= len(words)-windowSize; i++ {
		window := strings.ToLower(strings.Join(words[i:i+windowSize], " "))
		score := 0
		for _, term := range terms {
			if strings.Contains(window, strings.ToLower(term)) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestStart = i
		}
	}

	return truncate(strings.Join(words[bestStart:bestStart+windowSize], " "), maxLength)
}

// tokenize breaks text into lower-cased searchable terms
func tokenize(text string) []string {
	var terms []string
	current := strings.Builder{}

	flush := func() {
		if current.Len() > 1 { // Skip single chars
			terms = append(terms, current.String())
		}
		current.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()

	return terms
}

// truncate limits text to maxLen runes with an ellipsis
func truncate(text string, maxLen int) string {
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	return string(r[:maxLen-1]) + "…"
}
