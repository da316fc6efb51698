package tournament

import (
	"math"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
)

// DefaultK is the standard Elo K-factor applied to every match.
const DefaultK = 32.0

// expectedScore is the logistic win probability of self against opponent.
func expectedScore(self, opponent float64) float64 {
	return 1 / (1 + math.Pow(10, (opponent-self)/400))
}

// scoreFor maps an outcome to participant A's actual score.
func scoreFor(outcome domain.Outcome) float64 {
	switch outcome {
	case domain.OutcomeWinA:
		return 1
	case domain.OutcomeWinB:
		return 0
	default:
		return 0.5
	}
}

// eloDeltas returns the rating movement for both participants of one
// match. DeltaB is the exact negation of deltaA, so the two always sum
// to zero, including in floating point.
func eloDeltas(k, ratingA, ratingB float64, outcome domain.Outcome) (deltaA, deltaB float64) {
	deltaA = k * (scoreFor(outcome) - expectedScore(ratingA, ratingB))
	return deltaA, -deltaA
}
