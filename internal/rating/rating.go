package rating

import "math"

// Score of a finished game from the rated player's perspective.
type Score float64

const (
	Win  Score = 1.0
	Draw Score = 0.5
	Loss Score = 0.0
)

// Math computes rating deltas. The production formula lives in the rating
// service of the web application; the server only needs deltas, so this seam
// lets deployments swap the implementation without touching game code.
type Math interface {
	Delta(rating, opponentRating, gamesPlayed int, score Score) int
}

// Elo is the default Math: classic Elo expected-score with a K-factor that
// shrinks as the player accumulates games.
type Elo struct{}

func (Elo) Delta(rating, opponentRating, gamesPlayed int, score Score) int {
	expected := 1.0 / (1.0 + math.Pow(10, float64(opponentRating-rating)/400.0))
	k := kFactor(gamesPlayed)
	return int(math.Round(k * (float64(score) - expected)))
}

func kFactor(gamesPlayed int) float64 {
	switch {
	case gamesPlayed < 30:
		return 40
	case gamesPlayed < 100:
		return 20
	default:
		return 10
	}
}

// DefaultRating seeds players and guests with no history.
const DefaultRating = 1500
