package conflict

import (
	"math/rand/v2"

	"agentcoord/internal/domain"
)

// Strategy picks a winning option or reports that none qualifies.
type Strategy func(c *domain.Conflict) (string, bool)

func majority(c *domain.Conflict) (string, bool) {
	return c.WinningOption()
}

// consensus accepts the single option voted for by as many agents as are
// involved.
func consensus(c *domain.Conflict) (string, bool) {
	winner := ""
	for i := range c.Options {
		if c.Options[i].VoteCount() != len(c.AgentsInvolved) {
			continue
		}
		if winner != "" {
			return "", false
		}
		winner = c.Options[i].ID
	}
	return winner, winner != ""
}

func firstInserted(c *domain.Conflict) (string, bool) {
	if len(c.Options) == 0 {
		return "", false
	}
	return c.Options[0].ID, true
}

func randomPick(r *rand.Rand) Strategy {
	return func(c *domain.Conflict) (string, bool) {
		if len(c.Options) == 0 {
			return "", false
		}
		return c.Options[r.IntN(len(c.Options))].ID, true
	}
}

func strategies(r *rand.Rand) map[domain.ResolutionStrategy]Strategy {
	return map[domain.ResolutionStrategy]Strategy{
		domain.StrategyMajorityVote: majority,
		// Role weights are not modelled; weighted vote counts like majority.
		domain.StrategyWeightedVote: majority,
		domain.StrategyConsensus:    consensus,
		domain.StrategyTimeBased:    firstInserted,
		// Proposer priority is not modelled; the earliest proposal wins.
		domain.StrategyPriorityBased: firstInserted,
		domain.StrategyRandom:        randomPick(r),
	}
}
