package matchmaking

import (
	"math"
	"sort"

	"github.com/fazenda/lol-matchmaking/internal/draft"
	"github.com/fazenda/lol-matchmaking/internal/store"
)

// Weights tunes the assignment cost function.
type Weights struct {
	MMR      float64
	Autofill float64
	Primary  float64
}

// Builder forms balanced 5v5 candidates from the active queue.
type Builder struct {
	matchSize   int
	maxMMRDelta float64
	weights     Weights
}

func NewBuilder(matchSize int, maxMMRDelta float64, w Weights) *Builder {
	return &Builder{matchSize: matchSize, maxMMRDelta: maxMMRDelta, weights: w}
}

// Candidate is a fully assigned 5v5. Teams are ordered by lane slot
// (index 0..4 = top/jungle/mid/bot/support).
type Candidate struct {
	Team1      [5]store.QueuePlayer
	Team2      [5]store.QueuePlayer
	AvgMMR1    float64
	AvgMMR2    float64
	Cost       float64
	Autofills  int
	OffPrimary int
}

// Names returns the two rosters as summoner-name arrays.
func (c *Candidate) Names() (team1, team2 [5]string) {
	for i := range c.Team1 {
		team1[i] = c.Team1[i].SummonerName
		team2[i] = c.Team2[i].SummonerName
	}
	return
}

// Build selects the ten longest-waiting players and searches the best
// two-team lane assignment. Returns nil when fewer than matchSize
// players are queued or the best split exceeds the MMR ceiling.
// Identical inputs always produce identical outputs.
func (b *Builder) Build(queue []store.QueuePlayer) *Candidate {
	if len(queue) < b.matchSize {
		return nil
	}

	players := make([]store.QueuePlayer, len(queue))
	copy(players, queue)

	mean := 0.0
	for _, p := range players {
		mean += float64(p.CustomLP)
	}
	mean /= float64(len(players))

	// FIFO fairness first; equal join times prefer LP closest to the
	// running mean, then name, so the pick is stable.
	sort.SliceStable(players, func(i, j int) bool {
		if !players[i].JoinTime.Equal(players[j].JoinTime) {
			return players[i].JoinTime.Before(players[j].JoinTime)
		}
		di := math.Abs(float64(players[i].CustomLP) - mean)
		dj := math.Abs(float64(players[j].CustomLP) - mean)
		if di != dj {
			return di < dj
		}
		return players[i].SummonerName < players[j].SummonerName
	})

	chosen := players[:b.matchSize]

	best := b.assign(chosen)
	if best == nil {
		return nil
	}
	if math.Abs(best.AvgMMR1-best.AvgMMR2) > b.maxMMRDelta {
		return nil
	}
	return best
}

// assign enumerates every 5/5 partition of the ten players; the lane
// cost of each side is minimized independently, so the search is
// 126 partitions (player 0 is pinned to team 1) × 120 permutations per team.
func (b *Builder) assign(chosen []store.QueuePlayer) *Candidate {
	n := len(chosen)
	half := n / 2

	var best *Candidate

	forEachCombination(n, half, func(mask uint) {
		var team1, team2 []store.QueuePlayer
		for i := 0; i < n; i++ {
			if mask&(1<<uint(i)) != 0 {
				team1 = append(team1, chosen[i])
			} else {
				team2 = append(team2, chosen[i])
			}
		}

		avg1 := avgLP(team1)
		avg2 := avgLP(team2)
		mmrCost := b.weights.MMR * math.Abs(avg1-avg2)
		if best != nil && mmrCost >= best.Cost {
			return // lane costs cannot be negative
		}

		slots1, auto1, off1 := b.bestLaneAssignment(team1)
		slots2, auto2, off2 := b.bestLaneAssignment(team2)

		cost := mmrCost +
			b.weights.Autofill*float64(auto1+auto2) +
			b.weights.Primary*float64(off1+off2)

		if best == nil || cost < best.Cost {
			c := &Candidate{
				Team1:      slots1,
				Team2:      slots2,
				AvgMMR1:    avg1,
				AvgMMR2:    avg2,
				Cost:       cost,
				Autofills:  auto1 + auto2,
				OffPrimary: off1 + off2,
			}
			best = c
		}
	})

	return best
}

// bestLaneAssignment places five players on the five lane slots
// minimizing autofills, then off-primary placements.
func (b *Builder) bestLaneAssignment(team []store.QueuePlayer) (slots [5]store.QueuePlayer, autofills, offPrimary int) {
	bestCost := math.Inf(1)
	var bestPerm [5]int

	for _, perm := range perms5 {
		cost := 0.0
		for slot, pi := range perm {
			lane := draft.Lanes[slot]
			p := team[pi]
			if isAutofill(p, lane) {
				cost += b.weights.Autofill
			}
			if isOffPrimary(p, lane) {
				cost += b.weights.Primary
			}
		}
		if cost < bestCost {
			bestCost = cost
			bestPerm = perm
		}
	}

	for slot, pi := range bestPerm {
		slots[slot] = team[pi]
		lane := draft.Lanes[slot]
		if isAutofill(team[pi], lane) {
			autofills++
		}
		if isOffPrimary(team[pi], lane) {
			offPrimary++
		}
	}
	return slots, autofills, offPrimary
}

// isAutofill reports placement outside both declared lanes; fill matches
// any lane.
func isAutofill(p store.QueuePlayer, lane draft.Lane) bool {
	if p.PrimaryLane == draft.LaneFill || p.SecondaryLane == draft.LaneFill {
		return false
	}
	return lane != p.PrimaryLane && lane != p.SecondaryLane
}

func isOffPrimary(p store.QueuePlayer, lane draft.Lane) bool {
	if p.PrimaryLane == draft.LaneFill {
		return false
	}
	return lane != p.PrimaryLane
}

func avgLP(team []store.QueuePlayer) float64 {
	sum := 0.0
	for _, p := range team {
		sum += float64(p.CustomLP)
	}
	return sum / float64(len(team))
}

// forEachCombination visits every size-k subset of [0,n) as a bitmask in
// ascending mask order. To halve the symmetric search, player 0 is
// pinned to team 1.
func forEachCombination(n, k int, fn func(mask uint)) {
	var walk func(start, left int, mask uint)
	walk = func(start, left int, mask uint) {
		if left == 0 {
			fn(mask)
			return
		}
		for i := start; i <= n-left; i++ {
			walk(i+1, left-1, mask|1<<uint(i))
		}
	}
	walk(1, k-1, 1) // bit 0 always set
}

// perms5 holds all 120 permutations of the five lane slots, generated
// once in deterministic order.
var perms5 = genPerms5()

func genPerms5() [][5]int {
	var out [][5]int
	var rec func(cur []int, used [5]bool)
	rec = func(cur []int, used [5]bool) {
		if len(cur) == 5 {
			var p [5]int
			copy(p[:], cur)
			out = append(out, p)
			return
		}
		for i := 0; i < 5; i++ {
			if !used[i] {
				used[i] = true
				rec(append(cur, i), used)
				used[i] = false
			}
		}
	}
	rec(nil, [5]bool{})
	return out
}
