package draft

import (
	"sort"
	"time"

	"github.com/fazenda/lol-matchmaking/internal/errs"
)

// Outcome describes what a transition did, for the caller to translate
// into bus events and pushes.
type Outcome struct {
	Index     int
	Type      ActionType
	Completed bool // all 20 actions resolved by this transition
	Skipped   bool // ban timed out
	AutoFill  bool // pick timed out and was auto-filled
}

// Apply resolves the current action with the given champion. It is
// accepted only when index matches CurrentIndex, the sender owns the
// action, and the champion is free.
func (d *Document) Apply(index int, player string, championID int, championName string, now time.Time) (Outcome, error) {
	if index != d.CurrentIndex || index >= TotalActions {
		return Outcome{}, errs.ErrNotYourTurn
	}
	a := &d.Actions[index]
	if a.ByPlayer != player {
		return Outcome{}, errs.ErrNotYourTurn
	}
	if championID <= 0 {
		return Outcome{}, errs.ErrInvalidInput
	}
	if d.ChampionUsed(championID) {
		return Outcome{}, errs.ErrChampionAlreadyUsed
	}

	a.ChampionID = championID
	a.ChampionName = championName
	a.Status = ActionCompleted
	a.CompletedAt = &now

	d.advance(now)
	return Outcome{Index: index, Type: a.Type, Completed: d.CurrentIndex >= TotalActions}, nil
}

// Edit rewrites the champion on a previously resolved action. Allowed for
// the owner of the action any time before the draft is confirmed; during
// the confirmation stage every other player's confirmation is reset.
func (d *Document) Edit(index int, player string, championID int, championName string, now time.Time) (Outcome, error) {
	if index < 0 || index >= d.CurrentIndex || index >= TotalActions {
		return Outcome{}, errs.ErrInvalidInput
	}
	if d.Confirmed {
		return Outcome{}, errs.ErrInvalidInput
	}
	a := &d.Actions[index]
	if a.ByPlayer != player {
		return Outcome{}, errs.ErrNotYourTurn
	}
	if championID <= 0 {
		return Outcome{}, errs.ErrInvalidInput
	}
	if d.ChampionUsedExcept(championID, index) {
		return Outcome{}, errs.ErrChampionAlreadyUsed
	}

	a.ChampionID = championID
	a.ChampionName = championName
	a.Status = ActionCompleted
	a.CompletedAt = &now

	if d.InConfirmation() {
		d.ResetConfirmations()
		d.Confirmations[player] = true
	}
	return Outcome{Index: index, Type: a.Type}, nil
}

// Confirm records a player's confirmation of the completed draft.
// Returns true when all 10 players have confirmed the same snapshot.
func (d *Document) Confirm(player string) (bool, error) {
	if !d.InConfirmation() {
		return false, errs.ErrInvalidInput
	}
	owns := false
	for _, name := range d.Players() {
		if name == player {
			owns = true
			break
		}
	}
	if !owns {
		return false, errs.ErrNotParticipant
	}
	d.Confirmations[player] = true
	if d.ConfirmedCount() >= 10 {
		d.Confirmed = true
		return true, nil
	}
	return false, nil
}

// Timeout resolves the current action after its timer elapsed: bans are
// skipped, picks are auto-filled with the lowest free championId drawn
// from the given pool.
func (d *Document) Timeout(pool []int, now time.Time) (Outcome, error) {
	if d.CurrentIndex >= TotalActions {
		return Outcome{}, errs.ErrInvalidInput
	}
	a := &d.Actions[d.CurrentIndex]
	out := Outcome{Index: a.Index, Type: a.Type}

	if a.Type == ActionBan {
		a.Status = ActionSkipped
		out.Skipped = true
	} else {
		id := d.lowestFreeChampion(pool)
		a.ChampionID = id
		a.Status = ActionCompleted
		a.CompletedAt = &now
		out.AutoFill = true
	}

	d.advance(now)
	out.Completed = d.CurrentIndex >= TotalActions
	return out, nil
}

// Deadline returns when the current action times out.
func (d *Document) Deadline(actionTimeout time.Duration) time.Time {
	return d.CurrentActionStartedAt.Add(actionTimeout)
}

func (d *Document) advance(now time.Time) {
	d.CurrentIndex++
	d.CurrentActionStartedAt = now
}

// lowestFreeChampion picks the smallest championId from pool not already
// used. The deterministic choice keeps takeover replays identical.
func (d *Document) lowestFreeChampion(pool []int) int {
	sorted := make([]int, len(pool))
	copy(sorted, pool)
	sort.Ints(sorted)
	for _, id := range sorted {
		if id > 0 && !d.ChampionUsed(id) {
			return id
		}
	}
	// Pool exhausted or empty; fall back to the first id above the
	// largest used one so the uniqueness invariant still holds.
	maxUsed := 0
	for i := range d.Actions {
		if d.Actions[i].Status == ActionCompleted && d.Actions[i].ChampionID > maxUsed {
			maxUsed = d.Actions[i].ChampionID
		}
	}
	return maxUsed + 1
}
