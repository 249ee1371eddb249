package draft

import (
	"strings"

	"github.com/fazenda/lol-matchmaking/internal/errs"
)

// Team identifies a side of the match. Team 1 is blue, team 2 is red.
type Team int

const (
	TeamBlue Team = 1
	TeamRed  Team = 2
)

func (t Team) String() string {
	if t == TeamBlue {
		return "blue"
	}
	return "red"
}

// Lane is a role slot. The canonical value for the bot lane is "bot";
// "adc" is accepted as an alias on input.
type Lane string

const (
	LaneTop     Lane = "top"
	LaneJungle  Lane = "jungle"
	LaneMid     Lane = "mid"
	LaneBot     Lane = "bot"
	LaneSupport Lane = "support"
	LaneFill    Lane = "fill"
)

// Lanes lists the five positional slots in team-index order (0..4).
var Lanes = [5]Lane{LaneTop, LaneJungle, LaneMid, LaneBot, LaneSupport}

// ParseLane normalizes a lane string. adc maps to bot.
func ParseLane(s string) (Lane, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "top":
		return LaneTop, nil
	case "jungle", "jg":
		return LaneJungle, nil
	case "mid", "middle":
		return LaneMid, nil
	case "bot", "adc", "bottom":
		return LaneBot, nil
	case "support", "sup":
		return LaneSupport, nil
	case "fill":
		return LaneFill, nil
	default:
		return "", errs.ErrInvalidLane
	}
}

// SlotIndex returns the team-array index for a positional lane, or -1 for
// fill.
func (l Lane) SlotIndex() int {
	for i, lane := range Lanes {
		if lane == l {
			return i
		}
	}
	return -1
}

// ActionType distinguishes bans from picks.
type ActionType string

const (
	ActionBan  ActionType = "ban"
	ActionPick ActionType = "pick"
)

// Phase names the four stages of the standard competitive format.
type Phase string

const (
	PhaseBan1  Phase = "ban1"
	PhasePick1 Phase = "pick1"
	PhaseBan2  Phase = "ban2"
	PhasePick2 Phase = "pick2"
)

// ActionSpec is one row of the fixed 20-action schedule.
type ActionSpec struct {
	Index int
	Phase Phase
	Type  ActionType
	Team  Team
	Slot  Lane
}

// Schedule is the standard competitive pick/ban order. The slot column
// determines which player on the team owns the action.
var Schedule = [20]ActionSpec{
	{0, PhaseBan1, ActionBan, TeamBlue, LaneTop},
	{1, PhaseBan1, ActionBan, TeamRed, LaneTop},
	{2, PhaseBan1, ActionBan, TeamBlue, LaneJungle},
	{3, PhaseBan1, ActionBan, TeamRed, LaneJungle},
	{4, PhaseBan1, ActionBan, TeamBlue, LaneMid},
	{5, PhaseBan1, ActionBan, TeamRed, LaneMid},
	{6, PhasePick1, ActionPick, TeamBlue, LaneTop},
	{7, PhasePick1, ActionPick, TeamRed, LaneTop},
	{8, PhasePick1, ActionPick, TeamRed, LaneJungle},
	{9, PhasePick1, ActionPick, TeamBlue, LaneJungle},
	{10, PhasePick1, ActionPick, TeamBlue, LaneMid},
	{11, PhasePick1, ActionPick, TeamRed, LaneMid},
	{12, PhaseBan2, ActionBan, TeamRed, LaneBot},
	{13, PhaseBan2, ActionBan, TeamBlue, LaneBot},
	{14, PhaseBan2, ActionBan, TeamRed, LaneSupport},
	{15, PhaseBan2, ActionBan, TeamBlue, LaneSupport},
	{16, PhasePick2, ActionPick, TeamBlue, LaneBot},
	{17, PhasePick2, ActionPick, TeamRed, LaneBot},
	{18, PhasePick2, ActionPick, TeamBlue, LaneSupport},
	{19, PhasePick2, ActionPick, TeamRed, LaneSupport},
}

// TotalActions is the length of the schedule.
const TotalActions = 20
