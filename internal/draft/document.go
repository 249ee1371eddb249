package draft

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionStatus tracks the lifecycle of a single draft action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionCompleted ActionStatus = "completed"
	ActionSkipped   ActionStatus = "skipped"
)

// Action is one entry of the draft document. ByPlayer is the summoner name
// sitting in the action's (team, slot).
type Action struct {
	Index        int          `json:"index"`
	Type         ActionType   `json:"type"`
	Phase        Phase        `json:"phase"`
	Team         Team         `json:"team"`
	Slot         Lane         `json:"slot"`
	ByPlayer     string       `json:"byPlayer"`
	ChampionID   int          `json:"championId,omitempty"`
	ChampionName string       `json:"championName,omitempty"`
	Status       ActionStatus `json:"status"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
}

// Document is the persisted draft state stored in
// custom_matches.pick_ban_data. Confirmations maps summoner name to
// whether that player has confirmed the current draft snapshot.
type Document struct {
	Actions                [TotalActions]Action `json:"actions"`
	CurrentIndex           int                  `json:"currentIndex"`
	CurrentActionStartedAt time.Time            `json:"currentActionStartedAt"`
	Confirmations          map[string]bool      `json:"confirmations"`
	Confirmed              bool                 `json:"confirmed"`
}

// NewDocument builds the draft skeleton from the two rosters. Rosters are
// ordered by lane slot (index 0..4 = top/jungle/mid/bot/support).
func NewDocument(team1, team2 [5]string, now time.Time) *Document {
	doc := &Document{
		CurrentIndex:           0,
		CurrentActionStartedAt: now,
		Confirmations:          make(map[string]bool, 10),
	}
	for i, spec := range Schedule {
		roster := team1
		if spec.Team == TeamRed {
			roster = team2
		}
		doc.Actions[i] = Action{
			Index:    spec.Index,
			Type:     spec.Type,
			Phase:    spec.Phase,
			Team:     spec.Team,
			Slot:     spec.Slot,
			ByPlayer: roster[spec.Slot.SlotIndex()],
			Status:   ActionPending,
		}
	}
	return doc
}

// InConfirmation reports whether all 20 actions have resolved and the
// draft is waiting for the 10 confirmations.
func (d *Document) InConfirmation() bool {
	return d.CurrentIndex >= TotalActions && !d.Confirmed
}

// ChampionUsed reports whether a champion already appears on any
// completed ban or pick.
func (d *Document) ChampionUsed(championID int) bool {
	return d.ChampionUsedExcept(championID, -1)
}

// ChampionUsedExcept is ChampionUsed ignoring one action index, used when
// validating an edit of that action.
func (d *Document) ChampionUsedExcept(championID, exceptIndex int) bool {
	for i := range d.Actions {
		if i == exceptIndex {
			continue
		}
		a := &d.Actions[i]
		if a.Status == ActionCompleted && a.ChampionID == championID {
			return true
		}
	}
	return false
}

// Owner returns the summoner name owning an action index.
func (d *Document) Owner(index int) string {
	if index < 0 || index >= TotalActions {
		return ""
	}
	return d.Actions[index].ByPlayer
}

// ResetConfirmations clears every confirmation. Called when an edit lands
// during the confirmation stage.
func (d *Document) ResetConfirmations() {
	d.Confirmations = make(map[string]bool, 10)
}

// ConfirmedCount returns how many players have confirmed.
func (d *Document) ConfirmedCount() int {
	n := 0
	for _, ok := range d.Confirmations {
		if ok {
			n++
		}
	}
	return n
}

// Players returns the 10 distinct summoner names appearing in the
// document. The pick actions cover every (team, slot) pair exactly once.
func (d *Document) Players() []string {
	names := make([]string, 0, 10)
	for i := range d.Actions {
		if d.Actions[i].Type == ActionPick {
			names = append(names, d.Actions[i].ByPlayer)
		}
	}
	return names
}

// Marshal encodes the document for storage.
func (d *Document) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal draft document: %w", err)
	}
	return b, nil
}

// UnmarshalDocument decodes a stored document, migrating legacy variants.
// Older rows may miss the confirmations map or carry a null actions array;
// both are repaired here so the rest of the engine only ever sees the
// canonical shape.
func UnmarshalDocument(raw json.RawMessage) (*Document, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("empty draft document")
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal draft document: %w", err)
	}
	if doc.Confirmations == nil {
		doc.Confirmations = make(map[string]bool, 10)
	}
	for i := range doc.Actions {
		if doc.Actions[i].Status == "" {
			doc.Actions[i].Status = ActionPending
		}
	}
	return &doc, nil
}
