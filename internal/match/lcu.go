package match

import (
	"context"
	"encoding/json"
	"fmt"
)

// LCUGateway is the slice of the gateway hub the monitor needs; the
// indirection keeps game-end detection testable with a fake desktop.
type LCUGateway interface {
	LCURequest(ctx context.Context, summonerName, method, path string, body json.RawMessage) (int, json.RawMessage, error)
}

const (
	gameflowPhasePath = "/lol-gameflow/v1/gameflow-phase"
	recentMatchesPath = "/lol-match-history/v1/products/lol/current-summoner/matches?begIndex=0&endIndex=10"
	gameDetailPathFmt = "/lol-match-history/v1/games/%d"
)

// gameflowPhase asks one player's client where it is in the game
// lifecycle ("InProgress", "EndOfGame", "PostGame", ...).
func gameflowPhase(ctx context.Context, gw LCUGateway, summonerName string) (string, error) {
	status, body, err := gw.LCURequest(ctx, summonerName, "GET", gameflowPhasePath, nil)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("gameflow-phase returned %d", status)
	}
	var phase string
	if err := json.Unmarshal(body, &phase); err != nil {
		return "", fmt.Errorf("decode gameflow phase: %w", err)
	}
	return phase, nil
}

func isGameOver(phase string) bool {
	return phase == "EndOfGame" || phase == "PostGame"
}

// recentMatches pulls a player's recent match history; the raw blob is
// pushed to the clients so they can pick the game to vote for.
func recentMatches(ctx context.Context, gw LCUGateway, summonerName string) (json.RawMessage, error) {
	status, body, err := gw.LCURequest(ctx, summonerName, "GET", recentMatchesPath, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("match history returned %d", status)
	}
	return body, nil
}

// gameDetail fetches the full vendor blob for one game through any
// participant's client. Stored verbatim as lcu_match_data.
func gameDetail(ctx context.Context, gw LCUGateway, summonerName string, gameID int64) (json.RawMessage, error) {
	status, body, err := gw.LCURequest(ctx, summonerName, "GET", fmt.Sprintf(gameDetailPathFmt, gameID), nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("game detail returned %d", status)
	}
	return body, nil
}

// parseWinner derives the winning side from the vendor blob. LCU marks
// the winning team with win == "Win"; teamId 100 is blue (team 1), 200
// is red (team 2).
func parseWinner(blob json.RawMessage) (int, error) {
	var doc struct {
		Teams []struct {
			TeamID int    `json:"teamId"`
			Win    string `json:"win"`
		} `json:"teams"`
	}
	if err := json.Unmarshal(blob, &doc); err != nil {
		return 0, fmt.Errorf("decode vendor blob: %w", err)
	}
	for _, t := range doc.Teams {
		if t.Win == "Win" {
			switch t.TeamID {
			case 100:
				return 1, nil
			case 200:
				return 2, nil
			}
		}
	}
	return 0, fmt.Errorf("vendor blob has no winning team")
}
