package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fazenda/lol-matchmaking/internal/draft"
	"github.com/fazenda/lol-matchmaking/internal/errs"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Serialized writes; the store is shared by all match runners.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			summoner_name TEXT NOT NULL UNIQUE,
			game_name TEXT NOT NULL,
			tag_line TEXT NOT NULL,
			puuid TEXT,
			region TEXT,
			custom_lp INTEGER NOT NULL DEFAULT 1000,
			custom_mmr INTEGER NOT NULL DEFAULT 1000,
			wins INTEGER NOT NULL DEFAULT 0,
			losses INTEGER NOT NULL DEFAULT 0,
			profile_icon_id INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_players (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			player_id INTEGER NOT NULL REFERENCES players(id),
			summoner_name TEXT NOT NULL,
			region TEXT,
			custom_lp INTEGER NOT NULL DEFAULT 1000,
			primary_lane TEXT NOT NULL,
			secondary_lane TEXT NOT NULL,
			join_time TIMESTAMP NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			acceptance_status TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_players_name ON queue_players(summoner_name)`,
		`CREATE TABLE IF NOT EXISTS custom_matches (
			id TEXT PRIMARY KEY,
			team1_players TEXT NOT NULL,
			team2_players TEXT NOT NULL,
			average_mmr_team1 REAL NOT NULL,
			average_mmr_team2 REAL NOT NULL,
			status TEXT NOT NULL,
			pick_ban_data TEXT,
			lcu_match_data TEXT,
			riot_game_id INTEGER,
			winner_team INTEGER,
			owner_backend_id TEXT,
			owner_heartbeat TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_custom_matches_status ON custom_matches(status, completed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_custom_matches_riot_game ON custom_matches(riot_game_id)`,
		`CREATE TABLE IF NOT EXISTS match_votes (
			match_id TEXT NOT NULL REFERENCES custom_matches(id) ON DELETE CASCADE,
			player_id INTEGER NOT NULL REFERENCES players(id),
			lcu_game_id INTEGER NOT NULL,
			voted_at TIMESTAMP NOT NULL,
			PRIMARY KEY (match_id, player_id)
		)`,
		`CREATE TABLE IF NOT EXISTS event_inbox (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			received_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetPlayer retrieves a player by canonical summoner name.
func (s *SQLiteStore) GetPlayer(ctx context.Context, summonerName string) (*Player, error) {
	var p Player
	err := s.db.QueryRowContext(ctx,
		`SELECT id, summoner_name, game_name, tag_line, puuid, region,
		        custom_lp, custom_mmr, wins, losses, profile_icon_id, created_at, updated_at
		 FROM players WHERE summoner_name = ?`, summonerName).Scan(
		&p.ID, &p.SummonerName, &p.GameName, &p.TagLine, &p.PUUID, &p.Region,
		&p.CustomLP, &p.CustomMMR, &p.Wins, &p.Losses, &p.ProfileIconID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPlayer creates or refreshes a player row.
func (s *SQLiteStore) UpsertPlayer(ctx context.Context, p *Player) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO players (summoner_name, game_name, tag_line, puuid, region,
		                      custom_lp, custom_mmr, wins, losses, profile_icon_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(summoner_name) DO UPDATE SET
		 	game_name = excluded.game_name,
		 	tag_line = excluded.tag_line,
		 	puuid = excluded.puuid,
		 	region = excluded.region,
		 	profile_icon_id = excluded.profile_icon_id,
		 	updated_at = excluded.updated_at`,
		p.SummonerName, p.GameName, p.TagLine, p.PUUID, p.Region,
		p.CustomLP, p.CustomMMR, p.Wins, p.Losses, p.ProfileIconID, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// ApplyMatchResult adds rating deltas and win/loss counters. LP never
// drops below zero.
func (s *SQLiteStore) ApplyMatchResult(ctx context.Context, summonerName string, lpDelta, mmrDelta int, won bool) error {
	winInc, lossInc := 0, 1
	if won {
		winInc, lossInc = 1, 0
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE players SET
		 	custom_lp = MAX(0, custom_lp + ?),
		 	custom_mmr = custom_mmr + ?,
		 	wins = wins + ?,
		 	losses = losses + ?,
		 	updated_at = ?
		 WHERE summoner_name = ?`,
		lpDelta, mmrDelta, winInc, lossInc, time.Now().UTC(), summonerName,
	)
	return err
}

// InsertQueuePlayer adds a queue row. The unique index on summoner_name
// enforces the one-row-per-player invariant.
func (s *SQLiteStore) InsertQueuePlayer(ctx context.Context, qp *QueuePlayer) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_players (player_id, summoner_name, region, custom_lp,
		                            primary_lane, secondary_lane, join_time, active, acceptance_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		qp.PlayerID, qp.SummonerName, qp.Region, qp.CustomLP,
		string(qp.PrimaryLane), string(qp.SecondaryLane), qp.JoinTime, qp.Active, string(qp.AcceptanceStatus),
	)
	if err != nil {
		return err
	}
	qp.ID, _ = res.LastInsertId()
	return nil
}

// DeleteQueuePlayer removes a live queue row; reports whether one
// existed. Frozen snapshot rows are untouched, so a leave during the
// acceptance window removes nothing and records no decline.
func (s *SQLiteStore) DeleteQueuePlayer(ctx context.Context, summonerName string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_players WHERE summoner_name = ? AND active = 1`, summonerName)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetQueuePlayer retrieves a queue row by summoner name.
func (s *SQLiteStore) GetQueuePlayer(ctx context.Context, summonerName string) (*QueuePlayer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, player_id, summoner_name, region, custom_lp,
		        primary_lane, secondary_lane, join_time, active, acceptance_status
		 FROM queue_players WHERE summoner_name = ?`, summonerName)
	qp, err := scanQueuePlayer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return qp, nil
}

// ListActiveQueue returns all active queue rows ordered by join time,
// then name; the stable order keeps the match builder deterministic.
func (s *SQLiteStore) ListActiveQueue(ctx context.Context) ([]QueuePlayer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, player_id, summoner_name, region, custom_lp,
		        primary_lane, secondary_lane, join_time, active, acceptance_status
		 FROM queue_players WHERE active = 1
		 ORDER BY join_time ASC, summoner_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuePlayer
	for rows.Next() {
		qp, err := scanQueuePlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *qp)
	}
	return out, rows.Err()
}

// ListQueueRows returns the rows for the given names regardless of
// active state, in join-time order.
func (s *SQLiteStore) ListQueueRows(ctx context.Context, names []string) ([]QueuePlayer, error) {
	if len(names) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(names))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, player_id, summoner_name, region, custom_lp,
		        primary_lane, secondary_lane, join_time, active, acceptance_status
		 FROM queue_players WHERE summoner_name IN (`+placeholders+`)
		 ORDER BY join_time ASC, summoner_name ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuePlayer
	for rows.Next() {
		qp, err := scanQueuePlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *qp)
	}
	return out, rows.Err()
}

// SetQueueAcceptance records a player's accept/decline on their frozen
// snapshot row.
func (s *SQLiteStore) SetQueueAcceptance(ctx context.Context, summonerName string, status AcceptanceStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_players SET acceptance_status = ? WHERE summoner_name = ?`,
		string(status), summonerName)
	return err
}

// ReactivateQueuePlayers puts acceptance survivors back in the live
// queue; join_time is untouched so they keep their place in line.
func (s *SQLiteStore) ReactivateQueuePlayers(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_players SET active = 1, acceptance_status = 'pending'
			 WHERE summoner_name = ?`, name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteQueuePlayers removes the named rows.
func (s *SQLiteStore) DeleteQueuePlayers(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_players WHERE summoner_name = ?`, name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuePlayer(r rowScanner) (*QueuePlayer, error) {
	var qp QueuePlayer
	var primary, secondary, status string
	err := r.Scan(&qp.ID, &qp.PlayerID, &qp.SummonerName, &qp.Region, &qp.CustomLP,
		&primary, &secondary, &qp.JoinTime, &qp.Active, &status)
	if err != nil {
		return nil, err
	}
	qp.PrimaryLane = draft.Lane(primary)
	qp.SecondaryLane = draft.Lane(secondary)
	qp.AcceptanceStatus = AcceptanceStatus(status)
	return &qp, nil
}

// CreateMatchFromQueue persists a new match and removes its players from
// the queue in one transaction. Fails if any selected row disappeared in
// the meantime.
func (s *SQLiteStore) CreateMatchFromQueue(ctx context.Context, m *Match, queueNames []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	team1, team2, pickBan, err := marshalMatchJSON(m)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO custom_matches (id, team1_players, team2_players,
		                             average_mmr_team1, average_mmr_team2,
		                             status, pick_ban_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, team1, team2, m.AverageMMRTeam1, m.AverageMMRTeam2,
		string(m.Status), pickBan, m.CreatedAt,
	); err != nil {
		return err
	}

	// The selected rows leave the live queue atomically with the match
	// insert; they stay behind as the frozen acceptance snapshot.
	for _, name := range queueNames {
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_players SET active = 0, acceptance_status = 'pending'
			 WHERE summoner_name = ? AND active = 1`, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("queue row for %s vanished during match creation", name)
		}
	}

	return tx.Commit()
}

func marshalMatchJSON(m *Match) (team1, team2 string, pickBan sql.NullString, err error) {
	b1, err := json.Marshal(m.Team1Players)
	if err != nil {
		return "", "", pickBan, err
	}
	b2, err := json.Marshal(m.Team2Players)
	if err != nil {
		return "", "", pickBan, err
	}
	if m.PickBan != nil {
		raw, err := m.PickBan.Marshal()
		if err != nil {
			return "", "", pickBan, err
		}
		pickBan = sql.NullString{String: string(raw), Valid: true}
	}
	return string(b1), string(b2), pickBan, nil
}

const matchColumns = `id, team1_players, team2_players, average_mmr_team1, average_mmr_team2,
	status, pick_ban_data, lcu_match_data, riot_game_id, winner_team,
	owner_backend_id, owner_heartbeat, created_at, completed_at`

// GetMatch retrieves a match by ID, or nil if not found.
func (s *SQLiteStore) GetMatch(ctx context.Context, matchID string) (*Match, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM custom_matches WHERE id = ?`, matchID)
	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetActiveMatchForPlayer returns the non-terminal match containing the
// player, or nil. Team membership lives in JSON arrays, so the candidate
// set is filtered in Go; active matches are few.
func (s *SQLiteStore) GetActiveMatchForPlayer(ctx context.Context, summonerName string) (*Match, error) {
	matches, err := s.ListActiveMatches(ctx)
	if err != nil {
		return nil, err
	}
	for i := range matches {
		if matches[i].HasParticipant(summonerName) {
			return &matches[i], nil
		}
	}
	return nil, nil
}

// ListActiveMatches returns every non-terminal match.
func (s *SQLiteStore) ListActiveMatches(ctx context.Context) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+matchColumns+` FROM custom_matches
		 WHERE status NOT IN ('completed', 'cancelled')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMatch(r rowScanner) (*Match, error) {
	var m Match
	var team1, team2, status string
	var pickBan, lcuData, owner sql.NullString
	var riotGameID, winner sql.NullInt64
	var heartbeat, completed sql.NullTime

	err := r.Scan(&m.ID, &team1, &team2, &m.AverageMMRTeam1, &m.AverageMMRTeam2,
		&status, &pickBan, &lcuData, &riotGameID, &winner,
		&owner, &heartbeat, &m.CreatedAt, &completed)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(team1), &m.Team1Players); err != nil {
		return nil, fmt.Errorf("match %s team1: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(team2), &m.Team2Players); err != nil {
		return nil, fmt.Errorf("match %s team2: %w", m.ID, err)
	}
	m.Status = MatchStatus(status)
	if pickBan.Valid && pickBan.String != "" {
		doc, err := draft.UnmarshalDocument(json.RawMessage(pickBan.String))
		if err != nil {
			return nil, fmt.Errorf("match %s pick_ban_data: %w", m.ID, err)
		}
		m.PickBan = doc
	}
	if lcuData.Valid && lcuData.String != "" {
		m.LCUMatchData = json.RawMessage(lcuData.String)
	}
	if riotGameID.Valid {
		m.RiotGameID = riotGameID.Int64
	}
	if winner.Valid {
		w := int(winner.Int64)
		m.WinnerTeam = &w
	}
	if owner.Valid {
		m.OwnerBackendID = &owner.String
	}
	if heartbeat.Valid {
		m.OwnerHeartbeat = &heartbeat.Time
	}
	if completed.Valid {
		m.CompletedAt = &completed.Time
	}
	return &m, nil
}

// UpdateMatchOwned writes a match's mutable fields, conditional on the
// caller still holding the lease. A miss means the lease moved.
func (s *SQLiteStore) UpdateMatchOwned(ctx context.Context, m *Match, owner string) error {
	_, _, pickBan, err := marshalMatchJSON(m)
	if err != nil {
		return err
	}
	var lcuData sql.NullString
	if len(m.LCUMatchData) > 0 {
		lcuData = sql.NullString{String: string(m.LCUMatchData), Valid: true}
	}
	var winner sql.NullInt64
	if m.WinnerTeam != nil {
		winner = sql.NullInt64{Int64: int64(*m.WinnerTeam), Valid: true}
	}
	var riotGameID sql.NullInt64
	if m.RiotGameID != 0 {
		riotGameID = sql.NullInt64{Int64: m.RiotGameID, Valid: true}
	}
	var completed sql.NullTime
	if m.CompletedAt != nil {
		completed = sql.NullTime{Time: *m.CompletedAt, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE custom_matches SET
		 	status = ?, pick_ban_data = ?, lcu_match_data = ?,
		 	riot_game_id = ?, winner_team = ?, completed_at = ?
		 WHERE id = ? AND owner_backend_id = ?`,
		string(m.Status), pickBan, lcuData, riotGameID, winner, completed,
		m.ID, owner,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrLeaseLost
	}
	return nil
}

// TryClaimOwnership atomically claims the match for newOwner. The claim
// lands iff the row is unowned, already owned by newOwner, or the current
// owner's heartbeat is older than staleCutoff. Terminal matches are never
// claimed.
func (s *SQLiteStore) TryClaimOwnership(ctx context.Context, matchID, newOwner string, now time.Time, staleCutoff time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE custom_matches SET owner_backend_id = ?, owner_heartbeat = ?
		 WHERE id = ?
		   AND status NOT IN ('completed', 'cancelled')
		   AND (owner_backend_id IS NULL OR owner_backend_id = ? OR owner_heartbeat < ?)`,
		newOwner, now, matchID, newOwner, now.Add(-staleCutoff),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseOwnership clears the lease iff the caller holds it. Used when a
// match reaches a terminal state.
func (s *SQLiteStore) ReleaseOwnership(ctx context.Context, matchID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE custom_matches SET owner_backend_id = NULL, owner_heartbeat = NULL
		 WHERE id = ? AND owner_backend_id = ?`, matchID, owner)
	return err
}

// HeartbeatOwnership refreshes the lease timestamp; reports whether the
// caller still owns the match.
func (s *SQLiteStore) HeartbeatOwnership(ctx context.Context, matchID, owner string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE custom_matches SET owner_heartbeat = ?
		 WHERE id = ? AND owner_backend_id = ?`, now, matchID, owner)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertVote inserts or overwrites a player's link vote.
func (s *SQLiteStore) UpsertVote(ctx context.Context, v *MatchVote) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO match_votes (match_id, player_id, lcu_game_id, voted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(match_id, player_id) DO UPDATE SET
		 	lcu_game_id = excluded.lcu_game_id,
		 	voted_at = excluded.voted_at`,
		v.MatchID, v.PlayerID, v.LCUGameID, v.VotedAt,
	)
	return err
}

// ListVotes returns all votes for a match.
func (s *SQLiteStore) ListVotes(ctx context.Context, matchID string) ([]MatchVote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT match_id, player_id, lcu_game_id, voted_at
		 FROM match_votes WHERE match_id = ?`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchVote
	for rows.Next() {
		var v MatchVote
		if err := rows.Scan(&v.MatchID, &v.PlayerID, &v.LCUGameID, &v.VotedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// InsertEventInbox records an event id; returns false when the id was
// already present (duplicate delivery).
func (s *SQLiteStore) InsertEventInbox(ctx context.Context, eventID, eventType string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO event_inbox (event_id, event_type, received_at)
		 VALUES (?, ?, ?)`, eventID, eventType, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PurgeEventInbox drops inbox rows older than the horizon.
func (s *SQLiteStore) PurgeEventInbox(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM event_inbox WHERE received_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetSetting reads one settings row.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting writes one settings row.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}
