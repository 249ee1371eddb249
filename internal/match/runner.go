package match

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fazenda/lol-matchmaking/internal/bus"
	"github.com/fazenda/lol-matchmaking/internal/draft"
	"github.com/fazenda/lol-matchmaking/internal/errs"
	"github.com/fazenda/lol-matchmaking/internal/gateway"
	"github.com/fazenda/lol-matchmaking/internal/linkvote"
	"github.com/fazenda/lol-matchmaking/internal/store"
)

// frameLeaderCancel is the synthetic frame the REST cancel endpoint
// feeds into the runner; it never arrives from the wire.
const frameLeaderCancel = "leader_cancel"

// frameCmd routes one player frame into the runner's loop.
type frameCmd struct {
	summoner string
	frame    gateway.Frame
	resp     chan error
}

// Runner drives one owned match through its lifecycle. All state
// transitions happen on this goroutine; frames from other goroutines
// arrive over the command channel, so there is no locking on the hot
// path.
type Runner struct {
	svc *Service
	m   *store.Match
	log *logrus.Entry

	frames chan frameCmd
	lost   <-chan struct{}

	// link-vote phase
	gameOver    bool
	pendingLink int64 // most-voted game awaiting a fetchable vendor blob
	lastContact time.Time
}

func newRunner(svc *Service, m *store.Match, lost <-chan struct{}) *Runner {
	return &Runner{
		svc:    svc,
		m:      m,
		log:    svc.log.WithField("match", m.ID),
		frames: make(chan frameCmd, 32),
		lost:   lost,
	}
}

// submit hands a frame to the runner and waits for the verdict.
func (r *Runner) submit(ctx context.Context, summoner string, f gateway.Frame) error {
	cmd := frameCmd{summoner: summoner, frame: f, resp: make(chan error, 1)}
	select {
	case r.frames <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives the match until a terminal state, lease loss, or shutdown.
func (r *Runner) run(ctx context.Context) {
	defer r.svc.removeRunner(r.m.ID)

	r.log.WithField("status", r.m.Status).Info("driving match")

	for {
		var err error
		switch r.m.Status {
		case store.StatusFound:
			err = r.runAcceptance(ctx)
		case store.StatusAccepted:
			err = r.startDraft(ctx)
		case store.StatusDraft:
			err = r.runDraft(ctx)
		case store.StatusInProgress:
			err = r.runGame(ctx)
		default:
			r.svc.owners.Release(ctx, r.m.ID)
			return
		}
		if err != nil {
			if errors.Is(err, errs.ErrLeaseLost) {
				r.log.Warn("stopped driving match: lease lost")
			} else if !errors.Is(err, context.Canceled) {
				r.log.WithError(err).Error("match runner stopped")
			}
			return
		}
		if r.m.Status.Terminal() {
			r.svc.owners.Release(ctx, r.m.ID)
			return
		}
	}
}

// persist writes the match under the lease.
func (r *Runner) persist(ctx context.Context) error {
	return r.svc.store.UpdateMatchOwned(ctx, r.m, r.svc.owners.InstanceID())
}

// ---- acceptance ----

func (r *Runner) runAcceptance(ctx context.Context) error {
	snapshot, err := r.svc.store.ListQueueRows(ctx, r.m.Participants())
	if err != nil {
		return err
	}

	accepted := make(map[string]bool)
	declined := ""
	for _, row := range snapshot {
		if row.AcceptanceStatus == store.AcceptanceAccepted {
			accepted[row.SummonerName] = true
		}
		if row.AcceptanceStatus == store.AcceptanceDeclined && declined == "" {
			declined = row.SummonerName
		}
	}
	if declined != "" {
		return r.cancelAcceptance(ctx, accepted, "acceptance_failed")
	}
	if len(accepted) >= len(r.m.Participants()) {
		return r.acceptanceComplete(ctx)
	}

	// Armed from createdAt so takeover keeps the original deadline.
	deadline := r.m.CreatedAt.Add(r.svc.cfg.AcceptanceTimeout())
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.lost:
			return errs.ErrLeaseLost
		case <-timer.C:
			return r.cancelAcceptance(ctx, accepted, "acceptance_failed")
		case cmd := <-r.frames:
			switch cmd.frame.Type {
			case frameLeaderCancel:
				survivors := make(map[string]bool)
				for _, name := range r.m.Participants() {
					if name != cmd.summoner {
						survivors[name] = true
					}
				}
				err := r.cancelAcceptance(ctx, survivors, "cancelled_by_player")
				cmd.resp <- err
				return err
			case gateway.FrameAcceptMatch:
				if !r.m.HasParticipant(cmd.summoner) {
					cmd.resp <- errs.ErrNotParticipant
					continue
				}
				if !accepted[cmd.summoner] {
					accepted[cmd.summoner] = true
					if err := r.svc.store.SetQueueAcceptance(ctx, cmd.summoner, store.AcceptanceAccepted); err != nil {
						r.log.WithError(err).Warn("failed to persist acceptance")
					}
					r.publish(ctx, bus.TopicMatchAcceptance, bus.MatchAcceptancePayload{
						MatchID:      r.m.ID,
						SummonerName: cmd.summoner,
						Accepted:     len(accepted),
						Total:        len(r.m.Participants()),
					})
				}
				cmd.resp <- nil
				if len(accepted) >= len(r.m.Participants()) {
					return r.acceptanceComplete(ctx)
				}
			case gateway.FrameDeclineMatch:
				if !r.m.HasParticipant(cmd.summoner) {
					cmd.resp <- errs.ErrNotParticipant
					continue
				}
				if err := r.svc.store.SetQueueAcceptance(ctx, cmd.summoner, store.AcceptanceDeclined); err != nil {
					r.log.WithError(err).Warn("failed to persist decline")
				}
				cmd.resp <- nil
				delete(accepted, cmd.summoner)
				return r.cancelAcceptance(ctx, accepted, "acceptance_failed")
			default:
				cmd.resp <- errs.ErrInvalidInput
			}
		}
	}
}

func (r *Runner) acceptanceComplete(ctx context.Context) error {
	r.m.Status = store.StatusAccepted
	if err := r.persist(ctx); err != nil {
		return err
	}
	if err := r.svc.store.DeleteQueuePlayers(ctx, r.m.Participants()); err != nil {
		r.log.WithError(err).Warn("failed to clear acceptance snapshot")
	}
	r.log.Info("all players accepted")
	return nil
}

// cancelAcceptance ends the match: survivors go back to the queue with
// their original join time, decliners and non-responders are removed.
func (r *Runner) cancelAcceptance(ctx context.Context, accepted map[string]bool, reason string) error {
	var survivors, atFault []string
	for _, name := range r.m.Participants() {
		if accepted[name] {
			survivors = append(survivors, name)
		} else {
			atFault = append(atFault, name)
		}
	}

	now := r.svc.now().UTC()
	r.m.Status = store.StatusCancelled
	r.m.CompletedAt = &now
	if err := r.persist(ctx); err != nil {
		return err
	}

	if err := r.svc.store.ReactivateQueuePlayers(ctx, survivors); err != nil {
		r.log.WithError(err).Error("failed to re-queue acceptance survivors")
	}
	if err := r.svc.store.DeleteQueuePlayers(ctx, atFault); err != nil {
		r.log.WithError(err).Warn("failed to remove at-fault players")
	}

	r.log.WithField("atFault", atFault).Info("match cancelled in acceptance")
	payload := bus.MatchCancelledPayload{MatchID: r.m.ID, Reason: reason}
	if reason == "acceptance_failed" {
		payload.AtFault = atFault
	}
	r.publish(ctx, bus.TopicMatchCancelled, payload)
	return nil
}

// ---- draft ----

func (r *Runner) startDraft(ctx context.Context) error {
	r.m.Status = store.StatusDraft
	r.m.PickBan.CurrentActionStartedAt = r.svc.now().UTC()
	if err := r.persist(ctx); err != nil {
		return err
	}
	r.publish(ctx, bus.TopicDraftStarted, bus.DraftStartedPayload{MatchID: r.m.ID})
	r.log.Info("draft started")
	return nil
}

func (r *Runner) runDraft(ctx context.Context) error {
	doc := r.m.PickBan
	for {
		if doc.InConfirmation() {
			if !r.svc.cfg.Draft.ConfirmationRequired {
				return r.completeDraft(ctx)
			}
			// No timer during confirmation; the draft waits for the
			// quorum, with edits allowed throughout.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.lost:
				return errs.ErrLeaseLost
			case cmd := <-r.frames:
				if cmd.frame.Type == frameLeaderCancel {
					err := r.cancelInProgress(ctx, "cancelled_by_player")
					cmd.resp <- err
					return err
				}
				done, err := r.handleDraftFrame(ctx, cmd)
				if err == nil && done {
					return r.completeDraft(ctx)
				}
			}
			continue
		}

		timer := time.NewTimer(time.Until(doc.Deadline(r.svc.cfg.DraftActionTimeout())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.lost:
			timer.Stop()
			return errs.ErrLeaseLost
		case <-timer.C:
			out, err := doc.Timeout(r.svc.championPool, r.svc.now().UTC())
			if err != nil {
				continue
			}
			if err := r.persist(ctx); err != nil {
				return err
			}
			action := doc.Actions[out.Index]
			topic := bus.TopicDraftPick
			if out.Type == draft.ActionBan {
				topic = bus.TopicDraftBan
			}
			r.publish(ctx, topic, bus.DraftActionPayload{
				MatchID:      r.m.ID,
				Index:        out.Index,
				ByPlayer:     action.ByPlayer,
				ChampionID:   action.ChampionID,
				CurrentIndex: doc.CurrentIndex,
				AutoFilled:   out.AutoFill,
				Skipped:      out.Skipped,
			})
			r.log.WithField("index", out.Index).Info("draft action timed out")
		case cmd := <-r.frames:
			if cmd.frame.Type == frameLeaderCancel {
				err := r.cancelInProgress(ctx, "cancelled_by_player")
				cmd.resp <- err
				timer.Stop()
				return err
			}
			done, err := r.handleDraftFrame(ctx, cmd)
			if err == nil && done {
				timer.Stop()
				return r.completeDraft(ctx)
			}
			if errors.Is(err, errs.ErrLeaseLost) {
				timer.Stop()
				return err
			}
		}
		timer.Stop()
	}
}

// handleDraftFrame applies one draft frame; the bool reports draft
// completion (all actions resolved and, when required, all confirmed).
func (r *Runner) handleDraftFrame(ctx context.Context, cmd frameCmd) (bool, error) {
	doc := r.m.PickBan
	f := cmd.frame
	now := r.svc.now().UTC()

	switch f.Type {
	case gateway.FrameDraftAction:
		if f.Index == nil {
			cmd.resp <- errs.ErrInvalidInput
			return false, nil
		}
		out, err := doc.Apply(*f.Index, cmd.summoner, f.ChampionID, f.ChampionName, now)
		if err != nil {
			cmd.resp <- err
			return false, nil
		}
		if err := r.persist(ctx); err != nil {
			cmd.resp <- err
			return false, err
		}
		cmd.resp <- nil
		topic := bus.TopicDraftPick
		if out.Type == draft.ActionBan {
			topic = bus.TopicDraftBan
		}
		r.publish(ctx, topic, bus.DraftActionPayload{
			MatchID:      r.m.ID,
			Index:        out.Index,
			ByPlayer:     cmd.summoner,
			ChampionID:   f.ChampionID,
			ChampionName: f.ChampionName,
			CurrentIndex: doc.CurrentIndex,
		})
		return out.Completed && !r.svc.cfg.Draft.ConfirmationRequired, nil

	case gateway.FrameDraftEdit:
		if f.Index == nil {
			cmd.resp <- errs.ErrInvalidInput
			return false, nil
		}
		out, err := doc.Edit(*f.Index, cmd.summoner, f.ChampionID, f.ChampionName, now)
		if err != nil {
			cmd.resp <- err
			return false, nil
		}
		if err := r.persist(ctx); err != nil {
			cmd.resp <- err
			return false, err
		}
		cmd.resp <- nil
		r.publish(ctx, bus.TopicDraftEdit, bus.DraftActionPayload{
			MatchID:      r.m.ID,
			Index:        out.Index,
			ByPlayer:     cmd.summoner,
			ChampionID:   f.ChampionID,
			ChampionName: f.ChampionName,
			CurrentIndex: doc.CurrentIndex,
		})
		return false, nil

	case gateway.FrameDraftConfirm:
		all, err := doc.Confirm(cmd.summoner)
		if err != nil {
			cmd.resp <- err
			return false, nil
		}
		if err := r.persist(ctx); err != nil {
			cmd.resp <- err
			return false, err
		}
		cmd.resp <- nil
		return all, nil

	default:
		cmd.resp <- errs.ErrInvalidInput
		return false, nil
	}
}

func (r *Runner) completeDraft(ctx context.Context) error {
	r.m.Status = store.StatusInProgress
	if err := r.persist(ctx); err != nil {
		return err
	}
	r.publish(ctx, bus.TopicDraftCompleted, bus.DraftCompletedPayload{MatchID: r.m.ID})
	r.publish(ctx, bus.TopicGameStarted, bus.GameStartedPayload{MatchID: r.m.ID})
	r.log.Info("draft completed, game in progress")
	return nil
}

// ---- game monitor + link vote ----

func (r *Runner) runGame(ctx context.Context) error {
	r.lastContact = r.svc.now().UTC()

	ticker := time.NewTicker(r.svc.cfg.MonitorPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.lost:
			return errs.ErrLeaseLost
		case <-ticker.C:
			if done, err := r.pollTick(ctx); done || err != nil {
				return err
			}
		case cmd := <-r.frames:
			if done, err := r.handleGameFrame(ctx, cmd); done || err != nil {
				return err
			}
		}
	}
}

// pollTick observes the in-game phase across participants and, once a
// link outcome is pending, retries the vendor-blob fetch.
func (r *Runner) pollTick(ctx context.Context) (bool, error) {
	if r.pendingLink != 0 {
		return r.tryFinalize(ctx, r.pendingLink)
	}
	if r.gameOver {
		return false, nil
	}

	reachable := false
	for _, name := range r.m.Participants() {
		phase, err := gameflowPhase(ctx, r.svc.gw, name)
		if err != nil {
			continue
		}
		reachable = true
		r.lastContact = r.svc.now().UTC()
		if isGameOver(phase) {
			r.gameOver = true
			history, err := recentMatches(ctx, r.svc.gw, name)
			if err != nil {
				r.log.WithError(err).WithField("player", name).Warn("failed to pull match history")
			}
			r.log.WithField("player", name).Info("game end detected, opening link vote")
			r.publish(ctx, bus.TopicGameEnded, bus.GameEndedPayload{MatchID: r.m.ID, History: history})
			return false, nil
		}
		break // one live client is enough per tick
	}

	if !reachable && r.svc.now().UTC().Sub(r.lastContact) > r.svc.cfg.MonitorInactivityCancel() {
		r.log.Warn("no participant reachable, cancelling match")
		return true, r.cancelInProgress(ctx, "clients_unreachable")
	}
	return false, nil
}

func (r *Runner) handleGameFrame(ctx context.Context, cmd frameCmd) (bool, error) {
	f := cmd.frame
	switch f.Type {
	case gateway.FrameVoteForMatch:
		if !r.m.HasParticipant(cmd.summoner) {
			cmd.resp <- errs.ErrNotParticipant
			return false, nil
		}
		if f.LCUGameID <= 0 {
			cmd.resp <- errs.ErrInvalidInput
			return false, nil
		}
		outcome, err := r.recordVote(ctx, cmd.summoner, f.LCUGameID)
		cmd.resp <- err
		if err != nil {
			return false, nil
		}
		if outcome.Linked {
			return r.tryFinalize(ctx, outcome.LCUGameID)
		}
		return false, nil

	case gateway.FrameMuteSpectator:
		if !r.m.HasParticipant(cmd.summoner) {
			cmd.resp <- errs.ErrNotParticipant
			return false, nil
		}
		cmd.resp <- nil
		r.publish(ctx, bus.TopicSpectatorMute, bus.SpectatorMutePayload{
			MatchID:      r.m.ID,
			SummonerName: cmd.summoner,
			Target:       f.Target,
			Muted:        f.Muted,
		})
		return false, nil

	default:
		cmd.resp <- errs.ErrInvalidInput
		return false, nil
	}
}

// recordVote upserts the vote and publishes the new tally.
func (r *Runner) recordVote(ctx context.Context, summoner string, gameID int64) (linkvote.Outcome, error) {
	player, err := r.svc.store.GetPlayer(ctx, summoner)
	if err != nil || player == nil {
		return linkvote.Outcome{}, errs.ErrStoreUnavailable
	}
	if err := r.svc.store.UpsertVote(ctx, &store.MatchVote{
		MatchID:   r.m.ID,
		PlayerID:  player.ID,
		LCUGameID: gameID,
		VotedAt:   r.svc.now().UTC(),
	}); err != nil {
		return linkvote.Outcome{}, err
	}

	votes, err := r.loadVotes(ctx)
	if err != nil {
		return linkvote.Outcome{}, err
	}

	quorum := linkvote.Quorum(r.svc.cfg.LinkVote.Quorum, r.m.Participants(), r.svc.weights)
	outcome := linkvote.Evaluate(votes, r.svc.weights, quorum)

	r.publish(ctx, bus.TopicGameVote, bus.GameVotePayload{
		MatchID:      r.m.ID,
		SummonerName: summoner,
		LCUGameID:    gameID,
		Tally:        linkvote.Tally(votes, r.svc.weights),
	})
	return outcome, nil
}

func (r *Runner) loadVotes(ctx context.Context) ([]linkvote.Vote, error) {
	rows, err := r.svc.store.ListVotes(ctx, r.m.ID)
	if err != nil {
		return nil, err
	}
	names, err := r.svc.playerNames(ctx, r.m.Participants())
	if err != nil {
		return nil, err
	}
	votes := make([]linkvote.Vote, 0, len(rows))
	for _, row := range rows {
		name, ok := names[row.PlayerID]
		if !ok {
			continue // vote from a row we no longer resolve
		}
		votes = append(votes, linkvote.Vote{SummonerName: name, LCUGameID: row.LCUGameID})
	}
	return votes, nil
}

// tryFinalize pulls the linked game's vendor blob through any reachable
// participant and completes the match. A failed fetch leaves the link
// pending; the poll loop retries.
func (r *Runner) tryFinalize(ctx context.Context, gameID int64) (bool, error) {
	var blob []byte
	for _, name := range r.m.Participants() {
		b, err := gameDetail(ctx, r.svc.gw, name, gameID)
		if err == nil {
			blob = b
			break
		}
	}
	if blob == nil {
		r.pendingLink = gameID
		r.log.WithField("game", gameID).Warn("quorum reached but vendor blob unavailable, retrying")
		return false, nil
	}

	winner, err := parseWinner(blob)
	if err != nil {
		r.pendingLink = gameID
		r.log.WithError(err).Warn("vendor blob unparsable, retrying")
		return false, nil
	}

	now := r.svc.now().UTC()
	r.m.LCUMatchData = blob
	r.m.RiotGameID = gameID
	r.m.WinnerTeam = &winner
	r.m.Status = store.StatusCompleted
	r.m.CompletedAt = &now
	if err := r.persist(ctx); err != nil {
		return true, err
	}

	r.applyRatings(ctx, winner)

	r.publish(ctx, bus.TopicGameLinked, bus.GameLinkedPayload{
		MatchID:    r.m.ID,
		LCUGameID:  gameID,
		WinnerTeam: winner,
	})
	r.log.WithFields(logrus.Fields{"game": gameID, "winner": winner}).Info("match linked and completed")
	return true, nil
}

func (r *Runner) applyRatings(ctx context.Context, winner int) {
	for _, name := range r.m.Participants() {
		won := r.m.Team(name) == winner
		lp, mmr := -r.svc.cfg.Rating.LossDelta, -r.svc.cfg.Rating.LossDelta
		if won {
			lp, mmr = r.svc.cfg.Rating.WinDelta, r.svc.cfg.Rating.WinDelta
		}
		if err := r.svc.store.ApplyMatchResult(ctx, name, lp, mmr, won); err != nil {
			r.log.WithError(err).WithField("player", name).Error("rating update failed")
		}
	}
}

func (r *Runner) cancelInProgress(ctx context.Context, reason string) error {
	now := r.svc.now().UTC()
	r.m.Status = store.StatusCancelled
	r.m.CompletedAt = &now
	if err := r.persist(ctx); err != nil {
		return err
	}
	r.publish(ctx, bus.TopicMatchCancelled, bus.MatchCancelledPayload{
		MatchID: r.m.ID,
		Reason:  reason,
	})
	return nil
}

func (r *Runner) publish(ctx context.Context, topic bus.Topic, payload any) {
	if err := r.svc.events.Publish(ctx, topic, payload); err != nil {
		r.log.WithError(err).WithField("topic", topic).Error("broadcast failed")
	}
}
