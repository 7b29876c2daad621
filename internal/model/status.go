package model

// SessionStatus is a node of the session state machine.
type SessionStatus string

const (
	SessionWaitingBets                SessionStatus = "WaitingBets"
	SessionStarting                   SessionStatus = "SessionStarting"
	SessionInProgress                 SessionStatus = "InProgress"
	SessionEnded                      SessionStatus = "Ended"
	SessionRewardForWinnersInProgress SessionStatus = "RewardForWinnersInProgress"
	SessionRewardForWinnersCompleted  SessionStatus = "RewardForWinnersCompleted"
	SessionErrorWhenProcessingRewards SessionStatus = "ErrorWhenProcessingRewards"
	SessionNotEnoughPlayersToStart    SessionStatus = "NotEnoughPlayersToStart"
	SessionNeedsRefund                SessionStatus = "NeedsRefund"
	SessionRefundingPlayers           SessionStatus = "RefundingPlayers"
	SessionPlayersRefunded            SessionStatus = "PlayersRefunded"
	SessionEndedAbruptely             SessionStatus = "SessionEndedAbruptely"
)

// sessionEdges lists every allowed transition. The two edges leaving
// ErrorWhenProcessingRewards are only taken by operator action.
var sessionEdges = map[SessionStatus][]SessionStatus{
	SessionWaitingBets:                {SessionStarting, SessionNotEnoughPlayersToStart},
	SessionStarting:                   {SessionInProgress, SessionEndedAbruptely},
	SessionInProgress:                 {SessionEnded, SessionEndedAbruptely},
	SessionEnded:                      {SessionRewardForWinnersInProgress, SessionErrorWhenProcessingRewards, SessionEndedAbruptely},
	SessionRewardForWinnersInProgress: {SessionRewardForWinnersCompleted, SessionErrorWhenProcessingRewards, SessionEndedAbruptely},
	SessionErrorWhenProcessingRewards: {SessionNeedsRefund, SessionRewardForWinnersInProgress},
	SessionNotEnoughPlayersToStart:    {SessionNeedsRefund},
	SessionNeedsRefund:                {SessionRefundingPlayers},
	SessionRefundingPlayers:           {SessionPlayersRefunded, SessionNeedsRefund},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range sessionEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsActive reports whether the session is still in its game phase. A
// configuration spawns a new session only when none of its sessions is active.
func (s SessionStatus) IsActive() bool {
	switch s {
	case SessionWaitingBets, SessionStarting, SessionInProgress:
		return true
	}
	return false
}

// IsAbruptCandidate reports whether a session left in s by a dead process
// cannot be resumed and must be closed as SessionEndedAbruptely.
func (s SessionStatus) IsAbruptCandidate() bool {
	switch s {
	case SessionStarting, SessionInProgress, SessionEnded, SessionRewardForWinnersInProgress:
		return true
	}
	return false
}

// ActiveSessionStatuses lists the statuses for which IsActive is true.
var ActiveSessionStatuses = []SessionStatus{SessionWaitingBets, SessionStarting, SessionInProgress}

// AbruptCandidateStatuses lists the statuses for which IsAbruptCandidate is true.
var AbruptCandidateStatuses = []SessionStatus{
	SessionStarting, SessionInProgress, SessionEnded, SessionRewardForWinnersInProgress,
}

// BetStatus is the settlement state of a bet.
type BetStatus string

const (
	BetMade                BetStatus = "Made"
	BetNeedsRefunding      BetStatus = "NeedsRefunding"
	BetRefunded            BetStatus = "Refunded"
	BetNeedsRewarding      BetStatus = "NeedsRewarding"
	BetRewarded            BetStatus = "Rewarded"
	BetNeedsManualAnalysis BetStatus = "NeedsManualAnalysis"
	BetNotApplicable       BetStatus = "NotApplicable"
)

// IsTerminal reports whether no automatic process will move the bet again.
func (s BetStatus) IsTerminal() bool {
	switch s {
	case BetRefunded, BetRewarded, BetNeedsManualAnalysis, BetNotApplicable:
		return true
	}
	return false
}
