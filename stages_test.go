package vigil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageTransitions(t *testing.T) {
	allowed := map[[2]Stage]bool{
		{StageNeedsAction, StagePendingApproval}: true,
		{StageNeedsAction, StageDone}:            true,
		{StageNeedsAction, StageFailed}:          true,
		{StagePendingApproval, StageApproved}:    true,
		{StagePendingApproval, StageRejected}:    true,
		{StageApproved, StageDone}:               true,
		{StageApproved, StageFailed}:             true,
	}
	for _, from := range AllStages {
		for _, to := range AllStages {
			require.Equal(t, allowed[[2]Stage{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCheckTransitionSentinels(t *testing.T) {
	require.NoError(t, checkTransition(StagePendingApproval, StageApproved))
	require.ErrorIs(t, checkTransition(StageDone, StageFailed), ErrTerminalRecord)
	require.ErrorIs(t, checkTransition(StageRejected, StageApproved), ErrTerminalRecord)
	require.ErrorIs(t, checkTransition(StageNeedsAction, StageApproved), ErrInvalidTransition)
	require.ErrorIs(t, checkTransition("limbo", StageDone), ErrUnknownStage)
}

func TestParseStageAcceptsDirNames(t *testing.T) {
	for _, st := range AllStages {
		got, err := ParseStage(string(st))
		require.NoError(t, err)
		require.Equal(t, st, got)
		got, err = ParseStage(st.Dir())
		require.NoError(t, err)
		require.Equal(t, st, got)
	}
	_, err := ParseStage("Inbox")
	require.ErrorIs(t, err, ErrUnknownStage)
	require.Equal(t, "Pending_Approval", StagePendingApproval.Dir())
}

func TestTerminalStages(t *testing.T) {
	require.True(t, StageDone.Terminal())
	require.True(t, StageRejected.Terminal())
	require.True(t, StageFailed.Terminal())
	require.False(t, StageApproved.Terminal())
	require.False(t, StageNeedsAction.Terminal())
}
