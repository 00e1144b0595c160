package engine_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"thesisline/internal/domain"
	"thesisline/internal/engine"
	"thesisline/internal/notify"
	"thesisline/internal/phase"
)

// advanceToAssigned drives a fresh project to PREPROJECT_ASSIGNED and
// returns the project with its evaluator assignment.
func (env testEnv) advanceToAssigned(t *testing.T) (domain.Project, domain.Assignment) {
	t.Helper()
	project := env.submitForm(t)
	_, err := env.Engine.ReviewForm(env.Ctx, engine.ReviewFormOptions{ProjectID: project.ID, Decision: domain.DecisionApproved, Actor: coordinator})
	require.NoError(t, err)
	_, _, err = env.Engine.SubmitProposal(env.Ctx, engine.SubmitProposalOptions{ProjectID: project.ID, Actor: student})
	require.NoError(t, err)
	assignment, err := env.Engine.AssignEvaluators(env.Ctx, engine.AssignEvaluatorsOptions{
		ProjectID:  project.ID,
		EvaluatorA: evaluatorA.ID,
		EvaluatorB: evaluatorB.ID,
		Actor:      committee,
	})
	require.NoError(t, err)
	got, err := env.Engine.Repo.GetProject(env.Ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, string(phase.PreprojectAssigned), got.Phase)
	return got, assignment
}

func TestAssignEvaluators(t *testing.T) {
	env := newTestEnv(t)
	project, assignment := env.advanceToAssigned(t)

	require.Equal(t, domain.AssignmentPending, assignment.State)
	require.Equal(t, evaluatorA.ID, assignment.EvaluatorA)
	require.Equal(t, evaluatorB.ID, assignment.EvaluatorB)

	msgs := env.Notes.byType(notify.TypeEvaluatorsAssigned)
	require.Len(t, msgs, 1)
	require.ElementsMatch(t, []string{evaluatorA.ID, evaluatorB.ID}, msgs[0].Recipients)

	// A document holds at most one assignment.
	_, err := env.Engine.AssignEvaluators(env.Ctx, engine.AssignEvaluatorsOptions{
		ProjectID:  project.ID,
		EvaluatorA: "eva-3",
		EvaluatorB: "eva-4",
		Actor:      committee,
	})
	var dup engine.DuplicateAssignmentError
	require.ErrorAs(t, err, &dup)
}

func TestAssignEvaluatorsValidation(t *testing.T) {
	env := newTestEnv(t)
	project := env.submitForm(t)
	_, err := env.Engine.ReviewForm(env.Ctx, engine.ReviewFormOptions{ProjectID: project.ID, Decision: domain.DecisionApproved, Actor: coordinator})
	require.NoError(t, err)
	_, _, err = env.Engine.SubmitProposal(env.Ctx, engine.SubmitProposalOptions{ProjectID: project.ID, Actor: student})
	require.NoError(t, err)

	var invalid engine.ValidationError
	_, err = env.Engine.AssignEvaluators(env.Ctx, engine.AssignEvaluatorsOptions{
		ProjectID: project.ID, EvaluatorA: "eva-1", EvaluatorB: "eva-1", Actor: committee,
	})
	require.ErrorAs(t, err, &invalid)

	_, err = env.Engine.AssignEvaluators(env.Ctx, engine.AssignEvaluatorsOptions{
		ProjectID: project.ID, EvaluatorA: "eva-1", EvaluatorB: "", Actor: committee,
	})
	require.ErrorAs(t, err, &invalid)

	var unauth engine.UnauthorizedError
	_, err = env.Engine.AssignEvaluators(env.Ctx, engine.AssignEvaluatorsOptions{
		ProjectID: project.ID, EvaluatorA: "eva-1", EvaluatorB: "eva-2", Actor: student,
	})
	require.ErrorAs(t, err, &unauth)
}

func TestFirstVoteIsSilent(t *testing.T) {
	env := newTestEnv(t)
	project, assignment := env.advanceToAssigned(t)

	res, err := env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
		AssignmentID: assignment.ID,
		Decision:     domain.DecisionApproved,
		Remarks:      "solid plan",
		Actor:        evaluatorA,
	})
	require.NoError(t, err)
	require.Equal(t, phase.PreprojectInReview, res.Phase)
	require.False(t, res.Notified)
	require.Equal(t, domain.AssignmentInReview, res.Assignment.State)
	require.Nil(t, res.Assignment.FinalDecision)

	got, err := env.Engine.Repo.GetProject(env.Ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, string(phase.PreprojectInReview), got.Phase)
	require.Empty(t, env.Notes.byType(notify.TypeConsensusReached))
}

func TestUnanimousApprovalAccepts(t *testing.T) {
	env := newTestEnv(t)
	project, assignment := env.advanceToAssigned(t)

	_, err := env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
		AssignmentID: assignment.ID, Decision: domain.DecisionApproved, Remarks: "strong methodology", Actor: evaluatorA,
	})
	require.NoError(t, err)
	res, err := env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
		AssignmentID: assignment.ID, Decision: domain.DecisionApproved, Remarks: "feasible timeline", Actor: evaluatorB,
	})
	require.NoError(t, err)
	require.Equal(t, phase.PreprojectAccepted, res.Phase)
	require.True(t, res.Notified)
	require.Equal(t, domain.AssignmentCompleted, res.Assignment.State)
	require.Equal(t, domain.DecisionApproved, *res.Assignment.FinalDecision)

	got, err := env.Engine.Repo.GetProject(env.Ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, string(phase.PreprojectAccepted), got.Phase)

	// Exactly one consolidated notification with both remarks.
	msgs := env.Notes.byType(notify.TypeConsensusReached)
	require.Len(t, msgs, 1)
	require.Equal(t, "strong methodology", msgs[0].Context["remarks_a"])
	require.Equal(t, "feasible timeline", msgs[0].Context["remarks_b"])
	require.Equal(t, domain.DecisionApproved, msgs[0].Context["final_decision"])
}

func TestSingleRejectionRejects(t *testing.T) {
	votes := map[string][2]string{
		"a_rejects_first":  {domain.DecisionRejected, domain.DecisionApproved},
		"b_rejects_second": {domain.DecisionApproved, domain.DecisionRejected},
		"both_reject":      {domain.DecisionRejected, domain.DecisionRejected},
	}
	for name, pair := range votes {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			_, assignment := env.advanceToAssigned(t)

			_, err := env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
				AssignmentID: assignment.ID, Decision: pair[0], Actor: evaluatorA,
			})
			require.NoError(t, err)
			res, err := env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
				AssignmentID: assignment.ID, Decision: pair[1], Actor: evaluatorB,
			})
			require.NoError(t, err)
			require.Equal(t, phase.PreprojectRejected, res.Phase)
			require.Equal(t, domain.DecisionRejected, *res.Assignment.FinalDecision)
		})
	}
}

func TestVoteOrderDoesNotMatter(t *testing.T) {
	outcome := func(first, second engine.Actor) phase.Phase {
		env := newTestEnv(t)
		_, assignment := env.advanceToAssigned(t)
		_, err := env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
			AssignmentID: assignment.ID, Decision: domain.DecisionApproved, Actor: first,
		})
		require.NoError(t, err)
		res, err := env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
			AssignmentID: assignment.ID, Decision: domain.DecisionApproved, Actor: second,
		})
		require.NoError(t, err)
		return res.Phase
	}
	require.Equal(t, outcome(evaluatorA, evaluatorB), outcome(evaluatorB, evaluatorA))
}

func TestDoubleVoteRejected(t *testing.T) {
	env := newTestEnv(t)
	_, assignment := env.advanceToAssigned(t)

	_, err := env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
		AssignmentID: assignment.ID, Decision: domain.DecisionApproved, Actor: evaluatorA,
	})
	require.NoError(t, err)
	_, err = env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
		AssignmentID: assignment.ID, Decision: domain.DecisionRejected, Actor: evaluatorA,
	})
	var decided engine.AlreadyDecidedError
	require.ErrorAs(t, err, &decided)

	// The first vote stands untouched.
	got, err := env.Engine.Repo.GetAssignment(env.Ctx, assignment.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionApproved, *got.DecisionA)
	require.Nil(t, got.DecisionB)
}

func TestOutsiderCannotVote(t *testing.T) {
	env := newTestEnv(t)
	_, assignment := env.advanceToAssigned(t)

	outsider := engine.Actor{ID: "eva-9", Role: "evaluator"}
	_, err := env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
		AssignmentID: assignment.ID, Decision: domain.DecisionApproved, Actor: outsider,
	})
	var unauth engine.UnauthorizedError
	require.ErrorAs(t, err, &unauth)
}

func TestVoteAfterCompletionRejected(t *testing.T) {
	env := newTestEnv(t)
	_, assignment := env.advanceToAssigned(t)

	for _, actor := range []engine.Actor{evaluatorA, evaluatorB} {
		_, err := env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
			AssignmentID: assignment.ID, Decision: domain.DecisionApproved, Actor: actor,
		})
		require.NoError(t, err)
	}
	_, err := env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
		AssignmentID: assignment.ID, Decision: domain.DecisionRejected, Actor: evaluatorB,
	})
	var decided engine.AlreadyDecidedError
	require.ErrorAs(t, err, &decided)
}

func TestConcurrentVotesCompleteOnce(t *testing.T) {
	env := newTestEnv(t)
	project, assignment := env.advanceToAssigned(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []engine.Actor{evaluatorA, evaluatorB} {
		wg.Add(1)
		go func(i int, actor engine.Actor) {
			defer wg.Done()
			_, errs[i] = env.Engine.RecordDecision(env.Ctx, engine.RecordDecisionOptions{
				AssignmentID: assignment.ID, Decision: domain.DecisionApproved, Actor: actor,
			})
		}(i, actor)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got, err := env.Engine.Repo.GetAssignment(env.Ctx, assignment.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AssignmentCompleted, got.State)
	require.Equal(t, domain.DecisionApproved, *got.FinalDecision)

	proj, err := env.Engine.Repo.GetProject(env.Ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, string(phase.PreprojectAccepted), proj.Phase)

	// Exactly one of the two racing votes completed the consensus.
	require.Len(t, env.Notes.byType(notify.TypeConsensusReached), 1)
}
