package phase_test

import (
	"errors"
	"testing"

	"thesisline/internal/domain"
	"thesisline/internal/phase"
)

func TestEvaluateFormDecisions(t *testing.T) {
	m := phase.Machine{}
	cases := []struct {
		from     phase.Phase
		decision string
		want     phase.Phase
	}{
		{phase.FormSubmitted, domain.DecisionApproved, phase.FormAccepted},
		{phase.FormInReview, domain.DecisionApproved, phase.FormAccepted},
		{phase.FormInReview, domain.DecisionNeedsCorrection, phase.FormNeedsCorrection},
		{phase.FormInReview, domain.DecisionRejected, phase.FormRejected},
	}
	for _, c := range cases {
		got, err := m.EvaluateForm(c.from, 0, c.decision)
		if err != nil {
			t.Fatalf("EvaluateForm(%s, %s): %v", c.from, c.decision, err)
		}
		if got.Phase != c.want {
			t.Fatalf("EvaluateForm(%s, %s) = %s, want %s", c.from, c.decision, got.Phase, c.want)
		}
	}
}

func TestEvaluateFormIllegalPhases(t *testing.T) {
	m := phase.Machine{}
	for _, p := range phase.All {
		if p == phase.FormSubmitted || p == phase.FormInReview {
			continue
		}
		_, err := m.EvaluateForm(p, 0, domain.DecisionApproved)
		var ite phase.IllegalTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("EvaluateForm from %s: expected illegal transition, got %v", p, err)
		}
	}
}

func TestThirdRejectionCancels(t *testing.T) {
	m := phase.Machine{}
	attempts := 0
	p := phase.FormSubmitted
	for i := 0; i < 2; i++ {
		res, err := m.EvaluateForm(p, attempts, domain.DecisionRejected)
		if err != nil {
			t.Fatalf("rejection %d: %v", i+1, err)
		}
		if res.Phase != phase.FormRejected || res.Cancelled {
			t.Fatalf("rejection %d: got %s cancelled=%v", i+1, res.Phase, res.Cancelled)
		}
		attempts = res.Attempts
		p, err = m.ResubmitForm(res.Phase, attempts)
		if err != nil {
			t.Fatalf("resubmit after rejection %d: %v", i+1, err)
		}
	}
	res, err := m.EvaluateForm(p, attempts, domain.DecisionRejected)
	if err != nil {
		t.Fatalf("third rejection: %v", err)
	}
	if res.Phase != phase.Cancelled || !res.Cancelled || res.Attempts != 3 {
		t.Fatalf("third rejection: got %s cancelled=%v attempts=%d", res.Phase, res.Cancelled, res.Attempts)
	}
	// fourth submission attempt fails on the terminal phase
	if _, err := m.ResubmitForm(res.Phase, res.Attempts); err == nil {
		t.Fatal("expected illegal transition resubmitting from CANCELLED")
	}
}

func TestResubmitFormAttemptLimit(t *testing.T) {
	m := phase.Machine{MaxFormAttempts: 3}
	if _, err := m.ResubmitForm(phase.FormRejected, 3); err == nil {
		t.Fatal("expected attempt limit error")
	} else {
		var ale phase.AttemptLimitError
		if !errors.As(err, &ale) {
			t.Fatalf("expected AttemptLimitError, got %v", err)
		}
	}
	if m.CanResubmitForm(phase.FormRejected, 3) {
		t.Fatal("CanResubmitForm should be false at the limit")
	}
	if !m.CanResubmitForm(phase.FormRejected, 2) {
		t.Fatal("CanResubmitForm should be true under the limit")
	}
}

func TestNeedsCorrectionAllowsOneResubmission(t *testing.T) {
	m := phase.Machine{}
	p, err := m.ResubmitForm(phase.FormNeedsCorrection, 0)
	if err != nil || p != phase.FormInReview {
		t.Fatalf("resubmit from needs-correction: %s %v", p, err)
	}
	// once back in review, a further resubmission is illegal
	if _, err := m.ResubmitForm(p, 0); err == nil {
		t.Fatal("expected illegal transition resubmitting from FORM_IN_REVIEW")
	}
}

func TestProposalPath(t *testing.T) {
	m := phase.Machine{}
	p, err := m.SubmitProposal(phase.FormAccepted)
	if err != nil || p != phase.PreprojectSubmitted {
		t.Fatalf("submit proposal: %s %v", p, err)
	}
	p, err = m.AssignEvaluators(p)
	if err != nil || p != phase.PreprojectAssigned {
		t.Fatalf("assign evaluators: %s %v", p, err)
	}
	p, err = m.StartProposalReview(p)
	if err != nil || p != phase.PreprojectInReview {
		t.Fatalf("start review: %s %v", p, err)
	}
	// second voter: already in review, no-op transition
	p, err = m.StartProposalReview(p)
	if err != nil || p != phase.PreprojectInReview {
		t.Fatalf("start review again: %s %v", p, err)
	}
	accepted, err := m.EvaluateProposal(p, domain.DecisionApproved)
	if err != nil || accepted != phase.PreprojectAccepted {
		t.Fatalf("evaluate approved: %s %v", accepted, err)
	}
	rejected, err := m.EvaluateProposal(p, domain.DecisionRejected)
	if err != nil || rejected != phase.PreprojectRejected {
		t.Fatalf("evaluate rejected: %s %v", rejected, err)
	}
	done, err := m.Finalize(accepted)
	if err != nil || done != phase.Finalized {
		t.Fatalf("finalize: %s %v", done, err)
	}
}

func TestSubmitProposalOnlyFromFormAccepted(t *testing.T) {
	m := phase.Machine{}
	for _, p := range phase.All {
		can := m.CanSubmitProposal(p)
		if (p == phase.FormAccepted) != can {
			t.Fatalf("CanSubmitProposal(%s) = %v", p, can)
		}
	}
}

func TestTerminalPhasesRefuseEverything(t *testing.T) {
	m := phase.Machine{}
	for _, p := range []phase.Phase{phase.Cancelled, phase.Finalized} {
		if !phase.Terminal(p) {
			t.Fatalf("%s should be terminal", p)
		}
		if _, err := m.EvaluateForm(p, 0, domain.DecisionApproved); err == nil {
			t.Fatalf("EvaluateForm legal from %s", p)
		}
		if _, err := m.ResubmitForm(p, 0); err == nil {
			t.Fatalf("ResubmitForm legal from %s", p)
		}
		if _, err := m.SubmitProposal(p); err == nil {
			t.Fatalf("SubmitProposal legal from %s", p)
		}
		if _, err := m.AssignEvaluators(p); err == nil {
			t.Fatalf("AssignEvaluators legal from %s", p)
		}
		if _, err := m.EvaluateProposal(p, domain.DecisionApproved); err == nil {
			t.Fatalf("EvaluateProposal legal from %s", p)
		}
		if _, err := m.Finalize(p); err == nil {
			t.Fatalf("Finalize legal from %s", p)
		}
	}
}
