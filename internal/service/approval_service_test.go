package service_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
	"github.com/pesio-ai/be-crm-deals/internal/repository"
	"github.com/pesio-ai/be-crm-deals/internal/service"
)

type approvalFixture struct {
	state     *fakeState
	directory *fakeDirectory
	publisher *fakePublisher
	svc       *service.ApprovalService
}

func newApprovalFixture(t *testing.T) *approvalFixture {
	t.Helper()
	state := newFakeState()
	directory := newFakeDirectory()
	publisher := &fakePublisher{}
	svc := service.NewApprovalService(
		fakeDeals{state},
		fakeWorkflows{state},
		fakeLedger{state},
		directory,
		publisher,
		zerolog.Nop(),
	)
	return &approvalFixture{state: state, directory: directory, publisher: publisher, svc: svc}
}

// submitDeal seeds a deal attached to the given workflow at step 1.
func (fx *approvalFixture) submitDeal(t *testing.T, name string, wf *repository.WorkflowDefinition) *repository.Deal {
	t.Helper()
	deal := fx.state.addDeal(name, "reseller-1")
	require.NoError(t, fakeDeals{fx.state}.AttachWorkflow(context.Background(), deal.ID, wf))
	return deal
}

func twoStepWorkflow(state *fakeState) *repository.WorkflowDefinition {
	return state.addWorkflow("standard-two-step",
		repository.WorkflowStep{StepNumber: 1, RequiredRole: "manager"},
		repository.WorkflowStep{StepNumber: 2, RequiredRole: "director"},
	)
}

func TestProcessApprovalAction_FullWalkToApproved(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	wf := twoStepWorkflow(fx.state)
	deal := fx.submitDeal(t, "acme-renewal", wf)

	fx.directory.roles["mgr-1"] = []string{"manager"}
	fx.directory.roles["dir-1"] = []string{"director"}
	fx.directory.usersByRole["director"] = []string{"dir-1"}

	res, err := fx.svc.ProcessApprovalAction(ctx, deal.ID, "mgr-1", service.Approve(), nil)
	require.NoError(t, err)
	require.Equal(t, service.OutcomeAdvanced, res.Outcome)
	require.NotNil(t, res.Closed.ApprovedAt)
	require.NotNil(t, res.NextStep)
	require.Equal(t, 2, res.NextStep.StepNumber)
	require.Equal(t, "director", res.NextStep.RequiredRole)
	require.Equal(t, []string{"dir-1"}, res.NextStep.EligibleApprovers)
	require.Equal(t, repository.DealStatusPending, fx.state.deals[deal.ID].Status)

	res, err = fx.svc.ProcessApprovalAction(ctx, deal.ID, "dir-1", service.Approve(), nil)
	require.NoError(t, err)
	require.Equal(t, service.OutcomeApproved, res.Outcome)
	require.Nil(t, res.NextStep)
	require.Equal(t, repository.DealStatusApproved, res.Deal.Status)
	require.Equal(t, repository.DealStatusApproved, fx.state.deals[deal.ID].Status)

	ledger, err := fakeLedger{fx.state}.GetByDealID(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	for _, rec := range ledger {
		require.Equal(t, repository.RecordActionApproved, rec.Action)
		require.NotNil(t, rec.ApproverID)
		require.NotNil(t, rec.ApprovedAt)
	}
	require.Nil(t, fx.state.pendingRecord(deal.ID))

	require.Equal(t, []string{"deal_approval_required", "deal_approved"}, fx.publisher.eventTypes())
}

func TestProcessApprovalAction_RejectIsTerminal(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	deal := fx.submitDeal(t, "acme-renewal", twoStepWorkflow(fx.state))
	fx.directory.roles["mgr-1"] = []string{"manager"}

	comments := "pricing out of policy"
	res, err := fx.svc.ProcessApprovalAction(ctx, deal.ID, "mgr-1", service.Reject(), &comments)
	require.NoError(t, err)
	require.Equal(t, service.OutcomeRejected, res.Outcome)
	require.Nil(t, res.NextStep)
	require.Equal(t, repository.DealStatusRejected, fx.state.deals[deal.ID].Status)

	// No step 2 was ever opened, and a rejected record carries no
	// approval timestamp.
	ledger, err := fakeLedger{fx.state}.GetByDealID(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, repository.RecordActionRejected, ledger[0].Action)
	require.Nil(t, ledger[0].ApprovedAt)

	// The terminal deal admits no further actions.
	_, err = fx.svc.ProcessApprovalAction(ctx, deal.ID, "mgr-1", service.Approve(), nil)
	require.True(t, apperrors.HasCode(err, apperrors.CodeInvalidState))

	require.Equal(t, []string{"deal_rejected"}, fx.publisher.eventTypes())
	require.Equal(t, "pricing out of policy", fx.publisher.events[0].Payload["reason"])
}

func TestProcessApprovalAction_RoleMismatchLeavesLedgerUntouched(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	deal := fx.submitDeal(t, "acme-renewal", twoStepWorkflow(fx.state))
	fx.directory.roles["dir-1"] = []string{"director"} // step 1 needs manager

	_, err := fx.svc.ProcessApprovalAction(ctx, deal.ID, "dir-1", service.Approve(), nil)
	require.True(t, apperrors.HasCode(err, apperrors.CodePermissionDenied))

	require.Equal(t, repository.DealStatusPending, fx.state.deals[deal.ID].Status)
	ledger, err := fakeLedger{fx.state}.GetByDealID(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, repository.RecordActionPending, ledger[0].Action)
	require.Empty(t, fx.publisher.events)
}

func TestProcessApprovalAction_FailurePreconditions(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	fx.directory.roles["mgr-1"] = []string{"manager"}

	// Unknown deal.
	_, err := fx.svc.ProcessApprovalAction(ctx, "no-such-deal", "mgr-1", service.Approve(), nil)
	require.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	// Deal without an open step.
	deal := fx.state.addDeal("unsubmitted", "reseller-1")
	_, err = fx.svc.ProcessApprovalAction(ctx, deal.ID, "mgr-1", service.Approve(), nil)
	require.True(t, apperrors.HasCode(err, apperrors.CodeInvalidState))

	// Escalation without a target role.
	submitted := fx.submitDeal(t, "submitted", twoStepWorkflow(fx.state))
	_, err = fx.svc.ProcessApprovalAction(ctx, submitted.ID, "mgr-1", service.Escalate(""), nil)
	require.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))

	// Missing approver.
	_, err = fx.svc.ProcessApprovalAction(ctx, submitted.ID, "", service.Approve(), nil)
	require.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
}

func TestEscalationRoundTripResumesSequence(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	deal := fx.submitDeal(t, "acme-renewal", twoStepWorkflow(fx.state))
	fx.directory.roles["mgr-1"] = []string{"manager"}
	fx.directory.roles["vp-1"] = []string{"vp_sales"}
	fx.directory.roles["dir-1"] = []string{"director"}

	// Escalate step 1 to vp_sales.
	res, err := fx.svc.ProcessApprovalAction(ctx, deal.ID, "mgr-1", service.Escalate("vp_sales"), nil)
	require.NoError(t, err)
	require.Equal(t, service.OutcomeEscalated, res.Outcome)
	require.Equal(t, 1, res.NextStep.StepNumber)
	require.Equal(t, 1, res.NextStep.EscalationLevel)
	require.Equal(t, "vp_sales", res.NextStep.RequiredRole)

	// Approving the escalation resumes at step 2, as if no detour happened.
	res, err = fx.svc.ProcessApprovalAction(ctx, deal.ID, "vp-1", service.Approve(), nil)
	require.NoError(t, err)
	require.Equal(t, service.OutcomeAdvanced, res.Outcome)
	require.Equal(t, 2, res.NextStep.StepNumber)
	require.Equal(t, 0, res.NextStep.EscalationLevel)
	require.Equal(t, "director", res.NextStep.RequiredRole)

	// Finishing the regular sequence approves the deal.
	res, err = fx.svc.ProcessApprovalAction(ctx, deal.ID, "dir-1", service.Approve(), nil)
	require.NoError(t, err)
	require.Equal(t, service.OutcomeApproved, res.Outcome)
	require.Equal(t, repository.DealStatusApproved, fx.state.deals[deal.ID].Status)

	ledger, err := fakeLedger{fx.state}.GetByDealID(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 3)
	require.Equal(t, repository.RecordActionEscalated, ledger[0].Action)
	require.Nil(t, ledger[0].ApprovedAt)
	require.Equal(t, repository.RecordActionApproved, ledger[1].Action)
	require.Equal(t, 1, ledger[1].EscalationLevel)
	require.Equal(t, repository.RecordActionApproved, ledger[2].Action)
	require.Equal(t, 2, ledger[2].StepNumber)
}

func TestChainedEscalationKeepsTotalOrder(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	deal := fx.submitDeal(t, "acme-renewal", twoStepWorkflow(fx.state))
	fx.directory.roles["mgr-1"] = []string{"manager"}
	fx.directory.roles["vp-1"] = []string{"vp_sales"}
	fx.directory.roles["cro-1"] = []string{"cro"}

	_, err := fx.svc.ProcessApprovalAction(ctx, deal.ID, "mgr-1", service.Escalate("vp_sales"), nil)
	require.NoError(t, err)

	// The escalated approver escalates again: same step, level 2.
	res, err := fx.svc.ProcessApprovalAction(ctx, deal.ID, "vp-1", service.Escalate("cro"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.NextStep.StepNumber)
	require.Equal(t, 2, res.NextStep.EscalationLevel)
	require.Equal(t, "cro", res.NextStep.RequiredRole)

	// Approving the level-2 detour still resumes at step 2.
	res, err = fx.svc.ProcessApprovalAction(ctx, deal.ID, "cro-1", service.Approve(), nil)
	require.NoError(t, err)
	require.Equal(t, service.OutcomeAdvanced, res.Outcome)
	require.Equal(t, 2, res.NextStep.StepNumber)
	require.Equal(t, 0, res.NextStep.EscalationLevel)
}

func TestProcessApprovalAction_EscalationTargetGatesEligibility(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	deal := fx.submitDeal(t, "acme-renewal", twoStepWorkflow(fx.state))
	fx.directory.roles["mgr-1"] = []string{"manager"}

	_, err := fx.svc.ProcessApprovalAction(ctx, deal.ID, "mgr-1", service.Escalate("vp_sales"), nil)
	require.NoError(t, err)

	// The original manager cannot act on the escalation detour.
	_, err = fx.svc.ProcessApprovalAction(ctx, deal.ID, "mgr-1", service.Approve(), nil)
	require.True(t, apperrors.HasCode(err, apperrors.CodePermissionDenied))
}

func TestBulkApprove_PartialFailureIsolation(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	oneStep := fx.state.addWorkflow("single-step",
		repository.WorkflowStep{StepNumber: 1, RequiredRole: "manager"})
	directorOnly := fx.state.addWorkflow("director-step",
		repository.WorkflowStep{StepNumber: 1, RequiredRole: "director"})

	eligible1 := fx.submitDeal(t, "eligible-1", oneStep)
	eligible2 := fx.submitDeal(t, "eligible-2", oneStep)
	ineligible := fx.submitDeal(t, "wrong-role", directorOnly)

	fx.directory.roles["mgr-1"] = []string{"manager"}

	ids := []string{eligible1.ID, "missing-deal", eligible2.ID, ineligible.ID}
	res, err := fx.svc.BulkApprove(ctx, ids, "mgr-1", nil)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 2, res.Processed)
	require.Len(t, res.Errors, 2)

	require.Equal(t, "missing-deal", res.Errors[0].DealID)
	require.Equal(t, apperrors.CodeNotFound, res.Errors[0].Code)
	require.Contains(t, res.Errors[0].Message, "missing-deal")
	require.Equal(t, ineligible.ID, res.Errors[1].DealID)
	require.Equal(t, apperrors.CodePermissionDenied, res.Errors[1].Code)
	require.Contains(t, res.Errors[1].Message, ineligible.ID)

	require.Equal(t, repository.DealStatusApproved, fx.state.deals[eligible1.ID].Status)
	require.Equal(t, repository.DealStatusApproved, fx.state.deals[eligible2.ID].Status)
	require.Equal(t, repository.DealStatusPending, fx.state.deals[ineligible.ID].Status)
}

func TestBulkApprove_RerunOnlyReattemptsLeftovers(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	oneStep := fx.state.addWorkflow("single-step",
		repository.WorkflowStep{StepNumber: 1, RequiredRole: "manager"})
	dealA := fx.submitDeal(t, "a", oneStep)
	dealB := fx.state.addDeal("b-unsubmitted", "reseller-1")

	fx.directory.roles["mgr-1"] = []string{"manager"}

	ids := []string{dealA.ID, dealB.ID}
	first, err := fx.svc.BulkApprove(ctx, ids, "mgr-1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, first.Processed)
	require.Len(t, first.Errors, 1)

	// Second run: the already-approved deal surfaces as an error entry,
	// not a second transition; the ledger does not grow.
	before, err := fakeLedger{fx.state}.GetByDealID(ctx, dealA.ID)
	require.NoError(t, err)

	second, err := fx.svc.BulkApprove(ctx, ids, "mgr-1", nil)
	require.NoError(t, err)
	require.Equal(t, 0, second.Processed)
	require.Len(t, second.Errors, 2)
	require.Equal(t, apperrors.CodeInvalidState, second.Errors[0].Code)

	after, err := fakeLedger{fx.state}.GetByDealID(ctx, dealA.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
}

func TestBulkApprove_InputValidation(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	_, err := fx.svc.BulkApprove(ctx, nil, "mgr-1", nil)
	require.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))

	_, err = fx.svc.BulkApprove(ctx, []string{"deal-1"}, "", nil)
	require.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
}

func TestGetBulkApprovalCandidates(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	wf := twoStepWorkflow(fx.state)
	atManager := fx.submitDeal(t, "at-manager", wf)
	atDirector := fx.submitDeal(t, "at-director", wf)

	fx.directory.roles["mgr-1"] = []string{"manager"}
	fx.directory.roles["dir-1"] = []string{"director"}
	fx.directory.roles["intern"] = []string{}

	// Move the second deal to its director step.
	_, err := fx.svc.ProcessApprovalAction(ctx, atDirector.ID, "mgr-1", service.Approve(), nil)
	require.NoError(t, err)

	candidates, err := fx.svc.GetBulkApprovalCandidates(ctx, "mgr-1")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, atManager.ID, candidates[0].ID)

	candidates, err = fx.svc.GetBulkApprovalCandidates(ctx, "dir-1")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, atDirector.ID, candidates[0].ID)

	candidates, err = fx.svc.GetBulkApprovalCandidates(ctx, "intern")
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestProcessApprovalAction_DirectoryFailureDegradesNextStepOnly(t *testing.T) {
	fx := newApprovalFixture(t)
	ctx := context.Background()

	deal := fx.submitDeal(t, "acme-renewal", twoStepWorkflow(fx.state))
	fx.directory.roles["mgr-1"] = []string{"manager"}
	fx.directory.usersErr = apperrors.New(apperrors.CodeInternal, "directory unavailable")

	// Approver resolution for the next step is best-effort.
	res, err := fx.svc.ProcessApprovalAction(ctx, deal.ID, "mgr-1", service.Approve(), nil)
	require.NoError(t, err)
	require.Equal(t, service.OutcomeAdvanced, res.Outcome)
	require.Empty(t, res.NextStep.EligibleApprovers)
}
