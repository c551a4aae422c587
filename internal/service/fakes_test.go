package service_test

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
	"github.com/pesio-ai/be-crm-deals/internal/repository"
)

// fakeState is the in-memory backing store shared by the per-interface
// fakes below. It mirrors the repository semantics the engine relies
// on: conditional closes, the single-pending invariant and the
// (step_number, escalation_level) ordering.
type fakeState struct {
	seq       int
	dealOrder []string
	deals     map[string]*repository.Deal
	workflows map[string]*repository.WorkflowDefinition
	records   []*repository.ApprovalRecord
	conflicts []*repository.DealConflict
	history   []*repository.AssignmentHistoryRecord

	assignErr  error
	historyErr error
	resolveErr error
}

func newFakeState() *fakeState {
	return &fakeState{
		deals:     make(map[string]*repository.Deal),
		workflows: make(map[string]*repository.WorkflowDefinition),
	}
}

func (s *fakeState) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// pendingRecord returns the lowest-ordered pending record for a deal.
func (s *fakeState) pendingRecord(dealID string) *repository.ApprovalRecord {
	var current *repository.ApprovalRecord
	for _, rec := range s.records {
		if rec.DealID != dealID || rec.Action != repository.RecordActionPending {
			continue
		}
		if current == nil ||
			rec.StepNumber < current.StepNumber ||
			(rec.StepNumber == current.StepNumber && rec.EscalationLevel < current.EscalationLevel) {
			current = rec
		}
	}
	return current
}

func (s *fakeState) addWorkflow(name string, steps ...repository.WorkflowStep) *repository.WorkflowDefinition {
	wf := &repository.WorkflowDefinition{
		ID:    s.nextID("wf"),
		Name:  name,
		Steps: steps,
	}
	s.workflows[wf.ID] = wf
	return wf
}

func (s *fakeState) addDeal(name, resellerID string) *repository.Deal {
	deal := &repository.Deal{
		ID:           s.nextID("deal"),
		DealName:     name,
		CustomerName: name + " customer",
		ResellerID:   resellerID,
		Status:       repository.DealStatusPending,
		Priority:     "medium",
		Currency:     "USD",
		CreatedAt:    time.Now(),
	}
	s.deals[deal.ID] = deal
	s.dealOrder = append(s.dealOrder, deal.ID)
	return deal
}

func (s *fakeState) addConflict(dealID string) *repository.DealConflict {
	c := &repository.DealConflict{
		ID:               s.nextID("conf"),
		DealID:           dealID,
		ResolutionStatus: repository.ConflictStatusPending,
		CreatedAt:        time.Now(),
	}
	s.conflicts = append(s.conflicts, c)
	return c
}

// ── DealStore fake ───────────────────────────────────────────────────────────

type fakeDeals struct{ s *fakeState }

func (f fakeDeals) Create(ctx context.Context, deal *repository.Deal) error {
	deal.ID = f.s.nextID("deal")
	deal.CreatedAt = time.Now()
	deal.UpdatedAt = deal.CreatedAt
	f.s.deals[deal.ID] = deal
	f.s.dealOrder = append(f.s.dealOrder, deal.ID)
	return nil
}

func (f fakeDeals) GetByID(ctx context.Context, id string) (*repository.Deal, error) {
	deal, ok := f.s.deals[id]
	if !ok {
		return nil, apperrors.NotFound("deal", id)
	}
	copied := *deal
	return &copied, nil
}

func (f fakeDeals) List(ctx context.Context, status, resellerID *string, limit, offset int) ([]*repository.Deal, int64, error) {
	var out []*repository.Deal
	for _, id := range f.s.dealOrder {
		deal := f.s.deals[id]
		if status != nil && string(deal.Status) != *status {
			continue
		}
		if resellerID != nil && deal.ResellerID != *resellerID {
			continue
		}
		copied := *deal
		out = append(out, &copied)
	}
	return out, int64(len(out)), nil
}

func (f fakeDeals) AttachWorkflow(ctx context.Context, dealID string, wf *repository.WorkflowDefinition) error {
	deal, ok := f.s.deals[dealID]
	if !ok || deal.Status.Terminal() {
		return apperrors.InvalidState("deal is terminal or does not exist")
	}
	if f.s.pendingRecord(dealID) != nil {
		return apperrors.InvalidState("deal already has an open approval step")
	}
	if len(wf.Steps) == 0 {
		return apperrors.InvalidInput("workflow_id", "workflow definition has no steps")
	}
	deal.WorkflowID = &wf.ID
	f.s.records = append(f.s.records, &repository.ApprovalRecord{
		ID:           f.s.nextID("rec"),
		DealID:       dealID,
		WorkflowID:   wf.ID,
		StepNumber:   wf.Steps[0].StepNumber,
		RequiredRole: wf.Steps[0].RequiredRole,
		Action:       repository.RecordActionPending,
	})
	return nil
}

func (f fakeDeals) Assign(ctx context.Context, dealID, resellerID string) (*repository.Deal, error) {
	if f.s.assignErr != nil {
		return nil, f.s.assignErr
	}
	deal, ok := f.s.deals[dealID]
	if !ok {
		return nil, apperrors.NotFound("deal", dealID)
	}
	now := time.Now()
	deal.AssignedResellerID = &resellerID
	deal.Status = repository.DealStatusAssigned
	deal.AssignmentDate = &now
	copied := *deal
	return &copied, nil
}

func (f fakeDeals) ListApprovalCandidates(ctx context.Context, roles []string) ([]*repository.Deal, error) {
	roleSet := make(map[string]bool, len(roles))
	for _, role := range roles {
		roleSet[role] = true
	}

	var out []*repository.Deal
	for _, id := range f.s.dealOrder {
		deal := f.s.deals[id]
		if deal.Status.Terminal() {
			continue
		}
		current := f.s.pendingRecord(id)
		if current == nil || !roleSet[current.RequiredRole] {
			continue
		}
		copied := *deal
		out = append(out, &copied)
	}
	return out, nil
}

// ── WorkflowStore fake ───────────────────────────────────────────────────────

type fakeWorkflows struct{ s *fakeState }

func (f fakeWorkflows) Create(ctx context.Context, wf *repository.WorkflowDefinition) error {
	wf.ID = f.s.nextID("wf")
	f.s.workflows[wf.ID] = wf
	return nil
}

func (f fakeWorkflows) GetByID(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	wf, ok := f.s.workflows[id]
	if !ok {
		return nil, apperrors.NotFound("workflow_definition", id)
	}
	return wf, nil
}

func (f fakeWorkflows) List(ctx context.Context) ([]*repository.WorkflowDefinition, error) {
	var out []*repository.WorkflowDefinition
	for _, wf := range f.s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ── LedgerStore fake ─────────────────────────────────────────────────────────

type fakeLedger struct{ s *fakeState }

func (f fakeLedger) GetCurrentStep(ctx context.Context, dealID string) (*repository.ApprovalRecord, error) {
	rec := f.s.pendingRecord(dealID)
	if rec == nil {
		return nil, apperrors.InvalidState("deal has no active approval step")
	}
	copied := *rec
	return &copied, nil
}

func (f fakeLedger) GetByDealID(ctx context.Context, dealID string) ([]*repository.ApprovalRecord, error) {
	var out []*repository.ApprovalRecord
	for _, rec := range f.s.records {
		if rec.DealID == dealID {
			copied := *rec
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepNumber != out[j].StepNumber {
			return out[i].StepNumber < out[j].StepNumber
		}
		return out[i].EscalationLevel < out[j].EscalationLevel
	})
	return out, nil
}

func (f fakeLedger) Apply(ctx context.Context, t repository.LedgerTransition) error {
	var target *repository.ApprovalRecord
	for _, rec := range f.s.records {
		if rec.ID == t.CloseRecordID {
			target = rec
			break
		}
	}
	if target == nil || target.Action != repository.RecordActionPending {
		return apperrors.InvalidState("approval step was already actioned")
	}

	target.Action = t.CloseAction
	target.ApproverID = &t.ApproverID
	if t.CloseAction == repository.RecordActionApproved {
		now := time.Now()
		target.ApprovedAt = &now
	}
	target.Comments = t.Comments

	if t.Open != nil {
		if f.s.pendingRecord(t.Open.DealID) != nil {
			return apperrors.InvalidState("deal already has an open approval step")
		}
		t.Open.ID = f.s.nextID("rec")
		t.Open.Action = repository.RecordActionPending
		f.s.records = append(f.s.records, t.Open)
	}

	if t.DealStatus != nil {
		deal, ok := f.s.deals[t.DealID]
		if !ok {
			return apperrors.NotFound("deal", t.DealID)
		}
		deal.Status = *t.DealStatus
	}
	return nil
}

// ── ConflictStore fake ───────────────────────────────────────────────────────

type fakeConflicts struct{ s *fakeState }

func (f fakeConflicts) GetByDealID(ctx context.Context, dealID string) ([]*repository.DealConflict, error) {
	var out []*repository.DealConflict
	for _, c := range f.s.conflicts {
		if c.DealID == dealID {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f fakeConflicts) ResolvePending(ctx context.Context, dealID, resolvedBy string) (int64, error) {
	if f.s.resolveErr != nil {
		return 0, f.s.resolveErr
	}
	var resolved int64
	now := time.Now()
	for _, c := range f.s.conflicts {
		if c.DealID == dealID && c.ResolutionStatus == repository.ConflictStatusPending {
			c.ResolutionStatus = repository.ConflictStatusResolved
			c.ResolvedBy = &resolvedBy
			c.ResolvedAt = &now
			resolved++
		}
	}
	return resolved, nil
}

// ── HistoryStore fake ────────────────────────────────────────────────────────

type fakeHistory struct{ s *fakeState }

func (f fakeHistory) Append(ctx context.Context, rec *repository.AssignmentHistoryRecord) error {
	if f.s.historyErr != nil {
		return f.s.historyErr
	}
	rec.ID = f.s.nextID("hist")
	rec.AssignedAt = time.Now()
	f.s.history = append(f.s.history, rec)
	return nil
}

func (f fakeHistory) GetByDealID(ctx context.Context, dealID string) ([]*repository.AssignmentHistoryRecord, error) {
	var out []*repository.AssignmentHistoryRecord
	for _, rec := range f.s.history {
		if rec.DealID == dealID {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out, nil
}

// ── Directory fake ───────────────────────────────────────────────────────────

type fakeDirectory struct {
	roles       map[string][]string
	usersByRole map[string][]string
	rolesErr    error
	usersErr    error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		roles:       make(map[string][]string),
		usersByRole: make(map[string][]string),
	}
}

func (f *fakeDirectory) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	if f.rolesErr != nil {
		return nil, f.rolesErr
	}
	roles, ok := f.roles[userID]
	if !ok {
		return nil, apperrors.NotFound("user", userID)
	}
	return roles, nil
}

func (f *fakeDirectory) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	if f.usersErr != nil {
		return nil, f.usersErr
	}
	return f.usersByRole[role], nil
}

// ── Publisher fake ───────────────────────────────────────────────────────────

type publishedEvent struct {
	EventType  string
	DealID     string
	ActorID    string
	Recipients []string
	Payload    map[string]any
}

type fakePublisher struct {
	events []publishedEvent
}

func (f *fakePublisher) PublishDealEvent(ctx context.Context, eventType, dealID, actorID string, recipients []string, payload map[string]any) {
	f.events = append(f.events, publishedEvent{
		EventType:  eventType,
		DealID:     dealID,
		ActorID:    actorID,
		Recipients: recipients,
		Payload:    payload,
	})
}

func (f *fakePublisher) eventTypes() []string {
	var out []string
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}
