package agreement

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/event"
	"escrowflow/money"
)

// Status is the lifecycle state of a commission agreement.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusCanceled  Status = "canceled"
)

// PartyRole identifies what a party does in the agreement.
type PartyRole string

const (
	RoleSeller  PartyRole = "seller"
	RoleBuyer   PartyRole = "buyer"
	RoleBroker  PartyRole = "broker"
	RoleAgent   PartyRole = "agent"
	RoleWitness PartyRole = "witness"
)

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneOverdue   MilestoneStatus = "overdue"
)

// Outbox topics emitted by this package.
const (
	TopicAgreementActivated = "agreement.activated"
	TopicAgreementCompleted = "agreement.completed"
	TopicAgreementCanceled  = "agreement.canceled"
	TopicAgreementDisputed  = "agreement.disputed"
	TopicMilestoneCreated   = "milestone.created"
	TopicMilestoneCompleted = "milestone.completed"
	TopicMilestoneOverdue   = "milestone.overdue"
)

// Agreement is the commission agreement aggregate root. Mutations go through
// methods which uphold the structural invariants and accumulate pending
// events; Version backs the optimistic-concurrency check on save.
type Agreement struct {
	ID              string
	OwnerUserID     string
	Title           string
	Description     *string
	Terms           *string
	TotalValue      money.Money
	Status          Status
	EscrowAccountID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ActivatedAt     *time.Time
	CompletedAt     *time.Time
	CanceledAt      *time.Time
	Parties         []Party
	Milestones      []Milestone
	Version         int64

	pending []event.Event
}

// Party is one beneficiary of the agreement, owned by its parent.
type Party struct {
	ID              string
	ContactID       *string
	CompanyID       *string
	Name            string
	Email           *string
	SplitPercentage decimal.Decimal
	Role            PartyRole
	PayoutAccountID *string
	HasAccepted     bool
	AcceptedAt      *time.Time
}

// Milestone is a partial deliverable tied to a portion of the total value.
type Milestone struct {
	ID                          string
	AgreementID                 string
	Description                 string
	Value                       money.Money
	DueDate                     time.Time
	Status                      MilestoneStatus
	CreatedAt                   time.Time
	CompletedAt                 *time.Time
	CompletionNotes             *string
	ReleasedPayoutTransactionID *string
}

// Events returns the pending domain events accumulated by mutations.
func (a *Agreement) Events() []event.Event {
	return a.pending
}

// ClearEvents drops pending events after they have been enqueued.
func (a *Agreement) ClearEvents() {
	a.pending = nil
}

func (a *Agreement) record(topic string, payload map[string]any) {
	a.pending = append(a.pending, event.New(topic, payload))
}
