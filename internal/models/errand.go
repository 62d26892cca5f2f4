package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/geo"
)

// MaxImages is the most images an errand may carry.
const MaxImages = 5

// Category tags what kind of help an errand asks for.
type Category string

const (
	CategoryDelivery Category = "delivery"
	CategoryShopping Category = "shopping"
	CategoryCleaning Category = "cleaning"
	CategoryMoving   Category = "moving"
	CategoryPetCare  Category = "pet_care"
	CategoryQueueing Category = "queueing"
	CategoryOther    Category = "other"
)

// Categories lists every accepted category.
var Categories = []Category{
	CategoryDelivery, CategoryShopping, CategoryCleaning, CategoryMoving,
	CategoryPetCare, CategoryQueueing, CategoryOther,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

// Location is a point plus the address shown to users.
type Location struct {
	geo.Point
	Address string `json:"address"`
}

// Reward is a positive amount in minor-free currency units (e.g. won).
type Reward struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// CompletionProof is what a performer submits when finishing an errand.
type CompletionProof struct {
	ImageRef    string    `json:"image_ref"`
	Message     string    `json:"message"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Errand represents a geographically anchored task with a reward
type Errand struct {
	ID          uuid.UUID  `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    Location   `json:"location"`
	Reward      Reward     `json:"reward"`
	RequestedBy uuid.UUID  `json:"requested_by"`
	AcceptedBy  *uuid.UUID `json:"accepted_by,omitempty"`
	Status      Status     `json:"status"`
	Category    Category   `json:"category"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Images      []string   `json:"images"`

	Proof         *CompletionProof `json:"proof,omitempty"`
	DisputeReason string           `json:"dispute_reason,omitempty"`
	CancelReason  string           `json:"cancel_reason,omitempty"`
	Resolution    string           `json:"resolution,omitempty"`

	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsPerformer reports whether user currently holds the errand.
func (e *Errand) IsPerformer(user uuid.UUID) bool {
	return e.AcceptedBy != nil && *e.AcceptedBy == user
}

// RolesOf returns the roles user holds on the errand. The nil user is the
// system.
func (e *Errand) RolesOf(user uuid.UUID) []Role {
	if user == uuid.Nil {
		return []Role{RoleSystem}
	}
	var roles []Role
	if e.RequestedBy == user {
		roles = append(roles, RoleRequester)
	}
	if e.IsPerformer(user) {
		roles = append(roles, RolePerformer)
	}
	return roles
}

// Performer returns acceptedBy or uuid.Nil.
func (e *Errand) Performer() uuid.UUID {
	if e.AcceptedBy == nil {
		return uuid.Nil
	}
	return *e.AcceptedBy
}

// CheckInvariants verifies the performer/status relationship.
func (e *Errand) CheckInvariants() error {
	if !e.Status.Valid() {
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.Status.HasPerformer() != (e.AcceptedBy != nil) {
		return fmt.Errorf("status %s with accepted_by=%v", e.Status, e.AcceptedBy)
	}
	if e.AcceptedBy != nil && *e.AcceptedBy == e.RequestedBy {
		return fmt.Errorf("requester %s cannot be the performer", e.RequestedBy)
	}
	return nil
}

// Snapshot captures the fields notifications refer to.
func (e *Errand) Snapshot() *ErrandSnapshot {
	return &ErrandSnapshot{ID: e.ID, Title: e.Title, Status: e.Status}
}

// Clone returns a deep copy so stores can hand out values without sharing state.
func (e *Errand) Clone() *Errand {
	c := *e
	if e.AcceptedBy != nil {
		id := *e.AcceptedBy
		c.AcceptedBy = &id
	}
	c.Deadline = cloneTime(e.Deadline)
	c.AcceptedAt = cloneTime(e.AcceptedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	if e.Proof != nil {
		p := *e.Proof
		c.Proof = &p
	}
	c.Images = slices.Clone(e.Images)
	if c.Images == nil {
		c.Images = []string{}
	}
	return &c
}

// NearbyErrand pairs an errand with its distance from the query center.
type NearbyErrand struct {
	*Errand
	DistanceMeters float64 `json:"distance_meters"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
