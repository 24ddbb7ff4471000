package domain

import (
	"errors"
	"regexp"
	"time"
)

var (
	ErrInvalidTenant = errors.New("invalid tenant id")
	ErrInvalidAction = errors.New("invalid action")
	ErrInvalidWindow = errors.New("invalid time window")
	ErrNotFound      = errors.New("not found")
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9._:/-]+$`)

// Action is the closed set of audited verbs. Unknown verbs are rejected at
// the boundary rather than falling through to a permissive default.
type Action string

const (
	ActionCreate           Action = "create"
	ActionRead             Action = "read"
	ActionUpdate           Action = "update"
	ActionDelete           Action = "delete"
	ActionLogin            Action = "login"
	ActionLogout           Action = "logout"
	ActionExport           Action = "export"
	ActionImport           Action = "import"
	ActionAnnotate         Action = "annotate"
	ActionReview           Action = "review"
	ActionPermissionChange Action = "permission_change"
	ActionAuditRepair      Action = "audit_repair"
)

var actions = map[Action]struct{}{
	ActionCreate:           {},
	ActionRead:             {},
	ActionUpdate:           {},
	ActionDelete:           {},
	ActionLogin:            {},
	ActionLogout:           {},
	ActionExport:           {},
	ActionImport:           {},
	ActionAnnotate:         {},
	ActionReview:           {},
	ActionPermissionChange: {},
	ActionAuditRepair:      {},
}

func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := actions[a]; !ok {
		return "", ErrInvalidAction
	}
	return a, nil
}

// Origin carries advisory caller metadata. It participates in hashing but is
// never used for authorization decisions.
type Origin struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AuditRecord is an immutable fact about one user or system action. It is
// created exactly once and never mutated afterwards, except to attach or
// repair its Envelope.
type AuditRecord struct {
	ID           string
	TenantID     string
	Actor        string // empty for system-originated events
	Action       Action
	ResourceType string
	ResourceID   string
	Origin       Origin
	Payload      map[string]any
	Timestamp    time.Time
}

func (r AuditRecord) Validate() error {
	if err := ValidateTenant(r.TenantID); err != nil {
		return err
	}
	if _, err := ParseAction(string(r.Action)); err != nil {
		return err
	}
	if r.ResourceType == "" {
		return errors.New("resource type required")
	}
	return nil
}

func ValidateTenant(tenantID string) error {
	if tenantID == "" || !keyPattern.MatchString(tenantID) {
		return ErrInvalidTenant
	}
	return nil
}

// TimeWindow bounds a tenant-scoped query. A zero From or To leaves that side
// unbounded.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

func (w TimeWindow) Validate() error {
	if !w.From.IsZero() && !w.To.IsZero() && w.To.Before(w.From) {
		return ErrInvalidWindow
	}
	return nil
}

func (w TimeWindow) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}
