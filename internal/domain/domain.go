package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a decision record.
type Status string

const (
	StatusProposed     Status = "proposed"
	StatusAccepted     Status = "accepted"
	StatusRejected     Status = "rejected"
	StatusDeprecated   Status = "deprecated"
	StatusSuperseded   Status = "superseded"
	StatusHypothesized Status = "hypothesized"
	StatusConfirmed    Status = "confirmed"
)

// Statuses lists every recognized status in display order.
var Statuses = []Status{
	StatusProposed,
	StatusAccepted,
	StatusRejected,
	StatusDeprecated,
	StatusSuperseded,
	StatusHypothesized,
	StatusConfirmed,
}

// ParseStatus returns the Status for s or an error when s is not recognized.
func ParseStatus(s string) (Status, error) {
	v := Status(strings.ToLower(strings.TrimSpace(s)))
	if v.Valid() {
		return v, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

const (
	// InitialReason is recorded on the first status history entry.
	InitialReason = "Initial creation"
	// PatchReason is recorded when status changes through a field patch.
	PatchReason = "Status updated"
)

type Option struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Pros        []string `json:"pros"`
	Cons        []string `json:"cons"`
}

type CodeReference struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Snippet     string `json:"snippet,omitempty"`
	Description string `json:"description"`
}

// StatusChange is one entry of a decision's append-only audit trail.
// From is empty for the entry written at creation.
type StatusChange struct {
	ID     string    `json:"id"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Date   time.Time `json:"date" format:"date-time"`
	Reason string    `json:"reason"`
}

type DecisionRecord struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Status         Status          `json:"status"`
	Problem        string          `json:"problem"`
	Context        string          `json:"context"`
	Decision       string          `json:"decision"`
	Outcome        string          `json:"outcome"`
	Options        []Option        `json:"options"`
	Tags           []string        `json:"tags"`
	RelatedADRs    []string        `json:"related_adrs"`
	CodeReferences []CodeReference `json:"code_references"`
	ProjectID      *string         `json:"project_id,omitempty"`
	StatusHistory  []StatusChange  `json:"status_history"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time       `json:"updated_at" format:"date-time"`
}

// LastStatusChange returns the most recent history entry, if any.
func (d DecisionRecord) LastStatusChange() (StatusChange, bool) {
	if len(d.StatusHistory) == 0 {
		return StatusChange{}, false
	}
	return d.StatusHistory[len(d.StatusHistory)-1], true
}

// Insight is a lightweight note that may later be promoted into a decision record.
type Insight struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Content        string          `json:"content"`
	Tags           []string        `json:"tags"`
	CodeReferences []CodeReference `json:"code_references"`
	ADRID          *string         `json:"adr_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at" format:"date-time"`
}

// Converted reports whether the insight has been linked to a decision record.
func (i Insight) Converted() bool {
	return i.ADRID != nil && *i.ADRID != ""
}

type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	RepositoryURL *string   `json:"repository_url,omitempty"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates HTTP clients as ActorID. Only the hash of the secret is stored.
type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// Knowledge map node and link kinds.
const (
	NodeADR  = "adr"
	NodeTag  = "tag"
	NodeCode = "code"

	LinkRelated = "related"
	LinkTag     = "tag"
	LinkCode    = "code"
)

type MapNode struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Kind   string `json:"kind" enum:"adr,tag,code"`
	Status Status `json:"status,omitempty"`
}

type MapLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"kind" enum:"related,tag,code"`
}

// KnowledgeMap is a node/link projection of decision records ready for a
// force-directed layout.
type KnowledgeMap struct {
	Nodes    []MapNode `json:"nodes"`
	Links    []MapLink `json:"links"`
	Dangling int       `json:"dangling"`
}

type Activity struct {
	Kind      string    `json:"kind" enum:"decision,insight"`
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

type Stats struct {
	TotalDecisions    int            `json:"total_decisions"`
	ByStatus          map[Status]int `json:"by_status"`
	CreatedThisMonth  int            `json:"created_this_month"`
	TotalInsights     int            `json:"total_insights"`
	ConvertedInsights int            `json:"converted_insights"`
	RecentActivity    []Activity     `json:"recent_activity"`
	CommonTags        []TagCount     `json:"common_tags"`
}

// RelatedDecisions is the lazy resolution of a record's related ids.
type RelatedDecisions struct {
	Found   []DecisionRecord `json:"found"`
	Missing []string         `json:"missing"`
}
