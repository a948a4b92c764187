// Package catalog defines the work-item catalog connector interface and the
// WorkItem record fetched from the remote catalog. The concrete connector
// (Azure DevOps) talks to the catalog's REST API; the reconciler and triage
// layers never depend on a specific backend.
package catalog

import (
	"context"
	"time"
)

// ItemType enumerates the recognised work-item types.
type ItemType string

const (
	// TypeBug is a defect report.
	TypeBug ItemType = "Bug"
	// TypeUserStory is a requirement-like item.
	TypeUserStory ItemType = "User Story"
	// TypeTask is a unit of planned work.
	TypeTask ItemType = "Task"
	// TypeFeature groups related user stories.
	TypeFeature ItemType = "Feature"
	// TypeEpic groups related features.
	TypeEpic ItemType = "Epic"
)

// WorkItem is a single record from the remote catalog. It is read-only to
// the core: only the connector produces WorkItems.
type WorkItem struct {
	// ID is the stable, unique catalog identifier (numeric, as a string).
	ID string

	// Type is the work-item type (Bug, User Story, Task, Feature, Epic).
	Type ItemType

	// Title is the one-line summary.
	Title string

	// Description is the plain-text body with HTML markup stripped.
	Description string

	// State is the workflow state (New, Active, Resolved, Closed, ...).
	State string

	// Priority is the priority tier ("1".."4", empty if unset).
	Priority string

	// Severity is the severity label ("1 - Critical", ..., empty if unset).
	Severity string

	// Tags is the ordered tag list.
	Tags []string

	// AssignedTo is the display name of the assignee, empty if unassigned.
	AssignedTo string

	// AcceptanceCriteria is the plain-text acceptance criteria (stories).
	AcceptanceCriteria string

	// ReproSteps is the plain-text reproduction steps (bugs).
	ReproSteps string

	// Comments is the flattened discussion history.
	Comments string

	// Project is the catalog project the item belongs to.
	Project string

	// URL is the canonical browser URL for the item.
	URL string

	// Changed is the last-changed timestamp reported by the catalog.
	Changed time.Time
}

// Connector is the interface to the remote work-item catalog.
// Implementations must be safe to call from multiple goroutines.
type Connector interface {
	// ListAll fetches every work item in the project with full content.
	ListAll(ctx context.Context) ([]WorkItem, error)

	// ListChangedSince fetches items whose last-changed timestamp is at or
	// after ts. The catalog may return items changed exactly at ts more than
	// once across runs; callers dedupe via content checksums.
	ListChangedSince(ctx context.Context, ts time.Time) ([]WorkItem, error)

	// ListAllIDs returns the id set of every work item currently in the
	// project, without fetching content.
	ListAllIDs(ctx context.Context) (map[string]struct{}, error)
}
