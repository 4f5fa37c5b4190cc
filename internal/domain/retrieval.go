package domain

import "time"

// Retrieval is a user's persisted selection of access methods across one or more collections.
type Retrieval struct {
	ID        int64
	UserID    string
	Project   Project
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnedBy reports whether the retrieval belongs to the supplied user id.
func (r Retrieval) OwnedBy(userID string) bool {
	return r.UserID != "" && r.UserID == userID
}

// Project is the ordered set of collection selections captured by a retrieval.
type Project struct {
	Collections []CollectionSelection `json:"collections"`
	Source      string                `json:"source,omitempty"`
}

// CollectionSelection records the access methods chosen for a single collection.
type CollectionSelection struct {
	ID             string         `json:"id"`
	Params         string         `json:"params,omitempty"`
	ServiceOptions ServiceOptions `json:"serviceOptions"`
}

// ServiceOptions holds the chosen access methods in the order the user selected them.
type ServiceOptions struct {
	AccessMethod []AccessMethod `json:"accessMethod"`
}

// Methods returns pointers to every access method of the given type across all collections,
// preserving project order.
func (p *Project) Methods(kind AccessMethodType) []*AccessMethod {
	var out []*AccessMethod
	for i := range p.Collections {
		methods := p.Collections[i].ServiceOptions.AccessMethod
		for j := range methods {
			if methods[j].Type == kind {
				out = append(out, &methods[j])
			}
		}
	}
	return out
}

// MergeStatuses copies the provider-derived status fields of refreshed onto p. Provider ids
// in p are never touched, and a method whose ids differ from the refreshed copy keeps its
// stored status, since it was changed by another writer after the refresh started.
func (p *Project) MergeStatuses(refreshed Project) {
	for ci := range p.Collections {
		if ci >= len(refreshed.Collections) || refreshed.Collections[ci].ID != p.Collections[ci].ID {
			continue
		}
		stored := p.Collections[ci].ServiceOptions.AccessMethod
		fresh := refreshed.Collections[ci].ServiceOptions.AccessMethod
		for mi := range stored {
			if mi >= len(fresh) || fresh[mi].Type != stored[mi].Type {
				continue
			}
			switch stored[mi].Type {
			case AccessMethodOrder:
				mergeOrderStatus(stored[mi].Order, fresh[mi].Order)
			case AccessMethodService:
				mergeServiceStatus(stored[mi].Service, fresh[mi].Service)
			}
		}
	}
}

func mergeOrderStatus(stored, fresh *OrderMethod) {
	if stored == nil || fresh == nil || !sameOrderID(stored.OrderID, fresh.OrderID) {
		return
	}
	stored.Status = fresh.Status
}

func mergeServiceStatus(stored, fresh *ServiceMethod) {
	if stored == nil || fresh == nil || stored.OrderID != fresh.OrderID || stored.CollectionID != fresh.CollectionID {
		return
	}
	stored.Status = fresh.Status
	stored.NumberProcessed = fresh.NumberProcessed
	stored.TotalNumber = fresh.TotalNumber
	stored.DownloadURLs = fresh.DownloadURLs
	stored.ErrorCode = fresh.ErrorCode
	stored.ErrorMessage = fresh.ErrorMessage
}

func sameOrderID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Retrieval order statuses produced locally rather than echoed from a provider.
const (
	OrderStatusSubmitting = "submitting"
	OrderStatusCreating   = "creating"
	OrderStatusFailed     = "failed"
)

// UnknownProviderError is reported when a failed service response carries no exception detail.
const UnknownProviderError = "Unknown"

// RetrievalJob is the asynchronous work item handed to the retrieval worker.
type RetrievalJob struct {
	JobID       string
	RetrievalID int64
	Token       string
	Environment string
	BaseURL     string
	QueuedAt    time.Time
}
