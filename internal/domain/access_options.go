package domain

import "net/http"

// GranuleSummary is the subset of a catalog granule entry consumed by access resolution.
type GranuleSummary struct {
	ID            string
	OnlineAccess  bool
	SizeMegabytes float64
}

// GranulePage is one page of a granule catalog search.
type GranulePage struct {
	Granules []GranuleSummary
	Hits     int
	Header   http.Header
}

// DownloadConfig describes the subsetting formats and parameter schema available when
// downloading a collection directly.
type DownloadConfig struct {
	Formats    []string `json:"formats"`
	Parameters any      `json:"parameters"`
}

// OptionRef names an order option definition attached to a granule.
type OptionRef struct {
	ID   string
	Name string
}

// OrderInfoRecord is the order provider's per-granule orderability record.
type OrderInfoRecord struct {
	GranuleID string
	Orderable bool
	Options   []OptionRef
}

// OrderRecord is the order provider's current view of a placed order.
type OrderRecord struct {
	ID    string
	State string
}

// OptionDefinition is an order option definition.
type OptionDefinition struct {
	ID         string
	Name       string
	Form       any
	Deprecated bool
}

// ServiceAssignment links a collection to a service option definition.
type ServiceAssignment struct {
	OptionDefinitionID string
}

// ServiceOptionDefinition is a service option definition.
type ServiceOptionDefinition struct {
	ID   string
	Name string
	Form any
}

// ServiceRequestStatus is the normalised state of one service request. Failed responses
// carry ErrorCode and ErrorMessage.
type ServiceRequestStatus struct {
	Status          string
	NumberProcessed *int
	TotalNumber     *int
	DownloadURLs    []string
	Failed          bool
	ErrorCode       string
	ErrorMessage    string
}

// AccessOptions is the resolved menu of access methods for a candidate granule set.
// Empty marks a catalog page without granules, for which only Hits, Methods and
// Defaults are meaningful.
type AccessOptions struct {
	Empty    bool
	Hits     int
	DQS      any
	Size     *float64
	SizeUnit string
	Methods  []AccessMethod
	Defaults any
	Header   http.Header
}
