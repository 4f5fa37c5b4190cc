package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AccessMethodType discriminates the access method variants.
type AccessMethodType string

const (
	AccessMethodDownload AccessMethodType = "download"
	AccessMethodOrder    AccessMethodType = "order"
	AccessMethodService  AccessMethodType = "service"
)

// AccessMethod is one way of obtaining the granules of a collection selection. Exactly one
// of Download, Order or Service is set and it always matches Type.
type AccessMethod struct {
	Type  AccessMethodType
	Name  string
	Count int
	All   bool

	Download *DownloadMethod
	Order    *OrderMethod
	Service  *ServiceMethod
}

// DownloadMethod carries direct-download details for online granules.
type DownloadMethod struct {
	Subset     bool      `json:"subset"`
	Parameters any       `json:"parameters"`
	Spatial    []float64 `json:"spatial"`
	Formats    []string  `json:"formats"`
}

// OrderMethod is an asynchronous order placed with the order provider. OptionID is nil for
// the generic order synthesised when a provider exposes no option definitions. Model holds
// the user's answers to Form.
type OrderMethod struct {
	OptionID *string `json:"id"`
	Form     any     `json:"form"`
	Model    any     `json:"model,omitempty"`
	OrderID  *string `json:"order_id"`
	Status   string  `json:"order_status,omitempty"`
}

// ServiceMethod is an asynchronous subsetting or transformation request.
type ServiceMethod struct {
	OptionID        string   `json:"id"`
	Form            any      `json:"form"`
	CollectionID    string   `json:"collection_id,omitempty"`
	OrderID         string   `json:"order_id,omitempty"`
	ServiceOptions  any      `json:"service_options,omitempty"`
	Status          string   `json:"order_status,omitempty"`
	NumberProcessed *int     `json:"number_processed,omitempty"`
	TotalNumber     *int     `json:"total_number,omitempty"`
	DownloadURLs    []string `json:"download_urls,omitempty"`
	ErrorCode       string   `json:"error_code,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
}

// NewDownloadMethod builds a download access method.
func NewDownloadMethod(name string, count int, all bool, payload DownloadMethod) AccessMethod {
	return AccessMethod{Type: AccessMethodDownload, Name: name, Count: count, All: all, Download: &payload}
}

// NewOrderMethod builds an order access method.
func NewOrderMethod(name string, count int, all bool, payload OrderMethod) AccessMethod {
	return AccessMethod{Type: AccessMethodOrder, Name: name, Count: count, All: all, Order: &payload}
}

// NewServiceMethod builds a service access method.
func NewServiceMethod(name string, count int, all bool, payload ServiceMethod) AccessMethod {
	return AccessMethod{Type: AccessMethodService, Name: name, Count: count, All: all, Service: &payload}
}

// Validate checks the union invariant.
func (m AccessMethod) Validate() error {
	set := 0
	for _, present := range []bool{m.Download != nil, m.Order != nil, m.Service != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("domain: access method %q must carry exactly one payload", m.Type)
	}
	switch {
	case m.Type == AccessMethodDownload && m.Download != nil,
		m.Type == AccessMethodOrder && m.Order != nil,
		m.Type == AccessMethodService && m.Service != nil:
		return nil
	}
	return fmt.Errorf("domain: access method payload does not match type %q", m.Type)
}

type accessMethodBase struct {
	Type  AccessMethodType `json:"type"`
	Name  string           `json:"name"`
	Count int              `json:"count"`
	All   bool             `json:"all"`
}

// MarshalJSON flattens the base fields and the variant payload into one object.
func (m AccessMethod) MarshalJSON() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var payload any
	switch m.Type {
	case AccessMethodDownload:
		payload = m.Download
	case AccessMethodOrder:
		payload = m.Order
	case AccessMethodService:
		payload = m.Service
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	base, err := json.Marshal(accessMethodBase{Type: m.Type, Name: m.Name, Count: m.Count, All: m.All})
	if err != nil {
		return nil, err
	}
	baseFields := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &baseFields); err != nil {
		return nil, err
	}
	for key, value := range baseFields {
		fields[key] = value
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the flattened representation, rejecting unknown types.
func (m *AccessMethod) UnmarshalJSON(data []byte) error {
	if m == nil {
		return errors.New("domain: unmarshal into nil access method")
	}
	var base accessMethodBase
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}

	decoded := AccessMethod{Type: base.Type, Name: base.Name, Count: base.Count, All: base.All}
	switch base.Type {
	case AccessMethodDownload:
		decoded.Download = &DownloadMethod{}
		if err := json.Unmarshal(data, decoded.Download); err != nil {
			return err
		}
	case AccessMethodOrder:
		decoded.Order = &OrderMethod{}
		if err := json.Unmarshal(data, decoded.Order); err != nil {
			return err
		}
	case AccessMethodService:
		decoded.Service = &ServiceMethod{}
		if err := json.Unmarshal(data, decoded.Service); err != nil {
			return err
		}
	default:
		return fmt.Errorf("domain: unknown access method type %q", base.Type)
	}
	*m = decoded
	return nil
}
