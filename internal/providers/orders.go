package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/platform/textutil"
)

// OrderClient talks to the order provider's REST API. Option definitions are cached per
// id because they are shared by every user of a collection.
type OrderClient struct {
	t     *transport
	cache *cache.Cache
}

// NewOrderClient constructs an order client. A non-positive cacheTTL disables caching.
func NewOrderClient(opts Options, cacheTTL time.Duration) (*OrderClient, error) {
	t, err := newTransport("orders", opts)
	if err != nil {
		return nil, err
	}
	c := &OrderClient{t: t}
	if cacheTTL > 0 {
		c.cache = cache.New(cacheTTL, 2*cacheTTL)
	}
	return c, nil
}

type orderInformationEnvelope struct {
	OrderInformation struct {
		CatalogItemRef struct {
			ID string `json:"id"`
		} `json:"catalog_item_ref"`
		Orderable            bool `json:"orderable"`
		OptionDefinitionRefs []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"option_definition_refs"`
	} `json:"order_information"`
}

// OrderInformation fetches orderability for every granule in one request.
func (c *OrderClient) OrderInformation(ctx context.Context, token string, granuleIDs []string) ([]domain.OrderInfoRecord, error) {
	if len(granuleIDs) == 0 {
		return nil, nil
	}
	resp, err := c.t.do(ctx, "order_information", request{
		method:   http.MethodGet,
		path:     []string{"order_information.json"},
		rawQuery: encodeCatalogQuery(url.Values{"catalog_item[]": granuleIDs}),
		token:    token,
	})
	if err != nil {
		return nil, err
	}
	var envelopes []orderInformationEnvelope
	if err := json.Unmarshal(resp.body, &envelopes); err != nil {
		return nil, fmt.Errorf("orders: decode order information: %w", err)
	}
	records := make([]domain.OrderInfoRecord, 0, len(envelopes))
	for _, env := range envelopes {
		info := env.OrderInformation
		record := domain.OrderInfoRecord{GranuleID: info.CatalogItemRef.ID, Orderable: info.Orderable}
		for _, ref := range info.OptionDefinitionRefs {
			record.Options = append(record.Options, domain.OptionRef{ID: ref.ID, Name: textutil.CleanProviderText(ref.Name)})
		}
		records = append(records, record)
	}
	return records, nil
}

type orderEnvelope struct {
	Order struct {
		ID    string `json:"id"`
		State string `json:"state"`
	} `json:"order"`
}

// Orders fetches the current state of the given orders in one request.
func (c *OrderClient) Orders(ctx context.Context, token string, orderIDs []string) ([]domain.OrderRecord, error) {
	resp, err := c.t.do(ctx, "get_orders", request{
		method:   http.MethodGet,
		path:     []string{"orders.json"},
		rawQuery: encodeCatalogQuery(url.Values{"id[]": orderIDs}),
		token:    token,
	})
	if err != nil {
		return nil, err
	}
	var envelopes []orderEnvelope
	if err := json.Unmarshal(resp.body, &envelopes); err != nil {
		return nil, fmt.Errorf("orders: decode orders: %w", err)
	}
	records := make([]domain.OrderRecord, 0, len(envelopes))
	for _, env := range envelopes {
		records = append(records, domain.OrderRecord{ID: env.Order.ID, State: env.Order.State})
	}
	return records, nil
}

// ProviderResponse is a provider reply relayed to the caller unchanged.
type ProviderResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// DeleteOrder cancels an order and returns the provider's reply whatever its status.
// Only transport failures are returned as errors.
func (c *OrderClient) DeleteOrder(ctx context.Context, token, orderID string) (ProviderResponse, error) {
	resp, err := c.t.do(ctx, "delete_order", request{
		method: http.MethodDelete,
		path:   []string{"orders", orderID},
		token:  token,
	})
	if resp == nil {
		return ProviderResponse{}, err
	}
	return ProviderResponse{Status: resp.status, ContentType: resp.header.Get("Content-Type"), Body: resp.body}, nil
}

type optionDefinitionEnvelope struct {
	OptionDefinition struct {
		Name       string          `json:"name"`
		Form       json.RawMessage `json:"form"`
		Deprecated bool            `json:"deprecated"`
	} `json:"option_definition"`
}

// OptionDefinition fetches an order option definition.
func (c *OrderClient) OptionDefinition(ctx context.Context, token, id string) (domain.OptionDefinition, error) {
	key := "order:" + id
	if def, ok := c.cached(key); ok {
		return def.(domain.OptionDefinition), nil
	}
	resp, err := c.t.do(ctx, "option_definition", request{
		method: http.MethodGet,
		path:   []string{"option_definitions", id + ".json"},
		token:  token,
	})
	if err != nil {
		return domain.OptionDefinition{}, err
	}
	var env optionDefinitionEnvelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return domain.OptionDefinition{}, fmt.Errorf("orders: decode option definition %s: %w", id, err)
	}
	def := domain.OptionDefinition{
		ID:         id,
		Name:       textutil.CleanProviderText(env.OptionDefinition.Name),
		Form:       rawForm(env.OptionDefinition.Form),
		Deprecated: env.OptionDefinition.Deprecated,
	}
	c.store(key, def)
	return def, nil
}

type serviceAssignmentEnvelope struct {
	ServiceOptionAssignment struct {
		ServiceOptionDefinitionID string `json:"service_option_definition_id"`
	} `json:"service_option_assignment"`
}

// ServiceOrderInformation lists the service option assignments of a collection.
func (c *OrderClient) ServiceOrderInformation(ctx context.Context, token, collectionID string) ([]domain.ServiceAssignment, error) {
	resp, err := c.t.do(ctx, "service_order_information", request{
		method: http.MethodGet,
		path:   []string{"service_order_information.json"},
		query:  url.Values{"collection_id": {collectionID}},
		token:  token,
	})
	if err != nil {
		return nil, err
	}
	var envelopes []serviceAssignmentEnvelope
	if err := json.Unmarshal(resp.body, &envelopes); err != nil {
		return nil, fmt.Errorf("orders: decode service order information: %w", err)
	}
	out := make([]domain.ServiceAssignment, 0, len(envelopes))
	for _, env := range envelopes {
		out = append(out, domain.ServiceAssignment{OptionDefinitionID: env.ServiceOptionAssignment.ServiceOptionDefinitionID})
	}
	return out, nil
}

type serviceOptionDefinitionEnvelope struct {
	ServiceOptionDefinition struct {
		Name string          `json:"name"`
		Form json.RawMessage `json:"form"`
	} `json:"service_option_definition"`
}

// ServiceOptionDefinition fetches a service option definition.
func (c *OrderClient) ServiceOptionDefinition(ctx context.Context, token, id string) (domain.ServiceOptionDefinition, error) {
	key := "service:" + id
	if def, ok := c.cached(key); ok {
		return def.(domain.ServiceOptionDefinition), nil
	}
	resp, err := c.t.do(ctx, "service_option_definition", request{
		method: http.MethodGet,
		path:   []string{"service_option_definitions", id + ".json"},
		token:  token,
	})
	if err != nil {
		return domain.ServiceOptionDefinition{}, err
	}
	var env serviceOptionDefinitionEnvelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return domain.ServiceOptionDefinition{}, fmt.Errorf("orders: decode service option definition %s: %w", id, err)
	}
	def := domain.ServiceOptionDefinition{
		ID:   id,
		Name: textutil.CleanProviderText(env.ServiceOptionDefinition.Name),
		Form: rawForm(env.ServiceOptionDefinition.Form),
	}
	c.store(key, def)
	return def, nil
}

// DataQualitySummary returns the collection's data quality summaries as provided.
func (c *OrderClient) DataQualitySummary(ctx context.Context, token, collectionID string) (any, error) {
	resp, err := c.t.do(ctx, "data_quality_summary", request{
		method: http.MethodGet,
		path:   []string{"data_quality_summary_definitions.json"},
		query:  url.Values{"catalog_item_id": {collectionID}},
		token:  token,
	})
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("orders: decode data quality summary: %w", err)
	}
	return out, nil
}

// OrderRequest describes a provider order for one collection selection.
type OrderRequest struct {
	CollectionID string
	// GranuleQuery is the catalog query string that selected the granules.
	GranuleQuery string
	OptionID     string
	Model        any
}

type createOrderBody struct {
	Order struct {
		CollectionID     string `json:"collection_id"`
		CatalogItemQuery string `json:"catalog_item_query,omitempty"`
		OptionSelection  *struct {
			ID    string `json:"id"`
			Model any    `json:"model,omitempty"`
		} `json:"option_selection,omitempty"`
	} `json:"order"`
}

// CreateOrder places an order and returns its provider id.
func (c *OrderClient) CreateOrder(ctx context.Context, token string, req OrderRequest) (string, error) {
	var body createOrderBody
	body.Order.CollectionID = req.CollectionID
	body.Order.CatalogItemQuery = strings.TrimPrefix(req.GranuleQuery, "?")
	if req.OptionID != "" {
		body.Order.OptionSelection = &struct {
			ID    string `json:"id"`
			Model any    `json:"model,omitempty"`
		}{ID: req.OptionID, Model: req.Model}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("orders: encode order: %w", err)
	}
	resp, err := c.t.do(ctx, "create_order", request{
		method:      http.MethodPost,
		path:        []string{"orders.json"},
		token:       token,
		body:        payload,
		contentType: "application/json",
	})
	if err != nil {
		return "", err
	}
	var env orderEnvelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return "", fmt.Errorf("orders: decode created order: %w", err)
	}
	if env.Order.ID == "" {
		return "", fmt.Errorf("orders: provider returned no order id")
	}
	return env.Order.ID, nil
}

func (c *OrderClient) cached(key string) (any, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(key)
}

func (c *OrderClient) store(key string, value any) {
	if c.cache != nil {
		c.cache.SetDefault(key, value)
	}
}

// rawForm keeps the provider's form verbatim; an absent or null form is nil.
func rawForm(raw json.RawMessage) any {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return raw
}
