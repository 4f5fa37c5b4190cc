package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/granule-access/api/internal/domain"
)

const (
	// GranulePageSize is the sample page requested when resolving access options.
	GranulePageSize = 150
	// CatalogHeaderPrefix marks catalog response headers relayed to callers.
	CatalogHeaderPrefix = "cmr-"
	catalogHitsHeader   = "cmr-hits"
)

// CatalogClient searches the granule catalog.
type CatalogClient struct {
	t *transport
}

// NewCatalogClient constructs a catalog client.
func NewCatalogClient(opts Options) (*CatalogClient, error) {
	t, err := newTransport("catalog", opts)
	if err != nil {
		return nil, err
	}
	return &CatalogClient{t: t}, nil
}

type granuleFeed struct {
	Feed struct {
		Entry []granuleEntry `json:"entry"`
	} `json:"feed"`
}

type granuleEntry struct {
	ID               string   `json:"id"`
	OnlineAccessFlag flexBool `json:"online_access_flag"`
	GranuleSize      flexNum  `json:"granule_size"`
}

// SearchGranules runs a granule search with constraints and returns the first sample page.
// page_size and page_num are always overridden.
func (c *CatalogClient) SearchGranules(ctx context.Context, token string, constraints url.Values) (domain.GranulePage, error) {
	query := url.Values{}
	for key, values := range constraints {
		query[key] = append([]string(nil), values...)
	}
	query.Set("page_size", strconv.Itoa(GranulePageSize))
	query.Set("page_num", "1")

	resp, err := c.t.do(ctx, "search_granules", request{
		method:   http.MethodGet,
		path:     []string{"search", "granules.json"},
		rawQuery: encodeCatalogQuery(query),
		token:    token,
	})
	if err != nil {
		return domain.GranulePage{}, err
	}

	var feed granuleFeed
	if err := json.Unmarshal(resp.body, &feed); err != nil {
		return domain.GranulePage{}, fmt.Errorf("catalog: decode granules: %w", err)
	}
	granules := make([]domain.GranuleSummary, 0, len(feed.Feed.Entry))
	for _, entry := range feed.Feed.Entry {
		granules = append(granules, domain.GranuleSummary{
			ID:            entry.ID,
			OnlineAccess:  bool(entry.OnlineAccessFlag),
			SizeMegabytes: float64(entry.GranuleSize),
		})
	}
	hits, _ := strconv.Atoi(strings.TrimSpace(resp.header.Get(catalogHitsHeader)))

	return domain.GranulePage{Granules: granules, Hits: hits, Header: PrefixedHeaders(resp.header, CatalogHeaderPrefix)}, nil
}

// PrefixedHeaders returns the headers whose lower-cased name starts with prefix.
func PrefixedHeaders(header http.Header, prefix string) http.Header {
	out := http.Header{}
	for key, values := range header {
		if strings.HasPrefix(strings.ToLower(key), prefix) {
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}

// encodeCatalogQuery keeps "[]" suffixes unescaped the way the catalog documents them.
func encodeCatalogQuery(values url.Values) string {
	encoded := values.Encode()
	return strings.ReplaceAll(encoded, "%5B%5D=", "[]=")
}

// flexBool accepts true, "true" and their false counterparts.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	*b = flexBool(strings.EqualFold(raw, "true"))
	return nil
}

// flexNum accepts numbers and numeric strings; anything else decodes as zero.
type flexNum float64

func (n *flexNum) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = flexNum(parsed)
	return nil
}
