package providers

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/platform/textutil"
)

const defaultContextHeader = "X-Request-Context"

// ServiceClient talks to the subsetting service provider.
type ServiceClient struct {
	t             *transport
	contextHeader string
}

// NewServiceClient constructs a service client. contextHeader names the header carrying the
// caller's page context flag.
func NewServiceClient(opts Options, contextHeader string) (*ServiceClient, error) {
	t, err := newTransport("services", opts)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(contextHeader) == "" {
		contextHeader = defaultContextHeader
	}
	return &ServiceClient{t: t, contextHeader: contextHeader}, nil
}

// RequestStatus fetches and normalises the status of a submitted service request. Provider
// failures other than transport errors are reported through the returned status.
func (c *ServiceClient) RequestStatus(ctx context.Context, token, collectionID, requestID, contextFlag string) (domain.ServiceRequestStatus, error) {
	resp, err := c.t.do(ctx, "request_status", request{
		method: http.MethodGet,
		path:   []string{"egi", "request", requestID},
		query:  url.Values{"collection_id": {collectionID}},
		token:  token,
		header: http.Header{
			c.contextHeader: {contextFlag},
			"Accept":        {"application/xml"},
		},
	})
	if resp == nil {
		return domain.ServiceRequestStatus{}, err
	}
	// Non-2xx bodies still carry the provider's Exception envelope.
	return ParseRequestStatus(resp.body), nil
}

// ServiceRequest describes a subsetting request for one collection selection.
type ServiceRequest struct {
	CollectionID string
	GranuleQuery string
	Options      map[string]string
	CallbackURL  string
}

// SubmitRequest submits a service request and returns the provider's request id.
func (c *ServiceClient) SubmitRequest(ctx context.Context, token string, req ServiceRequest) (string, error) {
	form := url.Values{}
	if q, err := url.ParseQuery(strings.TrimPrefix(req.GranuleQuery, "?")); err == nil {
		for key, values := range q {
			form[key] = values
		}
	}
	for key, value := range req.Options {
		form.Set(key, value)
	}
	form.Set("collection_id", req.CollectionID)
	if req.CallbackURL != "" {
		form.Set("callback", req.CallbackURL)
	}

	resp, err := c.t.do(ctx, "submit_request", request{
		method:      http.MethodPost,
		path:        []string{"egi", "request"},
		token:       token,
		body:        []byte(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
		header:      http.Header{"Accept": {"application/xml"}},
	})
	if err != nil {
		return "", err
	}
	var env submitEnvelope
	if err := xml.Unmarshal(resp.body, &env); err != nil {
		return "", fmt.Errorf("services: decode submit response: %w", err)
	}
	if id := strings.TrimSpace(env.Order.OrderID); id != "" {
		return id, nil
	}
	return "", errors.New("services: provider returned no request id")
}

type submitEnvelope struct {
	XMLName xml.Name `xml:"agentResponse"`
	Order   struct {
		OrderID string `xml:"orderId"`
	} `xml:"order"`
}

type agentResponse struct {
	RequestStatus *struct {
		Status          string `xml:"status"`
		NumberProcessed string `xml:"numberProcessed"`
		TotalNumber     string `xml:"totalNumber"`
	} `xml:"requestStatus"`
	DownloadURLs *struct {
		URLs []string `xml:"downloadUrl"`
	} `xml:"downloadUrls"`
}

type exceptionEnvelope struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// ParseRequestStatus normalises a status body. An agentResponse root yields the request
// status and download URLs; any other document is a failure, with Code and Message taken
// from an Exception root when present. A missing requestStatus leaves Status empty.
func ParseRequestStatus(body []byte) domain.ServiceRequestStatus {
	failed := domain.ServiceRequestStatus{
		Status:       domain.OrderStatusFailed,
		Failed:       true,
		ErrorCode:    domain.UnknownProviderError,
		ErrorMessage: domain.UnknownProviderError,
	}

	root, ok := rootElement(body)
	if !ok {
		return failed
	}
	switch root {
	case "agentResponse":
		var agent agentResponse
		if err := xml.Unmarshal(body, &agent); err != nil {
			return failed
		}
		out := domain.ServiceRequestStatus{DownloadURLs: []string{}}
		if s := agent.RequestStatus; s != nil {
			out.Status = strings.TrimSpace(s.Status)
			out.NumberProcessed = parseCount(s.NumberProcessed)
			out.TotalNumber = parseCount(s.TotalNumber)
		}
		if agent.DownloadURLs != nil {
			for _, u := range agent.DownloadURLs.URLs {
				if u = strings.TrimSpace(u); u != "" {
					out.DownloadURLs = append(out.DownloadURLs, u)
				}
			}
		}
		return out
	case "Exception":
		var exc exceptionEnvelope
		if err := xml.Unmarshal(body, &exc); err != nil {
			return failed
		}
		if code := strings.TrimSpace(exc.Code); code != "" {
			failed.ErrorCode = code
		}
		if msg := textutil.CleanProviderText(exc.Message); msg != "" {
			failed.ErrorMessage = msg
		}
		return failed
	}
	return failed
}

func rootElement(body []byte) (string, bool) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, true
		}
	}
}

func parseCount(raw string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	return &n
}
