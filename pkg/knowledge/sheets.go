package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/logger"
)

const defaultSheetsBaseURL = "https://sheets.googleapis.com/v4/spreadsheets"

// SheetsClient reads tabs from a spreadsheet via the values:batchGet REST
// endpoint with an API key.
type SheetsClient struct {
	http    *http.Client
	baseURL string
	sheetID string
	apiKey  string
}

// SheetsOption customizes a SheetsClient.
type SheetsOption func(*SheetsClient)

// WithBaseURL overrides the API endpoint, used in tests.
func WithBaseURL(baseURL string) SheetsOption {
	return func(c *SheetsClient) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) SheetsOption {
	return func(c *SheetsClient) { c.http = hc }
}

// NewSheetsClient creates a client for one spreadsheet document.
func NewSheetsClient(sheetID, apiKey string, opts ...SheetsOption) *SheetsClient {
	c := &SheetsClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: defaultSheetsBaseURL,
		sheetID: sheetID,
		apiKey:  apiKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type batchGetResponse struct {
	ValueRanges []struct {
		Range  string     `json:"range"`
		Values [][]string `json:"values"`
	} `json:"valueRanges"`
}

type sheetsHTTPError struct {
	status int
}

func (e *sheetsHTTPError) Error() string {
	return fmt.Sprintf("sheets API returned status %d", e.status)
}

func isRetryableSheetsError(err error) bool {
	var httpErr *sheetsHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.status == http.StatusTooManyRequests || httpErr.status >= 500
	}
	// Transport errors (timeouts, refused connections) are retryable.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// FetchTabs fetches the named tabs in one batchGet round-trip. The result maps
// tab title to its raw rows; missing tabs are absent from the map.
func (c *SheetsClient) FetchTabs(ctx context.Context, tabs []string) (map[string][][]string, error) {
	if c.sheetID == "" || c.apiKey == "" {
		return nil, errors.New("sheet credentials not configured")
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	for _, tab := range tabs {
		q.Add("ranges", tab)
	}
	reqURL := fmt.Sprintf("%s/%s/values:batchGet?%s", c.baseURL, url.PathEscape(c.sheetID), q.Encode())

	var decoded batchGetResponse
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				io.Copy(io.Discard, resp.Body)
				return &sheetsHTTPError{status: resp.StatusCode}
			}
			return json.NewDecoder(resp.Body).Decode(&decoded)
		},
		retry.RetryIf(isRetryableSheetsError),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying sheet fetch")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch spreadsheet tabs")
	}

	out := make(map[string][][]string, len(decoded.ValueRanges))
	for _, vr := range decoded.ValueRanges {
		title := vr.Range
		if i := strings.Index(title, "!"); i >= 0 {
			title = title[:i]
		}
		title = strings.Trim(title, "'")
		if len(vr.Values) > 0 {
			out[title] = vr.Values
		}
	}
	return out, nil
}
