package storelysync

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/models"
	"bitbucket.org/mmdatafocus/finsync_backend/recon"
)

const pageSize = 200

// DataSource is one fetch strategy over the upstream: it returns every raw
// order created inside [start, end) for the tenant. Implementations must not
// mutate any persistent state; resumption relies on re-fetching being safe.
type DataSource interface {
	FetchWindow(ctx context.Context, cfg models.TenantConfig, start, end time.Time) ([]recon.RawOrder, error)
}

// CursorPager pulls a window through filtered paginated queries. Each page
// request runs under the shared retry combinator, so a throttled response
// backs off and re-issues the same cursor without emitting duplicates.
type CursorPager struct {
	client *Client
	policy RetryPolicy
}

func NewCursorPager(client *Client, policy RetryPolicy) *CursorPager {
	return &CursorPager{client: client, policy: policy}
}

func (p *CursorPager) FetchWindow(ctx context.Context, cfg models.TenantConfig, start, end time.Time) ([]recon.RawOrder, error) {
	var out []recon.RawOrder
	cursor := ""

	for {
		params := url.Values{}
		params.Set("created_at_min", start.UTC().Format(time.RFC3339))
		params.Set("created_at_max", end.UTC().Format(time.RFC3339))
		params.Set("limit", strconv.Itoa(pageSize))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var page storelyOrderPage
		err := WithRetry(ctx, p.policy, func(ctx context.Context) error {
			page = storelyOrderPage{}
			return p.client.getJSON(ctx, "/v1/orders", params, &page)
		})
		if err != nil {
			return nil, err
		}

		for _, order := range page.Orders {
			out = append(out, toRawOrder(order))
		}

		// A short page or an exhausted cursor ends the window.
		if len(page.Orders) < pageSize || page.NextCursor == "" {
			return out, nil
		}
		if page.HasMore != nil && !*page.HasMore {
			return out, nil
		}
		cursor = page.NextCursor
	}
}
