package storelysync

import (
	"encoding/json"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/recon"
	"github.com/shopspring/decimal"
)

// Wire shapes of the Storely API. Amounts come as json.Number because the
// upstream mixes quoted and bare numerics across endpoints.

type storelyOrder struct {
	ID             string                `json:"id"`
	CreatedAt      string                `json:"created_at"`
	CountryCode    string                `json:"country_code"`
	Currency       string                `json:"currency"`
	TaxesIncluded  bool                  `json:"taxes_included"`
	TotalDiscounts json.Number           `json:"total_discounts"`
	OriginalTotal  json.Number           `json:"original_total_price"`
	CurrentTotal   json.Number           `json:"current_total_price"`
	TotalPrice     json.Number           `json:"total_price"`
	LineItems      []storelyLineItem     `json:"line_items"`
	ShippingLines  []storelyShippingLine `json:"shipping_lines"`
	Refunds        []storelyRefund       `json:"refunds"`
}

type storelyLineItem struct {
	Sku           string           `json:"sku"`
	Quantity      json.Number      `json:"quantity"`
	Price         json.Number      `json:"price"`
	OriginalPrice json.Number      `json:"original_price"`
	TaxLines      []storelyTaxLine `json:"tax_lines"`
}

type storelyTaxLine struct {
	Rate  json.Number `json:"rate"`
	Price json.Number `json:"price"`
}

type storelyShippingLine struct {
	ParentID string           `json:"__parent_id"`
	Price    json.Number      `json:"price"`
	TaxLines []storelyTaxLine `json:"tax_lines"`
}

type storelyRefund struct {
	ID              string              `json:"id"`
	CreatedAt       string              `json:"created_at"`
	ProcessedAt     string              `json:"processed_at"`
	TotalRefunded   json.Number         `json:"total_refunded"`
	RefundLineItems []storelyRefundLine `json:"refund_line_items"`
}

type storelyRefundLine struct {
	Sku           string      `json:"sku"`
	Quantity      json.Number `json:"quantity"`
	PriceAtRefund json.Number `json:"price_at_refund"`
}

type storelyOrderPage struct {
	Orders     []storelyOrder `json:"orders"`
	NextCursor string         `json:"next_cursor"`
	HasMore    *bool          `json:"has_more"`
}

type storelyBulkJob struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
}

const (
	bulkStatusPending   = "PENDING"
	bulkStatusRunning   = "RUNNING"
	bulkStatusCompleted = "COMPLETED"
	bulkStatusFailed    = "FAILED"
	bulkStatusCanceled  = "CANCELED"
)

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

func parseTimeOrZero(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(value string) *time.Time {
	t := parseTimeOrZero(value)
	if t.IsZero() {
		return nil
	}
	return &t
}

func toRawTaxLines(taxLines []storelyTaxLine) []recon.RawTaxLine {
	out := make([]recon.RawTaxLine, 0, len(taxLines))
	for _, tl := range taxLines {
		out = append(out, recon.RawTaxLine{
			Rate:   decimalFromNumber(tl.Rate),
			Amount: decimalFromNumber(tl.Price),
		})
	}
	return out
}

// toRawOrder maps a wire order into the builder's transient shape.
func toRawOrder(order storelyOrder) recon.RawOrder {
	raw := recon.RawOrder{
		Id:              strings.TrimSpace(order.ID),
		CreatedAt:       parseTimeOrZero(order.CreatedAt),
		Country:         strings.TrimSpace(order.CountryCode),
		CurrencyCode:    strings.TrimSpace(order.Currency),
		TaxesIncluded:   order.TaxesIncluded,
		DiscountInclTax: decimalFromNumber(order.TotalDiscounts),
		OriginalTotal:   decimalFromNumber(order.OriginalTotal),
		CurrentTotal:    decimalFromNumber(order.CurrentTotal),
		TotalInclTax:    decimalFromNumber(order.TotalPrice),
	}

	for _, li := range order.LineItems {
		raw.Lines = append(raw.Lines, recon.RawLineItem{
			Sku:               strings.TrimSpace(li.Sku),
			Quantity:          decimalFromNumber(li.Quantity),
			UnitPrice:         decimalFromNumber(li.Price),
			OriginalUnitPrice: decimalFromNumber(li.OriginalPrice),
			TaxLines:          toRawTaxLines(li.TaxLines),
		})
	}
	for _, sl := range order.ShippingLines {
		raw.ShippingLines = append(raw.ShippingLines, recon.RawShippingLine{
			Amount:   decimalFromNumber(sl.Price),
			TaxLines: toRawTaxLines(sl.TaxLines),
		})
	}
	for _, rf := range order.Refunds {
		event := recon.RawRefund{
			Id:                  strings.TrimSpace(rf.ID),
			CreatedAt:           parseTimeOrZero(rf.CreatedAt),
			ProcessedAt:         parseTimePtr(rf.ProcessedAt),
			TotalRefundedAmount: decimalFromNumber(rf.TotalRefunded),
		}
		for _, rl := range rf.RefundLineItems {
			event.Lines = append(event.Lines, recon.RawRefundLine{
				Sku:           strings.TrimSpace(rl.Sku),
				Quantity:      decimalFromNumber(rl.Quantity),
				PriceAtRefund: decimalFromNumber(rl.PriceAtRefund),
			})
		}
		raw.Refunds = append(raw.Refunds, event)
	}

	return raw
}

// ChunkState is the resume checkpoint persisted on the SyncJob after each
// completed chunk.
type ChunkState struct {
	LastCompletedChunkEnd string `json:"last_completed_chunk_end"`
}

func DecodeChunkState(raw []byte) ChunkState {
	if len(raw) == 0 {
		return ChunkState{}
	}
	var state ChunkState
	if err := json.Unmarshal(raw, &state); err != nil {
		return ChunkState{}
	}
	return state
}

func EncodeChunkState(state ChunkState) []byte {
	b, _ := json.Marshal(state)
	return b
}

// Request/response DTOs for the thin HTTP surface.

type TriggerSyncRequest struct {
	WindowStart string `json:"windowStart" binding:"required"`
	WindowEnd   string `json:"windowEnd" binding:"required"`
	ChunkDays   int    `json:"chunkDays"`
	FetchMode   string `json:"fetchMode"`
}

type TriggerSyncResponse struct {
	JobId  uint   `json:"jobId"`
	Status string `json:"status"`
}

type SyncJobResponse struct {
	ID             uint    `json:"id"`
	Status         string  `json:"status"`
	FetchMode      string  `json:"fetchMode"`
	WindowStart    string  `json:"windowStart"`
	WindowEnd      string  `json:"windowEnd"`
	TotalCount     int     `json:"totalCount"`
	ProcessedCount int     `json:"processedCount"`
	ErrorMessage   string  `json:"errorMessage,omitempty"`
	StartedAt      *string `json:"startedAt"`
	FinishedAt     *string `json:"finishedAt"`
	DurationMs     int64   `json:"durationMs"`
}

type SyncHistoryResponse struct {
	Items []SyncJobResponse `json:"items"`
}

type SyncIssueResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	JobId    uint   `json:"job_id"`
	TenantId string `json:"tenant_id"`
}
