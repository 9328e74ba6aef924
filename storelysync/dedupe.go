package storelysync

import "bitbucket.org/mmdatafocus/finsync_backend/models"

// In-batch duplicate suppression for at-least-once upstream delivery: the
// same order can surface on two pages of one window. Duplicates collapse
// onto the record with richer information.

// richerOrderFact picks between two builds of the same (tenant, order):
// a record carrying a refund date beats one without, then higher
// refundedQty, then the later build wins.
func richerOrderFact(a, b models.OrderFact) models.OrderFact {
	if a.RefundDate != nil && b.RefundDate == nil {
		return a
	}
	if b.RefundDate != nil && a.RefundDate == nil {
		return b
	}
	if a.RefundedQty.GreaterThan(b.RefundedQty) {
		return a
	}
	if b.RefundedQty.GreaterThan(a.RefundedQty) {
		return b
	}
	return b
}

func richerLineItemFact(a, b models.LineItemFact) models.LineItemFact {
	if a.RefundDate != nil && b.RefundDate == nil {
		return a
	}
	if b.RefundDate != nil && a.RefundDate == nil {
		return b
	}
	if a.RefundedQty.GreaterThan(b.RefundedQty) {
		return a
	}
	if b.RefundedQty.GreaterThan(a.RefundedQty) {
		return b
	}
	return b
}

func DedupeOrderFacts(facts []models.OrderFact) []models.OrderFact {
	type key struct{ tenant, order string }
	byKey := map[key]models.OrderFact{}
	var order []key

	for _, fact := range facts {
		k := key{fact.TenantId, fact.OrderId}
		if existing, ok := byKey[k]; ok {
			byKey[k] = richerOrderFact(existing, fact)
			continue
		}
		byKey[k] = fact
		order = append(order, k)
	}

	out := make([]models.OrderFact, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func DedupeLineItemFacts(facts []models.LineItemFact) []models.LineItemFact {
	type key struct{ tenant, order, sku string }
	byKey := map[key]models.LineItemFact{}
	var order []key

	for _, fact := range facts {
		k := key{fact.TenantId, fact.OrderId, fact.Sku}
		if existing, ok := byKey[k]; ok {
			byKey[k] = richerLineItemFact(existing, fact)
			continue
		}
		byKey[k] = fact
		order = append(order, k)
	}

	out := make([]models.LineItemFact, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}
