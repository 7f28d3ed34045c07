// Package models provides data model definitions for the shopsync engine.
package models

import "encoding/json"

// Collections synced by the shop management client. The engine itself never
// interprets payload bodies; these names exist so the business layer and the
// conflict policy table share one vocabulary.
const (
	CollectionCustomers = "customers"
	CollectionProducts  = "products"
	CollectionBills     = "bills"
	CollectionBillItems = "bill_items"
)

// Document is the typed envelope the business layer hands to the engine.
// The body stays opaque to the engine; only the envelope fields participate
// in addressing and version checks.
type Document struct {
	ID        UUID            `json:"id"`
	Version   int64           `json:"version"`
	UpdatedAt int64           `json:"updated_at"`
	IsDeleted bool            `json:"is_deleted"`
	Body      json.RawMessage `json:"body"`
}
