/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  ledger's types from the wire contract.

NAMING CONVENTION:
  - *Request: Request bodies, validated with validator struct tags
  - *DTO:     Response types returned to clients

ENVELOPE:
  Every response is {"data": ..., "error": null} on success and
  {"data": null, "error": {"kind", "message"}} on failure. Period
  reports add a "summary" member next to data.

WIRE FORMATS:
  - Quantities and costs are decimal strings ("12.5"), never floats.
    Requests accept either a JSON string or number.
  - Purchase and issue dates are calendar days, YYYY-MM-DD.
  - Timestamps are RFC 3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/inventory-ledger/inventory"
)

// =============================================================================
// ENVELOPE
// =============================================================================

type Envelope struct {
	Data    any        `json:"data"`
	Error   *ErrorBody `json:"error"`
	Summary any        `json:"summary,omitempty"`
}

type ErrorBody struct {
	Kind    inventory.Kind `json:"kind"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type CreateProjectRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type StoreRequest struct {
	Name      string  `json:"name" validate:"required,max=200"`
	Type      string  `json:"type" validate:"required,oneof=central project"`
	ProjectID *string `json:"project_id" validate:"omitempty,max=64"`
}

func (r StoreRequest) input() inventory.StoreInput {
	in := inventory.StoreInput{Name: r.Name, Type: inventory.StoreType(r.Type)}
	if r.ProjectID != nil {
		in.ProjectID = *r.ProjectID
	}
	return in
}

type CreateCategoryRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type ProductRequest struct {
	CategoryID   string          `json:"category_id" validate:"required,max=64"`
	Name         string          `json:"name" validate:"required,max=200"`
	Unit         string          `json:"unit" validate:"required,max=32"`
	RestockLevel decimal.Decimal `json:"restock_level"`
}

func (r ProductRequest) input() inventory.ProductInput {
	return inventory.ProductInput{
		CategoryID:   r.CategoryID,
		Name:         r.Name,
		Unit:         r.Unit,
		RestockLevel: r.RestockLevel,
	}
}

// PurchaseRequest records stock arriving at a store. RequestID makes the
// call safe to retry; the Idempotency-Key header is used when it is empty.
type PurchaseRequest struct {
	StoreID      string          `json:"store_id" validate:"required,max=64"`
	ProductID    string          `json:"product_id" validate:"required,max=64"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	PurchaseDate string          `json:"purchase_date" validate:"required,datetime=2006-01-02"`
	Notes        string          `json:"notes" validate:"max=1000"`
	RequestID    string          `json:"request_id" validate:"max=128"`
}

type IssueRequest struct {
	FromStoreID  string          `json:"from_store_id" validate:"required,max=64"`
	ToStoreID    string          `json:"to_store_id" validate:"max=64"`
	ProductID    string          `json:"product_id" validate:"required,max=64"`
	Quantity     decimal.Decimal `json:"quantity"`
	IssuedToName string          `json:"issued_to_name" validate:"max=200"`
	IssueDate    string          `json:"issue_date" validate:"required,datetime=2006-01-02"`
	Notes        string          `json:"notes" validate:"max=1000"`
	RequestID    string          `json:"request_id" validate:"max=128"`
}

type AverageCostRequest struct {
	StoreID   string `json:"store_id" validate:"required,max=64"`
	ProductID string `json:"product_id" validate:"required,max=64"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ProjectDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

type StoreDTO struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	ProjectID *string `json:"project_id"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	DeletedAt *string `json:"deleted_at,omitempty"`
}

type CategoryDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

type ProductDTO struct {
	ID           string          `json:"id"`
	CategoryID   string          `json:"category_id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	RestockLevel decimal.Decimal `json:"restock_level"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	DeletedAt    *string         `json:"deleted_at,omitempty"`
}

type PurchaseDTO struct {
	ID           string          `json:"id"`
	StoreID      string          `json:"store_id"`
	ProductID    string          `json:"product_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	PurchaseDate string          `json:"purchase_date"`
	Notes        string          `json:"notes"`
	RequestID    *string         `json:"request_id,omitempty"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    string          `json:"created_at"`
	DeletedAt    *string         `json:"deleted_at,omitempty"`
	DeletedBy    *string         `json:"deleted_by,omitempty"`

	// Set on report lines only.
	StoreName   string `json:"store_name,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	Unit        string `json:"unit,omitempty"`
}

type IssueDTO struct {
	ID           string          `json:"id"`
	FromStoreID  string          `json:"from_store_id"`
	ToStoreID    *string         `json:"to_store_id"`
	ProductID    string          `json:"product_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	IssuedToName *string         `json:"issued_to_name"`
	IssueDate    string          `json:"issue_date"`
	Notes        string          `json:"notes"`
	RequestID    *string         `json:"request_id,omitempty"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    string          `json:"created_at"`
	DeletedAt    *string         `json:"deleted_at,omitempty"`
	DeletedBy    *string         `json:"deleted_by,omitempty"`

	// Set on report lines only. UnitCost is the source store's current
	// average cost.
	FromStoreName string           `json:"from_store_name,omitempty"`
	ToStoreName   string           `json:"to_store_name,omitempty"`
	ProductName   string           `json:"product_name,omitempty"`
	Unit          string           `json:"unit,omitempty"`
	UnitCost      *decimal.Decimal `json:"unit_cost,omitempty"`
	Value         *decimal.Decimal `json:"value,omitempty"`
}

type MovementDTO struct {
	Type           string           `json:"type"`
	ID             string           `json:"id"`
	Date           string           `json:"date"`
	CreatedAt      string           `json:"created_at"`
	Quantity       decimal.Decimal  `json:"quantity"`
	UnitCost       *decimal.Decimal `json:"unit_cost,omitempty"`
	OtherStoreID   *string          `json:"other_store_id,omitempty"`
	IssuedToName   *string          `json:"issued_to_name,omitempty"`
	Notes          string           `json:"notes"`
	RunningBalance decimal.Decimal  `json:"running_balance"`
}

type MovementHistoryDTO struct {
	StoreID        string          `json:"store_id"`
	ProductID      string          `json:"product_id"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	Movements      []MovementDTO   `json:"movements"`
}

type PeriodDTO struct {
	Kind string  `json:"kind"`
	From *string `json:"from"`
	To   *string `json:"to"`
}

// ReportDTO carries the lines of a period report. Only the slice matching
// Kind is set; the summary travels in the envelope.
type ReportDTO struct {
	Kind      string                    `json:"kind"`
	Period    PeriodDTO                 `json:"period"`
	Purchases []PurchaseDTO             `json:"purchases,omitempty"`
	Issues    []IssueDTO                `json:"issues,omitempty"`
	Inventory []inventory.InventoryLine `json:"inventory,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func timestampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timestamp(*t)
	return &s
}

func day(t time.Time) string {
	return t.Format(time.DateOnly)
}

func dayPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := day(*t)
	return &s
}

func parseDay(field, s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, &inventory.ValidationError{Field: field, Message: "must be a date in YYYY-MM-DD form"}
	}
	return t, nil
}

func toProjectDTO(p inventory.Project) ProjectDTO {
	return ProjectDTO{ID: p.ID, Name: p.Name, CreatedAt: timestamp(p.CreatedAt)}
}

func toStoreDTO(s inventory.Store) StoreDTO {
	return StoreDTO{
		ID:        s.ID,
		Name:      s.Name,
		Type:      string(s.Type),
		ProjectID: s.ProjectID,
		CreatedAt: timestamp(s.CreatedAt),
		UpdatedAt: timestamp(s.UpdatedAt),
		DeletedAt: timestampPtr(s.DeletedAt),
	}
}

func toCategoryDTO(c inventory.Category) CategoryDTO {
	return CategoryDTO{ID: c.ID, Name: c.Name, CreatedAt: timestamp(c.CreatedAt)}
}

func toProductDTO(p inventory.Product) ProductDTO {
	return ProductDTO{
		ID:           p.ID,
		CategoryID:   p.CategoryID,
		Name:         p.Name,
		Unit:         p.Unit,
		RestockLevel: p.RestockLevel,
		CreatedAt:    timestamp(p.CreatedAt),
		UpdatedAt:    timestamp(p.UpdatedAt),
		DeletedAt:    timestampPtr(p.DeletedAt),
	}
}

func toPurchaseDTO(p inventory.Purchase) PurchaseDTO {
	return PurchaseDTO{
		ID:           p.ID,
		StoreID:      p.StoreID,
		ProductID:    p.ProductID,
		Quantity:     p.Quantity,
		UnitCost:     p.UnitCost,
		TotalCost:    p.TotalCost,
		PurchaseDate: day(p.PurchaseDate),
		Notes:        p.Notes,
		RequestID:    p.RequestID,
		CreatedBy:    p.CreatedBy,
		CreatedAt:    timestamp(p.CreatedAt),
		DeletedAt:    timestampPtr(p.DeletedAt),
		DeletedBy:    p.DeletedBy,
	}
}

func toIssueDTO(i inventory.Issue) IssueDTO {
	return IssueDTO{
		ID:           i.ID,
		FromStoreID:  i.FromStoreID,
		ToStoreID:    i.ToStoreID,
		ProductID:    i.ProductID,
		Quantity:     i.Quantity,
		IssuedToName: i.IssuedToName,
		IssueDate:    day(i.IssueDate),
		Notes:        i.Notes,
		RequestID:    i.RequestID,
		CreatedBy:    i.CreatedBy,
		CreatedAt:    timestamp(i.CreatedAt),
		DeletedAt:    timestampPtr(i.DeletedAt),
		DeletedBy:    i.DeletedBy,
	}
}

func toMovementHistoryDTO(h *inventory.MovementHistory) MovementHistoryDTO {
	out := MovementHistoryDTO{
		StoreID:        h.StoreID,
		ProductID:      h.ProductID,
		OpeningBalance: h.OpeningBalance,
		ClosingBalance: h.ClosingBalance,
		Movements:      make([]MovementDTO, len(h.Movements)),
	}
	for i, m := range h.Movements {
		out.Movements[i] = MovementDTO{
			Type:           string(m.Type),
			ID:             m.ID,
			Date:           day(m.Date),
			CreatedAt:      timestamp(m.CreatedAt),
			Quantity:       m.Quantity,
			UnitCost:       m.UnitCost,
			OtherStoreID:   m.OtherStoreID,
			IssuedToName:   m.IssuedToName,
			Notes:          m.Notes,
			RunningBalance: m.RunningBalance,
		}
	}
	return out
}

func toReportDTO(r *inventory.Report) ReportDTO {
	out := ReportDTO{
		Kind: string(r.Kind),
		Period: PeriodDTO{
			Kind: string(r.Period.Kind),
			From: dayPtr(r.Period.From),
			To:   dayPtr(r.Period.To),
		},
		Inventory: r.Inventory,
	}
	for _, l := range r.Purchases {
		dto := toPurchaseDTO(l.Purchase)
		dto.StoreName, dto.ProductName, dto.Unit = l.StoreName, l.ProductName, l.Unit
		out.Purchases = append(out.Purchases, dto)
	}
	for _, l := range r.Issues {
		dto := toIssueDTO(l.Issue)
		dto.FromStoreName, dto.ToStoreName = l.FromStoreName, l.ToStoreName
		dto.ProductName, dto.Unit = l.ProductName, l.Unit
		cost, value := l.UnitCost, l.Value
		dto.UnitCost, dto.Value = &cost, &value
		out.Issues = append(out.Issues, dto)
	}
	return out
}

func mapSlice[T, D any](in []T, f func(T) D) []D {
	out := make([]D, len(in))
	for i, v := range in {
		out[i] = f(v)
	}
	return out
}
