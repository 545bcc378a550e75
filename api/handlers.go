/*
handlers.go - HTTP API handlers for the inventory ledger

PURPOSE:
  Exposes the inventory service via REST. Handles HTTP request/response,
  JSON decoding and validation, and delegates every decision to
  inventory.Service, which authorizes the caller before touching data.

ENDPOINTS:
  Registry:
    GET    /api/projects               List projects
    POST   /api/projects               Create project (admin)
    GET    /api/stores                 List visible stores
    POST   /api/stores                 Create store (admin)
    GET    /api/stores/{id}            Get store
    PUT    /api/stores/{id}            Update store (admin)
    DELETE /api/stores/{id}            Soft delete store (admin)
    GET    /api/categories             List categories
    POST   /api/categories             Create category
    GET    /api/products               List products
    POST   /api/products               Create or reinstate product
    GET    /api/products/{id}          Get product
    PUT    /api/products/{id}          Update product
    DELETE /api/products/{id}          Soft delete product

  Ledger:
    GET    /api/purchases              List purchases
    POST   /api/purchases              Record purchase
    DELETE /api/purchases/{id}         Soft delete purchase (reverses it)
    GET    /api/issues                 List issues
    POST   /api/issues                 Record issue
    DELETE /api/issues/{id}            Soft delete issue (reverses it)

  Queries:
    GET    /api/balances               Current balances with value
    GET    /api/movements              Movement history of one pair
    GET    /api/reports/{kind}         Period report
    POST   /api/rpc/get_average_cost   Weighted average cost of one pair
    GET    /api/admin/reconciliation   Balance audit (admin)

QUERY PARAMETERS:
  store_id may repeat or hold a comma separated list. from/to are
  YYYY-MM-DD. include_deleted is a boolean.

IDEMPOTENCY:
  POST /api/purchases and /api/issues accept a request_id in the body or
  an Idempotency-Key header. A retry with the same key returns the
  original movement instead of posting it twice.

ERROR HANDLING:
  Errors are returned in the envelope with a kind and status:
  - 400: ValidationError
  - 401: NotAuthenticated
  - 403: Unauthorized
  - 404: NotFound
  - 409: ConflictError
  - 422: InsufficientStockError
  - 500: StorageError (message is opaque, cause is logged)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/logger"
	"github.com/warp/inventory-ledger/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type HandlerConfig struct {
	Service *inventory.Service
	Auth    *Authenticator
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	// Health reports storage reachability for /healthz.
	Health func(ctx context.Context) error
	// Audit, when set, serves cached reconciliation reports.
	Audit *AuditScheduler

	MaxBodySize int64
	Now         func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc      *inventory.Service
	auth     *Authenticator
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
	health   func(ctx context.Context) error
	audit    *AuditScheduler
	maxBody  int64
	now      func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		svc:      cfg.Service,
		auth:     cfg.Auth,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		validate: newValidator(),
		health:   cfg.Health,
		audit:    cfg.Audit,
		maxBody:  cfg.MaxBodySize,
		now:      cfg.Now,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.metrics == nil {
		h.metrics = metrics.New("inventory")
	}
	if h.maxBody <= 0 {
		h.maxBody = 1 << 20
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// newValidator reports field names by their JSON tag.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			logger.FromContext(r.Context()).Error("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PROJECT & STORE HANDLERS
// =============================================================================

func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.svc.ListProjects(r.Context(), PrincipalFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, mapSlice(projects, toProjectDTO))
}

func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := h.bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.svc.CreateProject(r.Context(), PrincipalFrom(r.Context()), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toProjectDTO(*p))
}

func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeDeleted, err := boolParam(q.Get("include_deleted"), "include_deleted")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f := inventory.StoreFilter{
		Type:           inventory.StoreType(q.Get("type")),
		ProjectID:      q.Get("project_id"),
		IncludeDeleted: includeDeleted,
	}
	stores, err := h.svc.ListStores(r.Context(), PrincipalFrom(r.Context()), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, mapSlice(stores, toStoreDTO))
}

func (h *Handler) CreateStore(w http.ResponseWriter, r *http.Request) {
	var req StoreRequest
	if err := h.bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.svc.CreateStore(r.Context(), PrincipalFrom(r.Context()), req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toStoreDTO(*s))
}

func (h *Handler) GetStore(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.GetStore(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toStoreDTO(*s))
}

func (h *Handler) UpdateStore(w http.ResponseWriter, r *http.Request) {
	var req StoreRequest
	if err := h.bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.svc.UpdateStore(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"), req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toStoreDTO(*s))
}

func (h *Handler) DeleteStore(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.DeleteStore(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toStoreDTO(*s))
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cs, err := h.svc.ListCategories(r.Context(), PrincipalFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, mapSlice(cs, toCategoryDTO))
}

func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req CreateCategoryRequest
	if err := h.bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.svc.CreateCategory(r.Context(), PrincipalFrom(r.Context()), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toCategoryDTO(*c))
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeDeleted, err := boolParam(q.Get("include_deleted"), "include_deleted")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f := inventory.ProductFilter{CategoryID: q.Get("category_id"), IncludeDeleted: includeDeleted}
	ps, err := h.svc.ListProducts(r.Context(), PrincipalFrom(r.Context()), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, mapSlice(ps, toProductDTO))
}

// CreateProduct creates a product, or reinstates a soft deleted one with
// the same name in the category.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if err := h.bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.svc.CreateProduct(r.Context(), PrincipalFrom(r.Context()), req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toProductDTO(*p))
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetProduct(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toProductDTO(*p))
}

func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if err := h.bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.svc.UpdateProduct(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"), req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toProductDTO(*p))
}

func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.DeleteProduct(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toProductDTO(*p))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	f, err := movementFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ps, err := h.svc.ListPurchases(r.Context(), PrincipalFrom(r.Context()), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, mapSlice(ps, toPurchaseDTO))
}

func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	done := h.metrics.TrackOperation("record_purchase")

	var req PurchaseRequest
	if err := h.bind(w, r, &req); err != nil {
		done(outcome(err))
		writeError(w, r, err)
		return
	}
	date, err := parseDay("purchase_date", req.PurchaseDate)
	if err != nil {
		done(outcome(err))
		writeError(w, r, err)
		return
	}

	p, err := h.svc.RecordPurchase(r.Context(), PrincipalFrom(r.Context()), inventory.PurchaseInput{
		StoreID:   req.StoreID,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		UnitCost:  req.UnitCost,
		Date:      date,
		Notes:     req.Notes,
		RequestID: requestID(r, req.RequestID),
	})
	done(outcome(err))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toPurchaseDTO(*p))
}

func (h *Handler) DeletePurchase(w http.ResponseWriter, r *http.Request) {
	done := h.metrics.TrackOperation("delete_purchase")
	p, err := h.svc.DeletePurchase(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"))
	done(outcome(err))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toPurchaseDTO(*p))
}

func (h *Handler) ListIssues(w http.ResponseWriter, r *http.Request) {
	f, err := movementFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	is, err := h.svc.ListIssues(r.Context(), PrincipalFrom(r.Context()), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, mapSlice(is, toIssueDTO))
}

func (h *Handler) RecordIssue(w http.ResponseWriter, r *http.Request) {
	done := h.metrics.TrackOperation("record_issue")

	var req IssueRequest
	if err := h.bind(w, r, &req); err != nil {
		done(outcome(err))
		writeError(w, r, err)
		return
	}
	date, err := parseDay("issue_date", req.IssueDate)
	if err != nil {
		done(outcome(err))
		writeError(w, r, err)
		return
	}

	i, err := h.svc.RecordIssue(r.Context(), PrincipalFrom(r.Context()), inventory.IssueInput{
		FromStoreID:  req.FromStoreID,
		ToStoreID:    req.ToStoreID,
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		IssuedToName: req.IssuedToName,
		Date:         date,
		Notes:        req.Notes,
		RequestID:    requestID(r, req.RequestID),
	})
	done(outcome(err))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toIssueDTO(*i))
}

func (h *Handler) DeleteIssue(w http.ResponseWriter, r *http.Request) {
	done := h.metrics.TrackOperation("delete_issue")
	i, err := h.svc.DeleteIssue(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"))
	done(outcome(err))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toIssueDTO(*i))
}

// =============================================================================
// QUERY HANDLERS
// =============================================================================

func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := h.svc.ListBalances(r.Context(), PrincipalFrom(r.Context()), inventory.BalanceQuery{
		StoreIDs:   storeIDs(r),
		ProductID:  q.Get("product_id"),
		CategoryID: q.Get("category_id"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []inventory.BalanceRow{}
	}
	writeData(w, http.StatusOK, rows)
}

func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	f, err := movementFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := inventory.MovementQuery{
		StoreID:   r.URL.Query().Get("store_id"),
		ProductID: f.ProductID,
		From:      f.From,
		To:        f.To,
	}
	hist, err := h.svc.ListMovements(r.Context(), PrincipalFrom(r.Context()), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toMovementHistoryDTO(hist))
}

// PeriodReport serves /api/reports/{kind}?period=monthly&store_id=...
// The period defaults to monthly.
func (h *Handler) PeriodReport(w http.ResponseWriter, r *http.Request) {
	period := inventory.PeriodKind(r.URL.Query().Get("period"))
	if period == "" {
		period = inventory.PeriodMonthly
	}
	rep, err := h.svc.PeriodReport(r.Context(), PrincipalFrom(r.Context()), inventory.ReportQuery{
		Kind:     inventory.ReportKind(chi.URLParam(r, "kind")),
		Period:   period,
		StoreIDs: storeIDs(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: toReportDTO(rep), Summary: rep.Summary})
}

func (h *Handler) GetAverageCost(w http.ResponseWriter, r *http.Request) {
	var req AverageCostRequest
	if err := h.bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	quote, err := h.svc.AverageCost(r.Context(), PrincipalFrom(r.Context()), req.StoreID, req.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, quote)
}

// Reconcile audits every balance. With cached=true it returns the last
// scheduled audit instead, when there is one.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	cached, err := boolParam(r.URL.Query().Get("cached"), "cached")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cached && h.audit != nil {
		if err := h.svc.Access.Authorize(PrincipalFrom(r.Context()), inventory.OpReconcile, nil); err != nil {
			writeError(w, r, err)
			return
		}
		if last := h.audit.Last(); last != nil {
			writeData(w, http.StatusOK, last)
			return
		}
	}

	done := h.metrics.TrackOperation("reconcile")
	rep, err := h.svc.Reconcile(r.Context(), PrincipalFrom(r.Context()))
	done(outcome(err))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rep.Drift == nil {
		rep.Drift = []inventory.Drift{}
	}
	writeData(w, http.StatusOK, rep)
}

// =============================================================================
// HELPERS
// =============================================================================

// bind decodes a JSON body into dst and validates its struct tags.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &inventory.ValidationError{Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return &inventory.ValidationError{Message: "malformed JSON body: " + err.Error()}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &inventory.ValidationError{Field: verrs[0].Field(), Message: validationMessage(verrs[0])}
		}
		return &inventory.ValidationError{Message: err.Error()}
	}
	return nil
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + e.Param() + " characters"
	case "oneof":
		return "must be one of: " + e.Param()
	case "datetime":
		return "must be a date in YYYY-MM-DD form"
	default:
		return "is invalid"
	}
}

// requestID prefers the body's request_id over the Idempotency-Key header.
func requestID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

// storeIDs reads repeated or comma separated store_id parameters. Absent
// means every visible store.
func storeIDs(r *http.Request) []string {
	raw, ok := r.URL.Query()["store_id"]
	if !ok {
		return nil
	}
	ids := []string{}
	for _, v := range raw {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func movementFilter(r *http.Request) (inventory.MovementFilter, error) {
	q := r.URL.Query()
	f := inventory.MovementFilter{StoreIDs: storeIDs(r), ProductID: q.Get("product_id")}
	var err error
	if f.From, err = dayParam(q.Get("from"), "from"); err != nil {
		return f, err
	}
	if f.To, err = dayParam(q.Get("to"), "to"); err != nil {
		return f, err
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, &inventory.ValidationError{Field: "to", Message: "must not be before from"}
	}
	f.IncludeDeleted, err = boolParam(q.Get("include_deleted"), "include_deleted")
	return f, err
}

func dayParam(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseDay(field, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolParam(s, field string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, &inventory.ValidationError{Field: field, Message: "must be true or false"}
	}
	return b, nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(inventory.KindOf(err))
}

// PostedHook feeds the quantity posted counter from the ledger, which
// calls it only for rows it actually writes.
func PostedHook(m *metrics.Metrics) func(inventory.MovementType, decimal.Decimal) {
	return func(movement inventory.MovementType, quantity decimal.Decimal) {
		m.RecordPosted(string(movement), quantity.InexactFloat64())
	}
}

func statusFor(kind inventory.Kind) int {
	switch kind {
	case inventory.KindNotAuthenticated:
		return http.StatusUnauthorized
	case inventory.KindUnauthorized:
		return http.StatusForbidden
	case inventory.KindNotFound:
		return http.StatusNotFound
	case inventory.KindValidation:
		return http.StatusBadRequest
	case inventory.KindInsufficientStock:
		return http.StatusUnprocessableEntity
	case inventory.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Data: data})
}

// writeError maps err to its status. Storage failures are logged with
// their cause and reported opaquely.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := inventory.KindOf(err)
	body := &ErrorBody{Kind: kind, Message: err.Error()}

	var verr *inventory.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	if kind == inventory.KindStorage {
		logger.FromContext(r.Context()).Error("request failed", zap.Error(err))
		body.Message = "internal storage failure"
	}
	writeJSON(w, statusFor(kind), Envelope{Error: body})
}
