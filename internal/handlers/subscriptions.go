package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/subtrack/subtrackd/internal/billing"
	"github.com/subtrack/subtrackd/internal/model"
	"github.com/subtrack/subtrackd/internal/reminder"
	"github.com/subtrack/subtrackd/internal/store"
)

type Handler struct {
	repo      store.Repository
	lifecycle *reminder.Lifecycle
	log       *logrus.Logger
	val       *validator.Validate
	leadDays  int
}

func NewHandler(r store.Repository, lc *reminder.Lifecycle, l *logrus.Logger, defaultLeadDays int) *Handler {
	return &Handler{repo: r, lifecycle: lc, log: l, val: validator.New(), leadDays: defaultLeadDays}
}

// SubscriptionView is a list/detail item annotated with its urgency class.
type SubscriptionView struct {
	model.Subscription
	Urgency billing.Urgency `json:"urgency"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Warnf("invalid create body: %v", err)
		h.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.val.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := h.subscriptionFromRequest(&req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.lifecycle.OnSubscriptionCreated(sub); err != nil {
		h.log.Errorf("create failed: %v", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create")
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sub)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	s, err := h.repo.SubscriptionByID(id)
	if err != nil {
		h.notFoundOr500(w, err)
		return
	}
	json.NewEncoder(w).Encode(SubscriptionView{*s, billing.Classify(s.NextBillingDate, s.IsActive, time.Now())})
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	old, err := h.repo.SubscriptionByID(id)
	if err != nil {
		h.notFoundOr500(w, err)
		return
	}
	var req model.SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.val.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := h.subscriptionFromRequest(&req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub.ID = old.ID
	sub.CreatedAt = old.CreatedAt
	if err := h.lifecycle.OnSubscriptionUpdated(old, sub); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.log.Errorf("update failed: %v", err)
		h.writeError(w, http.StatusInternalServerError, "failed to update")
		return
	}
	json.NewEncoder(w).Encode(sub)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	sub, err := h.repo.SubscriptionByID(id)
	if err != nil {
		h.notFoundOr500(w, err)
		return
	}
	if err := h.lifecycle.OnSubscriptionDeleted(sub); err != nil {
		h.log.Errorf("delete failed: %v", err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter := map[string]interface{}{}
	if cid := r.URL.Query().Get("category_id"); cid != "" {
		if c, err := uuid.Parse(cid); err == nil {
			filter["category_id"] = c
		} else {
			h.writeError(w, http.StatusBadRequest, "invalid category_id")
			return
		}
	}
	if a := r.URL.Query().Get("active"); a != "" {
		b, err := strconv.ParseBool(a)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid active flag")
			return
		}
		filter["is_active"] = b
	}
	if n := r.URL.Query().Get("name"); n != "" {
		filter["name"] = n
	}
	subs, err := h.repo.ListSubscriptions(filter)
	if err != nil {
		h.log.Errorf("list failed: %v", err)
		h.writeError(w, http.StatusInternalServerError, "failed")
		return
	}
	json.NewEncoder(w).Encode(h.annotate(subs))
}

// Upcoming lists active subscriptions renewing within ?days (default 7).
func (h *Handler) Upcoming(w http.ResponseWriter, r *http.Request) {
	days := 7
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = n
	}
	subs, err := h.repo.DueWithin(time.Now(), days)
	if err != nil {
		h.log.Errorf("upcoming failed: %v", err)
		h.writeError(w, http.StatusInternalServerError, "failed")
		return
	}
	json.NewEncoder(w).Encode(h.annotate(subs))
}

func (h *Handler) Aggregate(w http.ResponseWriter, r *http.Request) {
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")
	if fromStr == "" || toStr == "" {
		h.writeError(w, http.StatusBadRequest, "from and to are required in MM-YYYY format")
		return
	}
	from, err := parseMonthYear(fromStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid from format")
		return
	}
	// set from to first day of month
	from = time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	toMonth, err := parseMonthYear(toStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid to format")
		return
	}
	// set to to last day of month
	to := time.Date(toMonth.Year(), toMonth.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1)

	var cid *uuid.UUID
	if v := r.URL.Query().Get("category_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid category_id")
			return
		}
		cid = &id
	}
	total, err := h.repo.AggregateSpend(cid, from, to)
	if err != nil {
		h.log.Errorf("aggregation failed: %v", err)
		h.writeError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"total": total})
}

func (h *Handler) Payments(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := h.repo.SubscriptionByID(id); err != nil {
		h.notFoundOr500(w, err)
		return
	}
	rows, err := h.repo.PaymentsBySubscription(id)
	if err != nil {
		h.log.Errorf("payments failed: %v", err)
		h.writeError(w, http.StatusInternalServerError, "failed")
		return
	}
	json.NewEncoder(w).Encode(rows)
}

func (h *Handler) Reminders(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := h.repo.SubscriptionByID(id); err != nil {
		h.notFoundOr500(w, err)
		return
	}
	rows, err := h.repo.RemindersBySubscription(id)
	if err != nil {
		h.log.Errorf("reminders failed: %v", err)
		h.writeError(w, http.StatusInternalServerError, "failed")
		return
	}
	json.NewEncoder(w).Encode(rows)
}

// utilities

func (h *Handler) subscriptionFromRequest(req *model.SubscriptionRequest) (*model.Subscription, error) {
	price, err := decimal.NewFromString(req.Price)
	if err != nil || price.IsNegative() {
		return nil, errors.New("invalid price")
	}
	cycle, err := billing.ParseCycle(req.BillingCycle)
	if err != nil {
		return nil, err
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		return nil, errors.New("invalid start_date format, expected YYYY-MM-DD")
	}
	next, err := parseDate(req.NextBillingDate)
	if err != nil {
		return nil, errors.New("invalid next_billing_date format, expected YYYY-MM-DD")
	}
	var end *time.Time
	if req.EndDate != nil {
		et, err := parseDate(*req.EndDate)
		if err != nil {
			return nil, errors.New("invalid end_date format, expected YYYY-MM-DD")
		}
		end = &et
	}
	var cid *uuid.UUID
	if req.CategoryID != nil {
		c, _ := uuid.Parse(*req.CategoryID)
		cid = &c
	}
	leadDays := h.leadDays
	if req.ReminderDays != nil {
		leadDays = *req.ReminderDays
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &model.Subscription{
		Name:            req.Name,
		Price:           price,
		Currency:        req.Currency,
		BillingCycle:    cycle,
		StartDate:       start,
		NextBillingDate: next,
		EndDate:         end,
		ReminderDays:    leadDays,
		IsActive:        active,
		CategoryID:      cid,
		Description:     req.Description,
		WebsiteURL:      req.WebsiteURL,
		Notes:           req.Notes,
	}, nil
}

func (h *Handler) annotate(subs []model.Subscription) []SubscriptionView {
	now := time.Now()
	views := make([]SubscriptionView, 0, len(subs))
	for _, s := range subs {
		views = append(views, SubscriptionView{s, billing.Classify(s.NextBillingDate, s.IsActive, now)})
	}
	return views
}

func (h *Handler) notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.log.Errorf("lookup failed: %v", err)
	h.writeError(w, http.StatusInternalServerError, "failed")
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

func parseMonthYear(s string) (time.Time, error) {
	// expected MM-YYYY
	return time.Parse("01-2006", s)
}
