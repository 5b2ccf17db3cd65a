// Package api provides the HTTP surface of the engine: broker order and
// tariff submission, and read-only views of brokers, tariffs and
// orderbooks.
//
// Writes are queued for the next timeslot; handlers never touch state the
// settlement goroutine owns.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/gateway"
	"github.com/atmx/powermarket/internal/model"
	"github.com/atmx/powermarket/internal/store"
	"github.com/atmx/powermarket/internal/wire"
)

// Clock is the part of the simulation clock the API reports.
type Clock interface {
	CurrentTimeslot() int
	CurrentTime() time.Time
}

// Service handles HTTP requests.
type Service struct {
	brokers *store.BrokerRepo
	tariffs *store.TariffRepo
	books   *store.OrderbookRepo
	clock   Clock
	sink    gateway.Submitter
}

// NewService creates the HTTP service. Accepted writes go to sink.
func NewService(brokers *store.BrokerRepo, tariffs *store.TariffRepo, books *store.OrderbookRepo,
	clock Clock, sink gateway.Submitter) *Service {
	return &Service{brokers: brokers, tariffs: tariffs, books: books, clock: clock, sink: sink}
}

// Register mounts the routes on r.
func (s *Service) Register(r chi.Router) {
	r.Get("/api/v1/brokers", s.ListBrokers)
	r.Get("/api/v1/brokers/{broker}", s.GetBroker)
	r.Post("/api/v1/orders", s.SubmitOrder)
	r.Get("/api/v1/tariffs", s.ListTariffs)
	r.Post("/api/v1/tariffs", s.PublishTariff)
	r.Post("/api/v1/tariffs/{tariffID}/revoke", s.RevokeTariff)
	r.Post("/api/v1/tariffs/{tariffID}/expire", s.ExpireTariff)
	r.Post("/api/v1/tariffs/{tariffID}/rates/{rateID}", s.UpdateRate)
	r.Get("/api/v1/orderbooks/{timeslot}", s.GetOrderbook)
}

// --- Request/Response types ---

// SubmitResponse acknowledges a queued order or tariff message.
type SubmitResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Timeslot int    `json:"timeslot"`
}

// BrokerSummary is one row of GET /api/v1/brokers.
type BrokerSummary struct {
	Username  string          `json:"username"`
	Wholesale bool            `json:"wholesale"`
	Enabled   bool            `json:"enabled"`
	Cash      decimal.Decimal `json:"cash"`
}

// BrokerDetail adds market positions to the summary.
type BrokerDetail struct {
	BrokerSummary
	Positions []model.MarketPosition `json:"positions"`
}

// TariffView is a published tariff with its lifecycle state.
type TariffView struct {
	ID         string                     `json:"id"`
	Broker     string                     `json:"broker"`
	PowerType  model.PowerType            `json:"power_type"`
	State      model.TariffState          `json:"state"`
	Default    bool                       `json:"default"`
	Expiration *time.Time                 `json:"expiration,omitempty"`
	Spec       *model.TariffSpecification `json:"spec"`
}

// brokerRef names the acting broker in update requests whose tariff comes
// from the path.
type brokerRef struct {
	ID     string `json:"id,omitempty"`
	Broker string `json:"broker"`
}

// --- HTTP Handlers ---

// ListBrokers handles GET /api/v1/brokers
func (s *Service) ListBrokers(w http.ResponseWriter, r *http.Request) {
	brokers := s.brokers.List()
	out := make([]BrokerSummary, 0, len(brokers))
	for _, b := range brokers {
		out = append(out, summarize(b))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetBroker handles GET /api/v1/brokers/{broker}
func (s *Service) GetBroker(w http.ResponseWriter, r *http.Request) {
	b := s.brokers.Find(chi.URLParam(r, "broker"))
	if b == nil {
		writeError(w, "broker not found", http.StatusNotFound)
		return
	}
	positions := b.Positions()
	if positions == nil {
		positions = []model.MarketPosition{}
	}
	writeJSON(w, http.StatusOK, BrokerDetail{BrokerSummary: summarize(b), Positions: positions})
}

// SubmitOrder handles POST /api/v1/orders
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req wire.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	o, err := req.Order(s.brokers)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.submit(w, o, o.ID)
}

// PublishTariff handles POST /api/v1/tariffs
func (s *Service) PublishTariff(w http.ResponseWriter, r *http.Request) {
	var req wire.TariffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	spec, err := req.Specification(s.brokers)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.submit(w, spec, spec.ID)
}

// RevokeTariff handles POST /api/v1/tariffs/{tariffID}/revoke
func (s *Service) RevokeTariff(w http.ResponseWriter, r *http.Request) {
	var ref brokerRef
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req := wire.RevokeRequest{ID: ref.ID, Broker: ref.Broker, TariffID: chi.URLParam(r, "tariffID")}
	msg, err := req.Revoke(s.brokers)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.submit(w, msg, msg.ID)
}

// ExpireTariff handles POST /api/v1/tariffs/{tariffID}/expire
func (s *Service) ExpireTariff(w http.ResponseWriter, r *http.Request) {
	var req wire.ExpireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.TariffID = chi.URLParam(r, "tariffID")
	msg, err := req.Expire(s.brokers)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.submit(w, msg, msg.ID)
}

// UpdateRate handles POST /api/v1/tariffs/{tariffID}/rates/{rateID}
func (s *Service) UpdateRate(w http.ResponseWriter, r *http.Request) {
	var req wire.RateUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.TariffID = chi.URLParam(r, "tariffID")
	req.RateID = chi.URLParam(r, "rateID")
	msg, err := req.Update(s.brokers)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.submit(w, msg, msg.ID)
}

// ListTariffs handles GET /api/v1/tariffs
// Optional filters: ?state=OFFERED, ?power_type=CONSUMPTION, ?broker=alice.
func (s *Service) ListTariffs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := model.TariffState(q.Get("state"))
	pt := model.PowerType(q.Get("power_type"))
	broker := q.Get("broker")

	out := []TariffView{}
	for _, t := range s.tariffs.All() {
		switch {
		case state != "" && t.State() != state:
			continue
		case pt != "" && t.Spec.PowerType != pt:
			continue
		case broker != "" && (t.Broker() == nil || t.Broker().Username != broker):
			continue
		}
		view := TariffView{
			ID:         t.ID(),
			PowerType:  t.Spec.PowerType,
			State:      t.State(),
			Default:    s.tariffs.IsDefault(t),
			Expiration: t.Expiration(),
			Spec:       t.Spec,
		}
		if b := t.Broker(); b != nil {
			view.Broker = b.Username
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetOrderbook handles GET /api/v1/orderbooks/{timeslot}
// Returns the most recent orderbook for the timeslot.
func (s *Service) GetOrderbook(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.Atoi(chi.URLParam(r, "timeslot"))
	if err != nil {
		writeError(w, "invalid timeslot", http.StatusBadRequest)
		return
	}
	ob := s.books.Latest(ts)
	if ob == nil {
		writeError(w, "orderbook not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ob)
}

func (s *Service) submit(w http.ResponseWriter, msg model.Message, id string) {
	if err := s.sink.Submit(msg); err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		ID:       id,
		Status:   "queued",
		Timeslot: s.clock.CurrentTimeslot(),
	})
}

func summarize(b *model.Broker) BrokerSummary {
	return BrokerSummary{
		Username:  b.Username,
		Wholesale: b.Wholesale,
		Enabled:   b.Enabled(),
		Cash:      b.Cash(),
	}
}

func statusFor(err error) int {
	if errors.Is(err, wire.ErrUnknownBroker) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
