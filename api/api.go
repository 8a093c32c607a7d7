package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"

	"github.com/paywatch/paywatch-core/database"
	"github.com/paywatch/paywatch-core/dispatch"
	"github.com/paywatch/paywatch-core/invoices"
	"github.com/paywatch/paywatch-core/prices"
	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

// Server : HTTP and websocket surface. Holds every service the handlers
// reach for; one instance serves all routes.
type Server struct {
	Store    database.Store
	Invoices *invoices.Service
	Prices   *prices.Service
	Registry *dispatch.Registry
	Config   types.PaywatchConfig
	Logger   log.Logger
}

func NewServer(store database.Store, invoiceService *invoices.Service, priceService *prices.Service,
	registry *dispatch.Registry, config types.PaywatchConfig, logger log.Logger) *Server {
	return &Server{
		Store:    store,
		Invoices: invoiceService,
		Prices:   priceService,
		Registry: registry,
		Config:   config,
		Logger:   logger,
	}
}

// Router : mux router with per-group GCRA rate limits, invoice writes on the
// tighter quota
func (server *Server) Router() (*mux.Router, error) {
	apiStore, err := memstore.New(65536)
	if err != nil {
		return nil, err
	}
	writeStore, err := memstore.New(65536)
	if err != nil {
		return nil, err
	}
	apiQuota := throttled.RateQuota{MaxRate: throttled.PerSec(25), MaxBurst: 100}
	writeQuota := throttled.RateQuota{MaxRate: throttled.PerSec(5), MaxBurst: 10}
	apiLimiter, err := throttled.NewGCRARateLimiter(apiStore, apiQuota)
	if err != nil {
		return nil, err
	}
	writeLimiter, err := throttled.NewGCRARateLimiter(writeStore, writeQuota)
	if err != nil {
		return nil, err
	}
	apiRateLimiter := throttled.HTTPRateLimiter{
		RateLimiter: apiLimiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}
	writeRateLimiter := throttled.HTTPRateLimiter{
		RateLimiter: writeLimiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}

	r := mux.NewRouter()
	r.Handle("/", apiRateLimiter.RateLimit(http.HandlerFunc(server.HomeHandler)))
	r.Handle("/status", apiRateLimiter.RateLimit(http.HandlerFunc(server.StatusHandler)))
	r.Handle("/ws", http.HandlerFunc(server.WebsocketHandler))
	r.Handle("/api/v1/prices", apiRateLimiter.RateLimit(http.HandlerFunc(server.PricesHandler))).Methods("GET")
	r.Handle("/api/v1/invoices", writeRateLimiter.RateLimit(http.HandlerFunc(server.CreateInvoiceHandler))).Methods("POST")
	r.Handle("/api/v1/invoices/{uid}", apiRateLimiter.RateLimit(http.HandlerFunc(server.GetInvoiceHandler))).Methods("GET")
	r.Handle("/api/v1/invoices/{uid}", writeRateLimiter.RateLimit(http.HandlerFunc(server.CancelInvoiceHandler))).Methods("DELETE")
	return r, nil
}

// respondJSON makes the response with payload as json format
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if util.LogError(err) != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

func errorJSON(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{"error": message})
}

// authorize : resolve the bearer token to an account id, 0 if absent
func (server *Server) authorize(r *http.Request) (int64, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return 0, nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return 0, types.ErrUnauthorized
	}
	return server.Store.ValidateAPIKey(token)
}

func (server *Server) HomeHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
	fmt.Fprintf(w, "This is an API endpoint. See /status")
}

func (server *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	chains := make([]string, 0, len(server.Config.Feeds))
	for _, feedConfig := range server.Config.Feeds {
		chains = append(chains, feedConfig.Chain)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":  "0.1.0",
		"chains":   chains,
		"sessions": server.Registry.SessionCount(),
	})
}

func (server *Server) PricesHandler(w http.ResponseWriter, r *http.Request) {
	priceList, err := server.Prices.List()
	if util.LoggerError(server.Logger, err) != nil {
		errorJSON(w, http.StatusInternalServerError, "could not list prices")
		return
	}
	respondJSON(w, http.StatusOK, priceList)
}

func (server *Server) GetInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	detail, err := server.Invoices.Fetch(vars["uid"])
	if err == types.ErrNotFound {
		errorJSON(w, http.StatusNotFound, "invoice not found")
		return
	}
	if util.LoggerError(server.Logger, err) != nil {
		errorJSON(w, http.StatusInternalServerError, "could not fetch invoice")
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (server *Server) CreateInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := server.authorize(r)
	if err != nil || accountID == 0 {
		errorJSON(w, http.StatusUnauthorized, "valid api key required")
		return
	}
	d := json.NewDecoder(r.Body)
	var message types.Message
	if err := d.Decode(&message); err != nil || message.Amount <= 0 {
		errorJSON(w, http.StatusBadRequest, "invalid JSON body: missing amount")
		return
	}
	detail, err := server.Invoices.Create(invoices.CreateRequest{
		AccountID:   accountID,
		Amount:      message.Amount,
		Currency:    message.Currency,
		WebhookURL:  message.WebhookURL,
		RedirectURL: message.RedirectURL,
		Memo:        message.Memo,
	})
	if util.LoggerError(server.Logger, err) != nil {
		errorJSON(w, http.StatusInternalServerError, "could not create invoice")
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (server *Server) CancelInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := server.authorize(r)
	if err != nil || accountID == 0 {
		errorJSON(w, http.StatusUnauthorized, "valid api key required")
		return
	}
	vars := mux.Vars(r)
	err = server.Invoices.Cancel(vars["uid"], accountID)
	switch err {
	case nil:
		respondJSON(w, http.StatusOK, map[string]interface{}{"cancelled": vars["uid"]})
	case types.ErrNotFound:
		errorJSON(w, http.StatusNotFound, "invoice not found")
	case types.ErrStateConflict:
		errorJSON(w, http.StatusConflict, "invoice is not cancellable")
	default:
		util.LoggerError(server.Logger, err)
		errorJSON(w, http.StatusInternalServerError, "could not cancel invoice")
	}
}
