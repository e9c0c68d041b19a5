// Package storehttp is the buyer-facing JSON API of the storefront.
package storehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/topupstore/internal/checkout"
	"github.com/keithlinneman/topupstore/internal/cryptoutil"
	"github.com/keithlinneman/topupstore/internal/httpmw"
	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/nickname"
	"github.com/keithlinneman/topupstore/internal/orders"
	"github.com/keithlinneman/topupstore/internal/proof"
)

const (
	MaxJSONBody      = 64 << 10
	MaxMultipartBody = 6 << 20

	proofField = "paymentProof"
)

// Checkout is implemented by *checkout.Service
type Checkout interface {
	Place(ctx context.Context, n checkout.NewOrder) (checkout.Placed, error)
	SubmitProof(ctx context.Context, sub checkout.ProofSubmission, progress proof.ProgressFunc) (checkout.ProofReceipt, error)
	Precheck(ctx context.Context, up proof.Upload, paymentMethodID string, amount int64, progress proof.ProgressFunc) (proof.Result, error)
	Lookup(ctx context.Context, id string) (orders.Order, error)
	PaymentMethods(ctx context.Context) ([]orders.PaymentMethod, error)
}

type NicknameLookup interface {
	Lookup(ctx context.Context, userID, zoneID string) (nickname.Result, error)
}

type Options struct {
	Checkout  Checkout
	Nicknames NicknameLookup
	// Admission guards order placement, nil admits everything
	Admission func(http.Handler) http.Handler
	Logger    log.Logger
}

type API struct {
	checkout  Checkout
	nicknames NicknameLookup
	admission func(http.Handler) http.Handler
	logger    log.Logger
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &API{
		checkout:  opts.Checkout,
		nicknames: opts.Nicknames,
		admission: opts.Admission,
		logger:    opts.Logger,
	}
}

// RegisterRoutes attaches the storefront endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	place := r.With(httpmw.Scope("place_order"), httpmw.MaxBody(MaxJSONBody))
	if api.admission != nil {
		place = place.With(api.admission)
	}
	place.Post("/api/order", api.HandlePlaceOrder)

	uploads := r.With(httpmw.MaxBody(MaxMultipartBody))
	uploads.With(httpmw.Scope("submit_proof")).Post("/api/order/proof", api.HandleSubmitProof)
	uploads.With(httpmw.Scope("precheck_proof")).Post("/api/proof/check", api.HandlePrecheck)

	r.With(httpmw.Scope("get_order")).Get("/api/orders/{id}", api.HandleGetOrder)
	r.With(httpmw.Scope("payment_methods")).Get("/api/payment-methods", api.HandlePaymentMethods)
	if api.nicknames != nil {
		r.With(httpmw.Scope("check_nickname")).Get("/api/check-nickname", api.HandleCheckNickname)
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type placeOrderResponse struct {
	envelope
	OrderID    string `json:"orderId"`
	ProofToken string `json:"proofToken,omitempty"`
}

type proofResponse struct {
	envelope
	Outcome         proof.Outcome `json:"outcome,omitempty"`
	Warnings        []string      `json:"warnings"`
	MatchedKeywords []string      `json:"matchedKeywords"`
}

type orderResponse struct {
	envelope
	Order orders.Order `json:"order"`
}

type paymentMethodsResponse struct {
	envelope
	PaymentMethods []orders.PaymentMethod `json:"paymentMethods"`
}

type nicknameResponse struct {
	envelope
	Nickname string `json:"nickname,omitempty"`
}

// log prefers the request-scoped logger installed by the http middleware
func (api *API) log(ctx context.Context) log.Logger {
	return log.FromContextOr(ctx, api.logger)
}

func fail(msg string) envelope { return envelope{Success: false, Message: msg} }

// HandlePlaceOrder creates a pending order from a JSON body
func (api *API) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var n checkout.NewOrder
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, fail("Data pesanan terlalu besar."))
			return
		}
		api.writeJSON(ctx, w, http.StatusBadRequest, fail("Data pesanan tidak valid."))
		return
	}

	placed, err := api.checkout.Place(ctx, n)
	if errors.Is(err, checkout.ErrInvalidOrder) {
		api.log(ctx).Debug(ctx, "order rejected", "reason", err.Error())
		api.writeJSON(ctx, w, http.StatusBadRequest, fail("Data pesanan tidak lengkap atau metode pembayaran tidak tersedia."))
		return
	}
	if err != nil {
		api.log(ctx).Error(ctx, err, "place order failed")
		api.writeJSON(ctx, w, http.StatusInternalServerError, fail("Gagal menyimpan pesanan."))
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, placeOrderResponse{
		envelope:   envelope{Success: true, Message: "Pesanan berhasil dibuat!"},
		OrderID:    placed.Order.ID,
		ProofToken: placed.ProofToken,
	})
}

// readUpload parses the multipart body and returns the proof file. ok is
// false when a response has already been written.
func (api *API) readUpload(w http.ResponseWriter, r *http.Request) (proof.Upload, bool) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(MaxMultipartBody); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, fail("Ukuran file terlalu besar."))
			return proof.Upload{}, false
		}
		api.writeJSON(ctx, w, http.StatusBadRequest, fail("Form upload tidak valid."))
		return proof.Upload{}, false
	}

	f, hdr, err := r.FormFile(proofField)
	if err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, fail("Payment proof required"))
		return proof.Upload{}, false
	}
	defer f.Close()

	data, err := readAll(f)
	if err != nil {
		api.log(ctx).Error(ctx, err, "read proof upload failed")
		api.writeJSON(ctx, w, http.StatusBadRequest, fail("Form upload tidak valid."))
		return proof.Upload{}, false
	}
	return proof.Upload{
		Name:        hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Data:        data,
	}, true
}

func readAll(f multipart.File) ([]byte, error) {
	return io.ReadAll(io.LimitReader(f, MaxMultipartBody))
}

func resultResponse(res proof.Result, msg string) proofResponse {
	resp := proofResponse{
		envelope:        envelope{Success: res.Outcome != proof.OutcomeRejected, Message: msg},
		Outcome:         res.Outcome,
		Warnings:        res.Warnings,
		MatchedKeywords: res.MatchedKeywords,
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	if resp.MatchedKeywords == nil {
		resp.MatchedKeywords = []string{}
	}
	return resp
}

// HandleSubmitProof validates and attaches a payment proof to an order
func (api *API) HandleSubmitProof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	up, ok := api.readUpload(w, r)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(r.FormValue("orderId"))
	if orderID == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, fail("Order ID required"))
		return
	}

	receipt, err := api.checkout.SubmitProof(ctx, checkout.ProofSubmission{
		OrderID: orderID,
		Token:   strings.TrimSpace(r.FormValue("proofToken")),
		Upload:  up,
	}, nil)
	if err != nil {
		api.writeProofError(ctx, w, orderID, receipt.Result, err)
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, resultResponse(receipt.Result, "Bukti pembayaran berhasil diupload!"))
}

func (api *API) writeProofError(ctx context.Context, w http.ResponseWriter, orderID string, res proof.Result, err error) {
	switch {
	case errors.Is(err, proof.ErrProofRejected):
		api.log(ctx).Info(ctx, "payment proof rejected", "order_id", orderID, "reason", res.Reason)
		api.writeJSON(ctx, w, http.StatusUnprocessableEntity, resultResponse(res, res.Reason))
	case errors.Is(err, cryptoutil.ErrInvalidToken):
		api.writeJSON(ctx, w, http.StatusForbidden, fail("Token pesanan tidak valid."))
	case errors.Is(err, orders.ErrNotFound):
		api.writeJSON(ctx, w, http.StatusNotFound, fail("Pesanan tidak ditemukan"))
	case errors.Is(err, orders.ErrNotPending):
		api.writeJSON(ctx, w, http.StatusConflict, fail("Bukti pembayaran untuk pesanan ini sudah diterima."))
	case errors.Is(err, checkout.ErrExpired):
		api.writeJSON(ctx, w, http.StatusGone, fail("Batas waktu pembayaran pesanan ini sudah habis."))
	case errors.Is(err, proof.ErrRecognizerBusy):
		api.log(ctx).Warn(ctx, "payment proof recognition at capacity", "order_id", orderID)
		w.Header().Set("Retry-After", "10")
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, fail("Server sedang sibuk. Silakan coba lagi sebentar lagi."))
	case errors.Is(err, proof.ErrProcessingFailed):
		api.log(ctx).Error(ctx, err, "payment proof processing failed", "order_id", orderID)
		api.writeJSON(ctx, w, http.StatusInternalServerError, fail("Gagal memproses bukti pembayaran. Silakan coba lagi."))
	default:
		api.log(ctx).Error(ctx, err, "submit payment proof failed", "order_id", orderID)
		api.writeJSON(ctx, w, http.StatusInternalServerError, fail("Terjadi kesalahan server."))
	}
}

// HandlePrecheck screens a proof without an order
func (api *API) HandlePrecheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	up, ok := api.readUpload(w, r)
	if !ok {
		return
	}
	var amount int64
	if s := strings.TrimSpace(r.FormValue("amount")); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			api.writeJSON(ctx, w, http.StatusBadRequest, fail("Nominal tidak valid."))
			return
		}
		amount = v
	}

	res, err := api.checkout.Precheck(ctx, up, strings.TrimSpace(r.FormValue("paymentMethodId")), amount, nil)
	if err != nil {
		api.writeProofError(ctx, w, "", res, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, resultResponse(res, ""))
}

// HandleGetOrder serves an order's status
func (api *API) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	o, err := api.checkout.Lookup(ctx, id)
	if errors.Is(err, orders.ErrNotFound) {
		api.writeJSON(ctx, w, http.StatusNotFound, fail("Pesanan tidak ditemukan"))
		return
	}
	if err != nil {
		api.log(ctx).Error(ctx, err, "order lookup failed", "order_id", id)
		api.writeJSON(ctx, w, http.StatusInternalServerError, fail("Terjadi kesalahan server."))
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, orderResponse{envelope: envelope{Success: true}, Order: o})
}

func (api *API) HandlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ms, err := api.checkout.PaymentMethods(ctx)
	if err != nil {
		api.log(ctx).Error(ctx, err, "list payment methods failed")
		api.writeJSON(ctx, w, http.StatusInternalServerError, fail("Terjadi kesalahan server."))
		return
	}
	if ms == nil {
		ms = []orders.PaymentMethod{}
	}
	api.writeJSON(ctx, w, http.StatusOK, paymentMethodsResponse{envelope: envelope{Success: true}, PaymentMethods: ms})
}

// HandleCheckNickname resolves a game account id to its in-game name. An
// unreachable upstream is reported in the body, not as an HTTP error.
func (api *API) HandleCheckNickname(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	res, err := api.nicknames.Lookup(ctx, q.Get("id"), q.Get("zone"))
	if errors.Is(err, nickname.ErrMissingParams) {
		api.writeJSON(ctx, w, http.StatusBadRequest, fail("Missing id or zone"))
		return
	}
	if err != nil {
		api.log(ctx).Error(ctx, err, "nickname lookup failed")
		api.writeJSON(ctx, w, http.StatusInternalServerError, fail("Server error"))
		return
	}

	switch res.Status {
	case nickname.StatusFound:
		api.writeJSON(ctx, w, http.StatusOK, nicknameResponse{envelope: envelope{Success: true}, Nickname: res.Nickname})
	case nickname.StatusNotFound:
		api.writeJSON(ctx, w, http.StatusOK, fail("Nickname not found"))
	default:
		api.writeJSON(ctx, w, http.StatusOK, fail("API unavailable"))
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.log(ctx).Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
