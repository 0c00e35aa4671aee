package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"settleflow/order"
)

type placeOrderRequest struct {
	ListingID       string `json:"listing_id"`
	SellerID        string `json:"seller_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Method          string `json:"method"`
	ProcessingFee   int64  `json:"processing_fee"`
	PlatformFee     int64  `json:"platform_fee"`
	GasFee          int64  `json:"gas_fee"`
	TaxEscrowAmount int64  `json:"tax_escrow_amount"`
}

func (a *API) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ord, err := a.Orders.Place(r.Context(), order.PlaceRequest{
		ListingID:       req.ListingID,
		BuyerID:         callerID(r),
		SellerID:        req.SellerID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Method:          order.PaymentMethod(req.Method),
		ProcessingFee:   req.ProcessingFee,
		PlatformFee:     req.PlatformFee,
		GasFee:          req.GasFee,
		TaxEscrowAmount: req.TaxEscrowAmount,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ord)
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ord, err := a.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

func (a *API) handleListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := a.Orders.Payments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (a *API) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ord, err := a.Orders.Transition(r.Context(), chi.URLParam(r, "id"), order.Status(req.Status))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

func (a *API) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status      string  `json:"status"`
		TxHash      *string `json:"tx_hash"`
		BlockNumber *int64  `json:"block_number"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	p, err := a.Orders.TransitionPayment(r.Context(), chi.URLParam(r, "id"),
		order.PaymentStatus(req.Status), req.TxHash, req.BlockNumber)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleListOrderRefunds(w http.ResponseWriter, r *http.Request) {
	refunds, err := a.Refunds.ListByOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refunds)
}

func (a *API) handleListOrderTax(w http.ResponseWriter, r *http.Request) {
	liabilities, err := a.Taxes.ListByOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liabilities)
}
