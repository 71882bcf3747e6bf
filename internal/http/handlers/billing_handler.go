// README: Payment and invoice endpoints over the billing service.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cabcore/internal/http/middleware"
	"cabcore/internal/modules/fare"
	"cabcore/internal/types"
)

type BillingHandler struct {
	billing *fare.Billing
}

func NewBillingHandler(billing *fare.Billing) *BillingHandler {
	return &BillingHandler{billing: billing}
}

type payReq struct {
	InvoiceID string `json:"invoice_id" binding:"required"`
	Method    string `json:"payment_method" binding:"required"`
	Details   string `json:"payment_method_details"`
}

// Pay settles one of the caller's invoices. A declined charge still answers
// 200 with a FAILED payment.
func (h *BillingHandler) Pay(c *gin.Context) {
	var req payReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := h.billing.Pay(c.Request.Context(), fare.PaymentRequest{
		InvoiceID:  types.ID(req.InvoiceID),
		CustomerID: types.ID(middleware.CallerUID(c)),
		Method:     fare.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.Method))),
		Details:    req.Details,
	})
	if err != nil {
		writeFareError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (h *BillingHandler) Payment(c *gin.Context) {
	p, err := h.billing.Payment(c.Request.Context(), c.Param("txn"))
	if err != nil {
		writeFareError(c, err)
		return
	}
	if !privileged(middleware.CallerRole(c)) && p.CustomerID != types.ID(middleware.CallerUID(c)) {
		writeError(c, http.StatusForbidden, errForbidden.Error())
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (h *BillingHandler) Refund(c *gin.Context) {
	p, err := h.billing.Refund(c.Request.Context(), c.Param("txn"))
	if err != nil {
		writeFareError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

// Invoices pages through the caller's invoices, newest first.
func (h *BillingHandler) Invoices(c *gin.Context) {
	page, err := queryInt(c, "page", 0)
	if err != nil {
		writeError(c, http.StatusBadRequest, "page and size must be integers")
		return
	}
	size, err := queryInt(c, "size", fare.DefaultInvoicePageSize)
	if err != nil {
		writeError(c, http.StatusBadRequest, "page and size must be integers")
		return
	}
	res, err := h.billing.CustomerInvoices(c.Request.Context(), types.ID(middleware.CallerUID(c)), page, size)
	if err != nil {
		writeFareError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
