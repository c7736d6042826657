package purchases

import (
	"strconv"

	eventsvc "codemarket-backend/internal/application/events"
	purchasesvc "codemarket-backend/internal/application/purchases"
	reviewsvc "codemarket-backend/internal/application/reviews"
	"codemarket-backend/internal/middleware"
	"codemarket-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

type Handlers struct {
	Service *purchasesvc.Service
	Reviews *reviewsvc.Service
	Events  *eventsvc.Service
}

type initiateRequest struct {
	ListingID string `json:"listing_id"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

// POST /api/v1/purchases
func (h *Handlers) InitiatePurchase(c *fiber.Ctx) error {
	var body initiateRequest
	if err := c.BodyParser(&body); err != nil || body.ListingID == "" {
		return response.Error(c, "listing_id is required", fiber.StatusBadRequest, nil)
	}
	res, err := h.Service.InitiatePurchase(c.Context(), body.ListingID, middleware.Address(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.SuccessCreated(c, "Purchase initiated", res, nil)
}

// GET /api/v1/purchases/mine
func (h *Handlers) ListBuyerPurchases(c *fiber.Ctx) error {
	out, err := h.Service.ListBuyerPurchases(c.Context(), middleware.Address(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Purchases fetched successfully", out, fiber.Map{"count": len(out)})
}

// GET /api/v1/purchases/sales
func (h *Handlers) ListSellerSales(c *fiber.Ctx) error {
	out, err := h.Service.ListSellerSales(c.Context(), middleware.Address(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Sales fetched successfully", out, fiber.Map{"count": len(out)})
}

// GET /api/v1/purchases/:id
func (h *Handlers) GetPurchase(c *fiber.Ctx) error {
	p, err := h.Service.GetPurchase(c.Context(), c.Params("id"), middleware.Address(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Purchase fetched successfully", p, nil)
}

// POST /api/v1/purchases/:id/confirm
func (h *Handlers) ConfirmSettlement(c *fiber.Ctx) error {
	p, err := h.Service.ConfirmSettlement(c.Context(), c.Params("id"), middleware.Address(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Settlement checked", p, nil)
}

// POST /api/v1/purchases/:id/cancel
func (h *Handlers) CancelPurchase(c *fiber.Ctx) error {
	p, err := h.Service.CancelPurchase(c.Context(), c.Params("id"), middleware.Address(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Purchase cancelled", p, nil)
}

// POST /api/v1/purchases/:id/dispute
func (h *Handlers) DisputePurchase(c *fiber.Ctx) error {
	var body disputeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
		}
	}
	p, err := h.Service.DisputePurchase(c.Context(), c.Params("id"), middleware.Address(c), body.Reason)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Purchase disputed", p, nil)
}

// GET /api/v1/purchases/:id/content: the decrypted artifact as an attachment.
func (h *Handlers) RequestContent(c *fiber.Ctx) error {
	d, err := h.Service.RequestContent(c.Context(), c.Params("id"), middleware.Address(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return sendDelivery(c, d)
}

// GET /api/v1/downloads/:token
func (h *Handlers) VerifyDownload(c *fiber.Ctx) error {
	d, err := h.Service.VerifyDownload(c.Context(), c.Params("token"))
	if err != nil {
		return response.FromError(c, err)
	}
	return sendDelivery(c, d)
}

// POST /api/v1/purchases/:id/review
func (h *Handlers) SubmitReview(c *fiber.Ctx) error {
	var in reviewsvc.SubmitReviewInput
	if err := c.BodyParser(&in); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	r, err := h.Reviews.SubmitReview(c.Context(), c.Params("id"), middleware.Address(c), in)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.SuccessCreated(c, "Review submitted", r, nil)
}

// GET /api/v1/purchases/:id/events
func (h *Handlers) PurchaseEvents(c *fiber.Ctx) error {
	events, err := h.Events.PurchaseEvents(c.Context(), c.Params("id"), middleware.Address(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Purchase events fetched successfully", events, nil)
}

func sendDelivery(c *fiber.Ctx, d *purchasesvc.Delivery) error {
	c.Set("X-Access-Token", d.Token)
	c.Set("X-Download-Count", strconv.Itoa(d.DownloadCount))
	c.Set("X-Purchase-Id", d.PurchaseID)
	c.Attachment(d.Filename)
	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	return c.Status(fiber.StatusOK).Send(d.Content)
}
