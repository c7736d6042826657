package listings

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"

	eventsvc "codemarket-backend/internal/application/events"
	listsvc "codemarket-backend/internal/application/listings"
	reviewsvc "codemarket-backend/internal/application/reviews"
	"codemarket-backend/internal/domain"
	"codemarket-backend/internal/middleware"
	"codemarket-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

type Handlers struct {
	Service *listsvc.Service
	Reviews *reviewsvc.Service
	Events  *eventsvc.Service
}

// GET /api/v1/listings
func (h *Handlers) Catalog(c *fiber.Ctx) error {
	f := listsvc.CatalogFilter{
		Language: c.Query("language"),
		Owner:    c.Query("owner"),
		SortBy:   c.Query("sort_by"),
		Order:    c.Query("order"),
	}
	if tags := c.Query("tags"); tags != "" {
		f.Tags = domain.ParseTags(tags)
	}
	var err error
	if f.MinPrice, err = queryDecimal(c, "min_price"); err != nil {
		return response.FromError(c, err)
	}
	if f.MaxPrice, err = queryDecimal(c, "max_price"); err != nil {
		return response.FromError(c, err)
	}
	if s := c.Query("min_rating"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return response.Error(c, "min_rating must be a number", fiber.StatusBadRequest, nil)
		}
		f.MinRating = &v
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return response.FromError(c, err)
	}
	if f.Offset, err = queryInt(c, "offset"); err != nil {
		return response.FromError(c, err)
	}

	page, err := h.Service.Catalog(c.Context(), f)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Page(c, "Listings fetched successfully", page.Listings, response.PageMeta{
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// GET /api/v1/listings/:id
func (h *Handlers) GetListing(c *fiber.Ctx) error {
	listing, err := h.Service.GetListing(c.Context(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Listing fetched successfully", listing, nil)
}

// GET /api/v1/listings/:id/reviews
func (h *Handlers) ListingReviews(c *fiber.Ctx) error {
	res, err := h.Reviews.ListingReviews(c.Context(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Reviews fetched successfully", res.Reviews, fiber.Map{
		"rating": res.Rating,
		"count":  res.Count,
	})
}

// GET /api/v1/listings/owner/:address: inactive listings only for the owner themself.
func (h *Handlers) OwnerListings(c *fiber.Ctx) error {
	owner := c.Params("address")
	self := middleware.Address(c) == owner
	listings, err := h.Service.OwnerListings(c.Context(), owner, self)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Owner listings fetched successfully", listings, nil)
}

// POST /api/v1/listings: multipart with the artifact in field "code".
func (h *Handlers) CreateListing(c *fiber.Ctx) error {
	fh, err := c.FormFile("code")
	if err != nil {
		return response.Error(c, "code file is required", fiber.StatusBadRequest, nil)
	}
	f, err := fh.Open()
	if err != nil {
		return response.Error(c, "Unable to read code file", fiber.StatusBadRequest, nil)
	}
	defer f.Close()
	artifact, err := io.ReadAll(f)
	if err != nil {
		return response.Error(c, "Unable to read code file", fiber.StatusBadRequest, nil)
	}

	price, err := decimal.NewFromString(strings.TrimSpace(c.FormValue("price")))
	if err != nil {
		return response.Error(c, "price must be a decimal number", fiber.StatusBadRequest, nil)
	}
	in := listsvc.CreateListingInput{
		Title:        c.FormValue("title"),
		Description:  c.FormValue("description"),
		Language:     c.FormValue("language"),
		Tags:         formTags(c.FormValue("tags")),
		Price:        price,
		ArtifactName: fh.Filename,
	}

	listing, err := h.Service.CreateListing(c.Context(), middleware.Address(c), in, artifact)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.SuccessCreated(c, "Listing created successfully", listing, nil)
}

// PUT /api/v1/listings/:id
func (h *Handlers) UpdateListing(c *fiber.Ctx) error {
	var in listsvc.UpdateListingInput
	if err := c.BodyParser(&in); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	listing, err := h.Service.UpdateListing(c.Context(), c.Params("id"), middleware.Address(c), in)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Listing updated successfully", listing, nil)
}

// DELETE /api/v1/listings/:id: soft delete.
func (h *Handlers) DeactivateListing(c *fiber.Ctx) error {
	if err := h.Service.DeactivateListing(c.Context(), c.Params("id"), middleware.Address(c)); err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Listing deactivated successfully", fiber.Map{"id": c.Params("id")}, nil)
}

// GET /api/v1/listings/:id/events
func (h *Handlers) ListingEvents(c *fiber.Ctx) error {
	events, err := h.Events.ListingEvents(c.Context(), c.Params("id"), middleware.Address(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Listing events fetched successfully", events, nil)
}

// formTags accepts a JSON array or a comma-separated list.
func formTags(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if strings.HasPrefix(v, "[") {
		var tags []string
		if err := json.Unmarshal([]byte(v), &tags); err == nil {
			return tags
		}
	}
	return domain.ParseTags(v)
}

func queryDecimal(c *fiber.Ctx, key string) (*decimal.Decimal, error) {
	s := c.Query(key)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, domain.Validation(key + " must be a decimal number")
	}
	return &d, nil
}

func queryInt(c *fiber.Ctx, key string) (int, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, domain.Validation(key + " must be a non-negative integer")
	}
	return n, nil
}

type traceRequest struct {
	Watermark string `json:"watermark"`
}

// POST /api/v1/listings/watermarks/trace
func (h *Handlers) TraceWatermark(c *fiber.Ctx) error {
	var body traceRequest
	if err := c.BodyParser(&body); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	res, err := h.Service.TraceWatermark(c.Context(), body.Watermark)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Success(c, "Watermark traced", res, nil)
}
