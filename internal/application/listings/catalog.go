package listings

import (
	"context"
	"strings"

	"codemarket-backend/internal/domain"
	"codemarket-backend/internal/pkg/validation"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CatalogFilter selects active listings. Zero values mean "no constraint".
type CatalogFilter struct {
	Language  string
	Tags      []string
	MinPrice  *decimal.Decimal
	MaxPrice  *decimal.Decimal
	MinRating *float64
	Owner     string
	SortBy    string
	Order     string
	Limit     int
	Offset    int
}

var sortColumns = map[string]string{
	"":               "created_at",
	"created_at":     "created_at",
	"createdAt":      "created_at",
	"price":          "price",
	"rating":         "rating",
	"purchase_count": "purchase_count",
	"purchaseCount":  "purchase_count",
}

// CatalogPage is one page of catalog results.
type CatalogPage struct {
	Listings []domain.Listing `json:"listings"`
	Total    int64            `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// Catalog is a pure projection over active listings.
func (s *Service) Catalog(ctx context.Context, f CatalogFilter) (*CatalogPage, error) {
	col, ok := sortColumns[f.SortBy]
	if !ok {
		return nil, domain.Validation("sort_by must be one of created_at, price, rating, purchase_count")
	}
	dir := "DESC"
	switch strings.ToLower(f.Order) {
	case "", "desc":
	case "asc":
		dir = "ASC"
	default:
		return nil, domain.Validation("order must be asc or desc")
	}
	if f.Limit <= 0 {
		f.Limit = DefaultCatalogLimit
	}
	if f.Limit > MaxCatalogLimit {
		f.Limit = MaxCatalogLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.MinPrice != nil && f.MaxPrice != nil && f.MinPrice.GreaterThan(*f.MaxPrice) {
		return nil, domain.Validation("min_price must not exceed max_price")
	}

	q := s.DB.WithContext(ctx).Model(&domain.Listing{}).Where("is_active = ?", true)
	if f.Language != "" {
		q = q.Where("language = ?", strings.ToLower(strings.TrimSpace(f.Language)))
	}
	tags := domain.NormalizeTags(f.Tags)
	for _, t := range tags {
		if !validation.IsValidTag(t) {
			return nil, domain.Validation("tags contains an invalid tag")
		}
	}
	if len(tags) > 0 {
		clauses := make([]string, 0, len(tags))
		args := make([]interface{}, 0, len(tags))
		for _, t := range tags {
			clauses = append(clauses, "tags LIKE ?")
			args = append(args, `%"`+t+`"%`)
		}
		q = q.Where("("+strings.Join(clauses, " OR ")+")", args...)
	}
	if f.MinPrice != nil {
		q = q.Where("price >= ?", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		q = q.Where("price <= ?", *f.MaxPrice)
	}
	if f.MinRating != nil {
		q = q.Where("rating >= ?", *f.MinRating)
	}
	if f.Owner != "" {
		q = q.Where("owner = ?", f.Owner)
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, err
	}
	var out []domain.Listing
	err := q.Omit("encrypted_artifact").
		Order(col + " " + dir).Order("id ASC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Listing{}
	}
	return &CatalogPage{Listings: out, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}
