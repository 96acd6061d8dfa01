package parser

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aluiziolira/go-easymall/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateProduct ensures the catalogue returned the required fields.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if err := validate.Struct(p); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			return fmt.Errorf("product %d: field %s failed %q", p.ID, fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		return fmt.Errorf("product %d: %w", p.ID, err)
	}
	return nil
}

// NormalizeImageURL strips the bracket and quote characters the
// catalogue sometimes leaves around image URLs.
func NormalizeImageURL(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), `[]"`)
}

// NormalizeProduct cleans a product in place.
func NormalizeProduct(p *models.Product) {
	p.Title = strings.TrimSpace(p.Title)
	images := p.Images[:0]
	for _, img := range p.Images {
		if cleaned := NormalizeImageURL(img); cleaned != "" {
			images = append(images, cleaned)
		}
	}
	p.Images = images
	p.Category.Image = NormalizeImageURL(p.Category.Image)
}
