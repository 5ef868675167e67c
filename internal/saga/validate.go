package saga

import (
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// Validate checks that all attributes are present and the amount is positive.
func (a PaymentAttributes) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.AmountMinor, validation.Required, validation.Min(int64(1))),
		validation.Field(&a.Currency, validation.Required, validation.Match(currencyCode)),
		validation.Field(&a.DebtorAccount, validation.Required, validation.By(notBlank)),
		validation.Field(&a.CreditorAccount, validation.Required, validation.By(notBlank)),
		validation.Field(&a.PaymentType, validation.Required, validation.By(notBlank)),
		validation.Field(&a.ClearingSystem, validation.Required, validation.By(notBlank)),
	)
}

// ValidateStart validates the inputs of a saga start request.
func ValidateStart(tenantID string, attrs PaymentAttributes) error {
	if strings.TrimSpace(tenantID) == "" {
		return Invalid(validation.Errors{"tenant_id": validation.ErrRequired})
	}
	return Invalid(attrs.Validate())
}

func notBlank(value any) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return validation.ErrRequired
	}
	return nil
}
