package verification

import (
	"strings"

	"github.com/lemlab/verifier/internal/errors"
)

// Validation sentinels. Validate wraps them so errors.Is works on its result.
var (
	ErrMissingNumber = errors.NewStd("verification number is required")
	ErrNoSpecimens   = errors.NewStd("at least one specimen is required")
)

// Validate checks the conditions that block any save attempt.
// Every failing condition is reported.
func Validate(r Record) error {
	var errs []error
	if strings.TrimSpace(r.Header.NumberLabel) == "" {
		errs = append(errs, errors.New(ErrMissingNumber).
			Component("verification").
			Category(errors.CategoryValidation).
			Context("field", "number_label").
			Build())
	}
	if len(r.Specimens) == 0 {
		errs = append(errs, errors.New(ErrNoSpecimens).
			Component("verification").
			Category(errors.CategoryValidation).
			Build())
	}
	return errors.Join(errs...)
}
