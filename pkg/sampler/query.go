package sampler

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nicktill/searchsampler/pkg/fetch"
	"github.com/nicktill/searchsampler/pkg/period"
	"github.com/nicktill/searchsampler/pkg/storage"
)

// SearchQuery describes what to retrieve. It is built once and passed by value.
type SearchQuery struct {
	// Terms are queried in order; each may use the API's boolean syntax
	// (e.g. "cough + sneeze").
	Terms []string `json:"terms" validate:"required,min=1,dive,required"`

	// Region is a country ("US"), an ISO-3166-2 region ("US-DC") or a
	// numeric Nielsen DMA code ("511").
	Region string `json:"region" validate:"required,region"`

	Granularity period.Granularity `json:"granularity" validate:"required,oneof=day week month"`

	// Inclusive calendar dates
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required,gtefield=Start"`

	// Name identifies the persisted dataset together with Region
	Name string `json:"name" validate:"omitempty,excludesall=/\\"`
}

// Dataset returns the storage address of the query's results
func (q SearchQuery) Dataset() storage.Dataset {
	return storage.Dataset{Region: q.Region, Name: q.Name}
}

// ConfigurationError reports an invalid query or sampling parameter.
// It is raised before any network activity and never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("region", func(fl validator.FieldLevel) bool {
		_, err := fetch.ParseRegion(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the query and returns a *ConfigurationError naming the
// first offending field
func (q SearchQuery) Validate() error {
	err := validate.Struct(q)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ConfigurationError{Field: "query", Reason: err.Error()}
	}
	return fieldError(fieldErrs[0], q)
}

// fieldError formats a single field validation error
func fieldError(e validator.FieldError, q SearchQuery) *ConfigurationError {
	field := e.Field()
	if strings.HasPrefix(field, "terms[") {
		field = "terms"
	}

	switch e.Tag() {
	case "required":
		if field == "terms" {
			return &ConfigurationError{Field: field, Reason: "must contain at least one non-empty term"}
		}
		return &ConfigurationError{Field: field, Reason: "is required"}
	case "min":
		return &ConfigurationError{Field: field, Reason: "must contain at least one non-empty term"}
	case "oneof":
		return &ConfigurationError{Field: field, Reason: fmt.Sprintf("%q is not one of: %s", e.Value(), e.Param())}
	case "gtefield":
		return &ConfigurationError{Field: field, Reason: fmt.Sprintf("end %s is before start %s",
			q.End.Format(period.DateLayout), q.Start.Format(period.DateLayout))}
	case "region":
		_, err := fetch.ParseRegion(q.Region)
		return &ConfigurationError{Field: field, Reason: err.Error()}
	case "excludesall":
		return &ConfigurationError{Field: field, Reason: "must not contain path separators"}
	default:
		return &ConfigurationError{Field: field, Reason: fmt.Sprintf("failed %q check", e.Tag())}
	}
}

func validateSamples(samples int) error {
	if samples < 1 {
		return &ConfigurationError{Field: "samples_per_period", Reason: fmt.Sprintf("must be >= 1, got %d", samples)}
	}
	return nil
}
