package registry

import (
	"errors"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Draft is an unsaved bucket registration with plaintext secrets.
type Draft struct {
	Name            string  `json:"name" validate:"required,min=3,max=63"`
	Provider        string  `json:"provider" validate:"required,oneof=aws r2 minio synology generic"`
	Region          string  `json:"region" validate:"omitempty,max=64"`
	Endpoint        string  `json:"endpoint" validate:"omitempty,url"`
	AccessKey       string  `json:"accessKey" validate:"required"`
	SecretKey       string  `json:"secretKey" validate:"required"`
	TotalCapacityGB float64 `json:"totalCapacityGB" validate:"gt=0"`
	IsPrivate       bool    `json:"private"`
	CDNURL          string  `json:"cdnUrl" validate:"omitempty,url"`
}

// ValidationError carries one message per offending field, keyed by its JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateDraft checks the shape of d. It returns nil or a *ValidationError.
func ValidateDraft(d Draft) error {
	fields := map[string]string{}
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields[fe.Field()] = message(fe)
		}
	}
	if strings.TrimSpace(d.Endpoint) == "" && d.Provider != "aws" {
		if _, ok := fields["endpoint"]; !ok {
			fields["endpoint"] = "is required unless provider is aws"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "url":
		return "must be a valid URL"
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid"
	}
}
