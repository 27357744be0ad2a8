package grants

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/go-playground/validator.v9"

	"github.com/grantledger/milestones/pkg/signature"
)

// SubmissionData is the signed payload of a milestone submission.
type SubmissionData struct {
	GithubURL  string `json:"githubUrl"  validate:"required,url,max=500"`
	Attachment string `json:"attachment" validate:"omitempty,url,max=500"`
	Comments   string `json:"comments"   validate:"max=5000"`
}

// MilestoneData is the signed payload of an ad-hoc milestone. The
// submission fields are optional; when githubUrl is present the milestone
// is submitted in the same step.
type MilestoneData struct {
	Budget       decimal.Decimal `json:"budget"`
	DeliveryDate string          `json:"deliveryDate" validate:"required,isodate"`
	Description  string          `json:"description"  validate:"required,max=2000"`
	GithubURL    string          `json:"githubUrl"    validate:"omitempty,url,max=500"`
	Attachment   string          `json:"attachment"   validate:"omitempty,url,max=500"`
	Comments     string          `json:"comments"     validate:"max=5000"`
}

func (d MilestoneData) submission() (SubmissionData, bool) {
	if d.GithubURL == "" {
		return SubmissionData{}, false
	}
	return SubmissionData{GithubURL: d.GithubURL, Attachment: d.Attachment, Comments: d.Comments}, true
}

// MilestoneTerms seeds a milestone at application creation.
type MilestoneTerms struct {
	Budget       decimal.Decimal `json:"budget"`
	DeliveryDate string          `json:"deliveryDate" validate:"required,isodate"`
	Description  string          `json:"description"  validate:"required,max=2000"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		_, err := parseDate(fl.Field().String())
		return err == nil
	})
	return v
}

// parseDate accepts a calendar date or a full RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// decodeData decodes the canonical form of a signed JSON object into dst,
// so dst holds exactly the values the signature covers. Keys that differ
// only in letter case are rejected because struct decoding folds case.
func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return validationError(map[string]string{"milestoneData": "is required"})
	}
	invalid := validationError(map[string]string{"milestoneData": "must be a JSON object with valid values"})
	canonical, err := signature.Canonicalize(raw)
	if err != nil {
		return invalid
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &keys); err != nil || keys == nil {
		return invalid
	}
	seen := make(map[string]string, len(keys))
	for k := range keys {
		folded := strings.ToLower(k)
		if other, dup := seen[folded]; dup {
			name := min(k, other)
			return validationError(map[string]string{name: "is given more than once"})
		}
		seen[folded] = k
	}

	if err := json.Unmarshal(canonical, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return validationError(map[string]string{typeErr.Field: "has the wrong type"})
		}
		return invalid
	}
	return nil
}

// validateStruct runs the tag rules and returns field path to message
// pairs, or nil when valid.
func validateStruct(s any) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"milestoneData": err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fieldMessage(fe)
	}
	return fields
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "isodate":
		return "must be a date (YYYY-MM-DD) or RFC 3339 timestamp"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

func checkBudget(budget decimal.Decimal, fields map[string]string) map[string]string {
	if budget.IsPositive() {
		return fields
	}
	if fields == nil {
		fields = map[string]string{}
	}
	fields["budget"] = "must be a positive amount"
	return fields
}

func validateSubmission(d SubmissionData) error {
	if fields := validateStruct(d); fields != nil {
		return validationError(fields)
	}
	return nil
}

func validateMilestoneData(d MilestoneData) error {
	fields := checkBudget(d.Budget, validateStruct(d))
	if d.GithubURL == "" && (d.Attachment != "" || d.Comments != "") {
		if fields == nil {
			fields = map[string]string{}
		}
		fields["githubUrl"] = "is required when submitting"
	}
	if fields != nil {
		return validationError(fields)
	}
	return nil
}

func validateTerms(index int, t MilestoneTerms) map[string]string {
	fields := checkBudget(t.Budget, validateStruct(t))
	if fields == nil {
		return nil
	}
	prefixed := make(map[string]string, len(fields))
	for k, v := range fields {
		prefixed[fmt.Sprintf("milestones.%d.%s", index, k)] = v
	}
	return prefixed
}
