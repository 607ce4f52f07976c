package billing

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dmitrymomot/memberbridge/handler"
)

// CreateSubscriptionRequest starts a checkout.
type CreateSubscriptionRequest struct {
	PlanID   string `json:"planId" validate:"required,max=64"`
	Name     string `json:"name" validate:"required,max=140"`
	Surname  string `json:"surname" validate:"required,max=140"`
	Email    string `json:"email" validate:"required,email,max=254"`
	MemberID string `json:"memberId" validate:"omitempty,max=128"`
}

// SubscriptionSuccessRequest is the approval redirect from the payment provider.
type SubscriptionSuccessRequest struct {
	MemberID       string `query:"memberId"`
	SubscriptionID string `query:"subscription_id"`
}

// UnsubscribeRequest cancels by subscription or by member.
type UnsubscribeRequest struct {
	MemberID       string `json:"memberId" validate:"required_without=SubscriptionID,max=128"`
	SubscriptionID string `json:"subscriptionId" validate:"required_without=MemberID,max=128"`
	Immediate      bool   `json:"immediate"`
}

// StatusRequest addresses one subscription.
type StatusRequest struct {
	SubscriptionID string `path:"id"`
}

// WebhookRequest addresses the provider a notification comes from.
type WebhookRequest struct {
	Provider string `path:"provider"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validationError converts validator failures into per-field messages keyed by JSON name.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := handler.NewValidationError()
	for _, fe := range fieldErrs {
		out.Add(fe.Field(), fieldMessage(fe))
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "is required when no other identifier is given"
	case "email":
		return "must be a valid email address"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
