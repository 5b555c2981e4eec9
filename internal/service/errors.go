package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrPaymentNotCompleted is returned to a client confirmation while the
	// gateway has not reached a final outcome.
	ErrPaymentNotCompleted = errors.New("payment not completed")
	// ErrPaymentGateway wraps failures talking to the payment gateway.
	ErrPaymentGateway = errors.New("payment gateway unavailable")
	// ErrSellerMismatch is returned when a seller updates another seller's item.
	ErrSellerMismatch = errors.New("line item belongs to another seller")
)

// FieldError is one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a malformed request before anything is persisted.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// fromValidator converts validator output into a ValidationError.
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ve := &ValidationError{}
	for _, fe := range verrs {
		msg := "failed on " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		ve.Fields = append(ve.Fields, FieldError{Field: fe.Namespace(), Message: msg})
	}
	return ve
}

// StockShortage reports one product whose stock cannot cover the request.
type StockShortage struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// InsufficientStockError is the best-effort stock check failing at creation.
type InsufficientStockError struct {
	Shortages []StockShortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.ProductID, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

// OrderNotFoundError is returned for unknown order ids and payment handles.
type OrderNotFoundError struct {
	OrderID         string
	GatewayHandleID string
}

func (e *OrderNotFoundError) Error() string {
	if e.GatewayHandleID != "" {
		return fmt.Sprintf("no order for payment handle %s", e.GatewayHandleID)
	}
	return fmt.Sprintf("order %s not found", e.OrderID)
}

// InvalidTransitionError is an operation attempted in an incompatible state.
// From and To are order statuses, or payment statuses for payment outcomes.
type InvalidTransitionError struct {
	OrderID string
	From    string
	To      string
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("order %s: invalid transition from %s to %s", e.OrderID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}
