package engine

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/model"
)

// failed fills res as an error result for err and returns both.
//
// Infrastructure failures are reported retryable on the wire: the engine
// always releases its reservation before reporting them, so resubmitting the
// same key is safe.
func failed(res model.ScanResult, err error) (model.ScanResult, error) {
	var ce *checkin.Error
	if !errors.As(err, &ce) {
		ce = checkin.Wrap(checkin.CodeInternal, "internal error", err)
		err = ce
	}
	res.Status = model.ScanError
	res.Code = string(ce.Code)
	res.Message = ce.Message
	res.Retryable = ce.Kind == checkin.KindTransient || ce.Kind == checkin.KindInfrastructure
	return res, err
}

// classify maps a store or context failure to an engine error.
func classify(err error, msg string) *checkin.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return checkin.Wrap(checkin.CodeTimeout, msg+": timed out", err)
	case errors.Is(err, context.Canceled):
		return checkin.Wrap(checkin.CodeTimeout, msg+": cancelled", err)
	default:
		return checkin.Wrap(checkin.CodeInternal, msg, err)
	}
}

// validationError flattens validator output into a single VALIDATION_ERROR.
func validationError(err error) *checkin.Error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return checkin.Newf(checkin.CodeValidation, "field %s failed %q validation", jsonName(fe), fe.Tag())
	}
	return checkin.Wrap(checkin.CodeValidation, "invalid scan request", err)
}

var fieldNames = map[string]string{
	"IdempotencyKey": "idempotency_key",
	"TicketCode":     "ticket_code",
	"Direction":      "direction",
	"EntranceName":   "entrance_name",
	"OperatorName":   "operator_name",
}

func jsonName(fe validator.FieldError) string {
	if n, ok := fieldNames[fe.StructField()]; ok {
		return n
	}
	return fe.Field()
}
