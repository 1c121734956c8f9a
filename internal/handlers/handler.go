package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	xhttp "github.com/nimasrn/bulk-sms-orchestrator/pkg/http"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

const APIPrefix = "/api/v1"

// Per-client request budgets, per minute.
const (
	SendRateLimit        = 30
	BulkRateLimit        = 5
	DeviceCheckRateLimit = 10
	DeviceStatusLimit    = 30
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest maps struct tag failures to client-facing messages.
func validateRequest(v any) error {
	err := validate.Struct(v)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	if fe.Tag() == "required" {
		return model.NewValidationError(fe.Field(), "Missing required field: "+fe.Field())
	}
	return model.NewValidationError(fe.Field(), fmt.Sprintf("Invalid value for field: %s", fe.Field()))
}

// writeServiceError answers err with the status its kind calls for.
func writeServiceError(ctx *xhttp.RequestCtx, err error, notFound string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(ctx, xhttp.StatusNotFound, notFound)
	case errors.Is(err, model.ErrJobTerminal):
		writeError(ctx, xhttp.StatusConflict, "Job already finished")
	default:
		logger.Error("request failed", "path", string(ctx.Path()), "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "Internal server error")
	}
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return errors.New("No JSON data provided")
	}
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

// pathInt64 reads a numeric route parameter such as {id}.
func pathInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	v, _ := ctx.UserValue(name).(string)
	return strconv.ParseInt(v, 10, 64)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

// queryInt returns def when key is absent or not a number.
func queryInt(ctx *xhttp.RequestCtx, key string, def int) int {
	if n, err := strconv.Atoi(query(ctx, key)); err == nil {
		return n
	}
	return def
}

func limited(perMinute int, h xhttp.RequestHandler) xhttp.RequestHandler {
	return xhttp.NewRateLimiter(perMinute, xhttp.ClientKey).Wrap(h)
}

// pageResponse is the envelope of every paginated listing.
type pageResponse struct {
	Total       int64 `json:"total"`
	Pages       int   `json:"pages"`
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
}

func newPage(total int64, page, perPage int) pageResponse {
	return pageResponse{
		Total:       total,
		Pages:       model.Pages(total, perPage),
		CurrentPage: page,
		PerPage:     perPage,
	}
}
