package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goliatone/go-entitlements/core"
	goerrors "github.com/goliatone/go-errors"
)

const DefaultMaxBodyBytes int64 = 1 << 20

type NotificationService interface {
	HandlePushNotification(ctx context.Context, signedPayload string) (core.NotificationResult, error)
}

type Request struct {
	Headers map[string]string
	Body    []byte
}

type Result struct {
	Accepted   bool
	StatusCode int
	Metadata   map[string]any
}

type notificationBody struct {
	SignedPayload string `json:"signedPayload"`
}

type NotificationHandler struct {
	Service      NotificationService
	MaxBodyBytes int64
}

func NewNotificationHandler(service NotificationService) *NotificationHandler {
	return &NotificationHandler{Service: service, MaxBodyBytes: DefaultMaxBodyBytes}
}

// Handle decodes one delivery and applies it. A non-nil error always comes
// with a rejected Result whose StatusCode is safe to return to the sender.
func (h *NotificationHandler) Handle(ctx context.Context, req Request) (Result, error) {
	if h == nil || h.Service == nil {
		err := handlerDependencyError("webhooks: notification service is required")
		return rejectedResult(err), err
	}
	if limit := h.maxBodyBytes(); int64(len(req.Body)) > limit {
		err := badRequestError(fmt.Sprintf("webhooks: body exceeds %d bytes", limit))
		return rejectedResult(err), err
	}

	signed, err := decodeSignedPayload(req.Body)
	if err != nil {
		return rejectedResult(err), err
	}

	result, err := h.Service.HandlePushNotification(ctx, signed)
	if err != nil {
		rejected := rejectedResult(err)
		rejected.Metadata["notification_type"] = result.NotificationType
		rejected.Metadata["transaction_id"] = result.TransactionID
		return rejected, err
	}
	return Result{
		Accepted:   true,
		StatusCode: http.StatusOK,
		Metadata: map[string]any{
			"outcome":           string(result.Outcome),
			"event_kind":        string(result.EventKind),
			"notification_type": result.NotificationType,
			"transaction_id":    result.TransactionID,
			"account_id":        result.AccountID,
		},
	}, nil
}

// ServeHTTP answers with the mapped status code and a small JSON body. It
// performs no routing or authentication of its own.
func (h *NotificationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"accepted": false})
		return
	}
	limit := h.maxBodyBytes()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"accepted": false, "error": core.ErrorBadInput})
		return
	}
	headers := make(map[string]string, len(r.Header))
	for key := range r.Header {
		headers[strings.ToLower(key)] = r.Header.Get(key)
	}

	result, err := h.Handle(r.Context(), Request{Headers: headers, Body: body})
	payload := map[string]any{"accepted": result.Accepted}
	if outcome, ok := result.Metadata["outcome"]; ok {
		payload["outcome"] = outcome
	}
	if err != nil {
		payload["error"] = textCode(err)
	}
	writeJSON(w, result.StatusCode, payload)
}

// StatusCodeFor maps a rejection to the status returned to the storefront.
func StatusCodeFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if core.IsVerificationFailure(err) {
		return http.StatusBadRequest
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich != nil {
		if rich.Code >= http.StatusBadRequest && rich.Code <= 599 {
			return rich.Code
		}
		switch rich.Category {
		case goerrors.CategoryBadInput, goerrors.CategoryValidation:
			return http.StatusBadRequest
		case goerrors.CategoryNotFound:
			return http.StatusNotFound
		case goerrors.CategoryAuthz:
			return http.StatusForbidden
		}
	}
	return http.StatusInternalServerError
}

func decodeSignedPayload(body []byte) (string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return "", badRequestError("webhooks: body is required")
	}
	var decoded notificationBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", wrapBadRequest(err, "webhooks: body is not valid json")
	}
	signed := strings.TrimSpace(decoded.SignedPayload)
	if signed == "" {
		return "", badRequestError("webhooks: signedPayload is required")
	}
	return signed, nil
}

func rejectedResult(err error) Result {
	return Result{
		Accepted:   false,
		StatusCode: StatusCodeFor(err),
		Metadata: map[string]any{
			"rejected":  true,
			"text_code": textCode(err),
		},
	}
}

func textCode(err error) string {
	if code := core.TextCodeOf(err); code != "" {
		return code
	}
	return core.ErrorInternal
}

func (h *NotificationHandler) maxBodyBytes() int64 {
	if h != nil && h.MaxBodyBytes > 0 {
		return h.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
