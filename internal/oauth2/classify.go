package oauth2

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Classification is the classifier's verdict on one provider response.
type Classification struct {
	Kind             FailureKind
	ShouldDeactivate bool
	Retryable        bool
	// Code is the provider's "error" field, if any.
	Code string
}

type classificationRule struct {
	matches func(status int, code string) bool
	kind    FailureKind
}

// classificationRules is evaluated top to bottom; the first match wins.
// A bare 400 is deliberately transient: only an explicit grant error
// deactivates a connection.
var classificationRules = []classificationRule{
	{func(_ int, code string) bool { return code == "invalid_grant" }, PermanentlyExpired},
	{func(_ int, code string) bool { return code == "access_denied" || code == "unauthorized_client" }, Revoked},
	{func(status int, _ string) bool { return status == http.StatusTooManyRequests }, RateLimited},
	{func(status int, _ string) bool { return status >= 500 }, ServerError},
	{func(status int, _ string) bool { return status == http.StatusBadRequest }, MalformedRequest},
}

// Classify maps a provider status code and response body to a failure kind.
// It never fails: unparseable bodies are treated as carrying no error code.
func Classify(status int, body []byte) Classification {
	code := errorCode(body)

	kind := Unknown
	for _, rule := range classificationRules {
		if rule.matches(status, code) {
			kind = rule.kind
			break
		}
	}

	return Classification{
		Kind:             kind,
		ShouldDeactivate: kind == PermanentlyExpired || kind == Revoked,
		Retryable:        kind.Retryable(),
		Code:             code,
	}
}

func errorCode(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Error)
}
