package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tokengate/tokengate/pkg/models"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message   string   `json:"message"`
	Type      string   `json:"type"`
	Code      string   `json:"code,omitempty"`
	Budget    *float64 `json:"budget,omitempty"`
	Remaining *float64 `json:"remaining,omitempty"`
	Required  *float64 `json:"required,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	ExpiresAt string   `json:"expires_at,omitempty"`
}

func writeJSONError(w http.ResponseWriter, code int, message, typ string) {
	writeError(w, code, errorDetail{Message: message, Type: typ})
}

func writeError(w http.ResponseWriter, code int, d errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: d})
}

// writeDenial maps each denial to its status code and payload.
func writeDenial(w http.ResponseWriter, d models.Denial) {
	detail := errorDetail{Code: d.Code(), Message: d.Error()}
	status := http.StatusInternalServerError

	switch e := d.(type) {
	case *models.BudgetExceededError:
		status = http.StatusTooManyRequests
		detail.Type = "insufficient_quota"
		detail.Message = fmt.Sprintf("Budget exceeded. Remaining: $%.4f, Required: $%.4f", e.Remaining, e.Required)
		detail.Budget, detail.Remaining, detail.Required = &e.Budget, &e.Remaining, &e.Required
	case *models.SessionFrozenError:
		status = http.StatusTooManyRequests
		detail.Type = "rate_limit_exceeded"
		detail.Message = "Session frozen: " + e.Reason
		detail.Reason = e.Reason
		if !e.ExpiresAt.IsZero() {
			detail.ExpiresAt = e.ExpiresAt.UTC().Format(time.RFC3339)
			if secs := int(time.Until(e.ExpiresAt).Seconds()); secs > 0 {
				w.Header().Set("Retry-After", fmt.Sprint(secs))
			}
		}
	case *models.UnknownModelError:
		status = http.StatusBadRequest
		detail.Type = "invalid_request_error"
	case *models.StoreUnavailableError:
		status = http.StatusServiceUnavailable
		detail.Type = "service_unavailable"
		detail.Message = "Budget service unavailable"
	}
	writeError(w, status, detail)
}
