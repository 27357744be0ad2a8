package grants

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/grantledger/milestones/pkg/authz"
	"github.com/grantledger/milestones/pkg/signature"
)

const maxBodyBytes = 1 << 20

type createApplicationBody struct {
	Milestones []MilestoneTerms `json:"milestones"`
}

// signedDataBody carries a signed milestone payload. MilestoneData is kept
// raw so the signature is checked against what the client sent.
type signedDataBody struct {
	SignedData    signature.SignedPayload `json:"signedData"`
	MilestoneData json.RawMessage         `json:"milestoneData"`
}

type transactionBody struct {
	ProposalNearTransactionHash string `json:"proposalNearTransactionHash"`
}

type interviewBody struct {
	CalendlyURL       string                  `json:"calendlyUrl"`
	SignedCalendlyURL signature.SignedPayload `json:"signedCalendlyUrl"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Code   Kind              `json:"code,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

// createApplicationHandler opens a grant application for the caller.
func createApplicationHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createApplicationBody
		if !decodeBody(w, r, &body) {
			return
		}
		app, err := engine.CreateApplication(r.Context(), CreateApplicationRequest{
			Identity:   extractAccount(r),
			Milestones: body.Milestones,
		})
		if err != nil {
			writeEngineError(w, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, NewApplicationView(app, engine.Features().DefaultCurrency))
	}
}

// listApplicationsHandler lists the caller's applications.
func listApplicationsHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apps, next, err := engine.List(r.Context(), extractAccount(r), pageSize(r), r.URL.Query().Get("pageToken"))
		if err != nil {
			writeEngineError(w, engine.logger, err)
			return
		}
		views := make([]ApplicationView, len(apps))
		for i, app := range apps {
			views[i] = NewApplicationView(app, engine.Features().DefaultCurrency)
		}
		writeJSON(w, http.StatusOK, ApplicationList{Applications: views, NextPageToken: next})
	}
}

// getApplicationHandler returns one of the caller's applications.
func getApplicationHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app, err := engine.Get(r.Context(), chi.URLParam(r, "id"), extractAccount(r))
		if err != nil {
			writeEngineError(w, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, NewApplicationView(app, engine.Features().DefaultCurrency))
	}
}

// getHistoryHandler lists paginated transition events for an application.
func getHistoryHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, next, total, err := engine.History(r.Context(), chi.URLParam(r, "id"), extractAccount(r),
			pageSize(r), r.URL.Query().Get("pageToken"))
		if err != nil {
			writeEngineError(w, engine.logger, err)
			return
		}
		events := make([]MilestoneEvent, len(records))
		for i, rec := range records {
			events[i] = recordToEvent(rec)
		}
		writeJSON(w, http.StatusOK, MilestoneEventList{Events: events, NextPageToken: next, TotalSize: total})
	}
}

// createMilestoneHandler appends an ad-hoc milestone.
func createMilestoneHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body signedDataBody
		if !decodeBody(w, r, &body) {
			return
		}
		app, err := engine.CreateMilestone(r.Context(), CreateMilestoneRequest{
			ApplicationID: chi.URLParam(r, "id"),
			Identity:      extractAccount(r),
			Signed:        body.SignedData,
			Data:          body.MilestoneData,
		})
		if err != nil {
			writeEngineError(w, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, NewApplicationView(app, engine.Features().DefaultCurrency))
	}
}

// submitMilestoneHandler submits a milestone's delivery report.
func submitMilestoneHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := milestoneIndex(w, r)
		if !ok {
			return
		}
		var body signedDataBody
		if !decodeBody(w, r, &body) {
			return
		}
		app, err := engine.Submit(r.Context(), SubmitRequest{
			ApplicationID: chi.URLParam(r, "id"),
			Identity:      extractAccount(r),
			Index:         index,
			Signed:        body.SignedData,
			Data:          body.MilestoneData,
		})
		if err != nil {
			writeEngineError(w, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, NewApplicationView(app, engine.Features().DefaultCurrency))
	}
}

// recordTransactionHandler records the DAO proposal transaction.
func recordTransactionHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := milestoneIndex(w, r)
		if !ok {
			return
		}
		var body transactionBody
		if !decodeBody(w, r, &body) {
			return
		}
		app, err := engine.RecordFunding(r.Context(), RecordFundingRequest{
			ApplicationID:   chi.URLParam(r, "id"),
			Identity:        extractAccount(r),
			Index:           index,
			TransactionHash: body.ProposalNearTransactionHash,
		})
		if err != nil {
			writeEngineError(w, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, NewApplicationView(app, engine.Features().DefaultCurrency))
	}
}

// scheduleInterviewHandler attaches the signed interview link.
func scheduleInterviewHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := milestoneIndex(w, r)
		if !ok {
			return
		}
		var body interviewBody
		if !decodeBody(w, r, &body) {
			return
		}
		app, err := engine.ScheduleInterview(r.Context(), ScheduleInterviewRequest{
			ApplicationID: chi.URLParam(r, "id"),
			Identity:      extractAccount(r),
			Index:         index,
			InterviewURL:  body.CalendlyURL,
			Signed:        body.SignedCalendlyURL,
		})
		if err != nil {
			writeEngineError(w, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, NewApplicationView(app, engine.Features().DefaultCurrency))
	}
}

// validateMilestoneHandler approves a milestone. Admin only.
func validateMilestoneHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := milestoneIndex(w, r)
		if !ok {
			return
		}
		app, err := engine.Validate(r.Context(), ValidateRequest{
			ApplicationID: chi.URLParam(r, "id"),
			Index:         index,
			Actor:         extractAccount(r),
		})
		if err != nil {
			writeEngineError(w, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, NewApplicationView(app, engine.Features().DefaultCurrency))
	}
}

// extractAccount returns the authenticated NEAR account, or "".
func extractAccount(r *http.Request) string {
	id, _ := authz.IdentityFromContext(r.Context())
	return id.Account
}

func milestoneIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid milestone index %q", chi.URLParam(r, "index")))
		return 0, false
	}
	return index, true
}

func pageSize(r *http.Request) int {
	if ps := r.URL.Query().Get("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			return v
		}
	}
	return 20
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// statusForKind maps a rejection kind onto an HTTP status.
func statusForKind(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindOrderingViolation, KindVerificationFailed, KindValidationFailed, KindFeatureDisabled:
		return http.StatusBadRequest
	case KindAlreadyTransitioned, KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes a rejection. Internal failures are logged and
// reported without detail.
func writeEngineError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		writeJSON(w, status, errorResponse{Error: "internal server error", Code: KindInternal})
		return
	}
	resp := errorResponse{Error: publicMessage(err), Code: kind}
	var ge *Error
	if errors.As(err, &ge) {
		resp.Errors = ge.Fields
	}
	writeJSON(w, status, resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
