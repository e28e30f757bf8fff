package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
)

// API exposes the attempt lifecycle over JSON. The caller's identity arrives
// in the X-User-ID header, set by the auth layer in front of this service.
type API struct {
	service *app.AttemptService
}

func NewAPI(service *app.AttemptService) *API {
	return &API{service: service}
}

// Register mounts the REST routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/attempts", a.beginAttempt)
	mux.HandleFunc("GET /api/attempts/{id}", a.getAttempt)
	mux.HandleFunc("POST /api/attempts/{id}/answers", a.recordAnswer)
	mux.HandleFunc("GET /api/attempts/{id}/answers", a.listAnswers)
	mux.HandleFunc("POST /api/attempts/{id}/finalize", a.finalize)
	mux.HandleFunc("GET /api/users/{id}/attempts", a.listUserAttempts)
	mux.HandleFunc("GET /api/users/{id}/profile", a.getProfile)
	mux.HandleFunc("GET /api/users/{id}/engagement", a.engagement)
}

type beginAttemptRequest struct {
	QuizID string `json:"quizId"`
}

func (a *API) beginAttempt(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return
	}

	var req beginAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuizID == "" {
		writeError(w, http.StatusBadRequest, "quizId is required")
		return
	}

	attempt, err := a.service.BeginAttempt(r.Context(), userID, req.QuizID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attempt)
}

func (a *API) getAttempt(w http.ResponseWriter, r *http.Request) {
	attempt, err := a.service.GetAttempt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

type recordAnswerRequest struct {
	QuestionID       string `json:"questionId"`
	Answer           string `json:"answer"`
	TimeSpentSeconds int    `json:"timeSpentSeconds"`
}

func (a *API) recordAnswer(w http.ResponseWriter, r *http.Request) {
	var req recordAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuestionID == "" {
		writeError(w, http.StatusBadRequest, "questionId is required")
		return
	}

	answer, err := a.service.RecordAnswer(r.Context(), r.PathValue("id"), req.QuestionID, req.Answer, req.TimeSpentSeconds)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, answer)
}

func (a *API) listAnswers(w http.ResponseWriter, r *http.Request) {
	answers, err := a.service.ListAnswers(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answers)
}

type finalizeRequest struct {
	TimeSpentSeconds int `json:"timeSpentSeconds"`
}

func (a *API) finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid finalize payload")
		return
	}

	// A replay returns 200 with the stored result; only a failed transition
	// is an error to the caller.
	result, err := a.service.Finalize(r.Context(), r.PathValue("id"), req.TimeSpentSeconds)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) listUserAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := a.service.ListUserAttempts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (a *API) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := a.service.GetProfile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (a *API) engagement(w http.ResponseWriter, r *http.Request) {
	from, err := parseDay(r.URL.Query().Get("from"), time.Now().AddDate(0, 0, -30))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
		return
	}
	to, err := parseDay(r.URL.Query().Get("to"), time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
		return
	}

	metrics, err := a.service.EngagementBetween(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func parseDay(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse("2006-01-02", raw)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrAttemptNotFound),
		errors.Is(err, domain.ErrQuizNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicateAnswer),
		errors.Is(err, domain.ErrAttemptNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrQuizMismatch),
		errors.Is(err, domain.ErrEmptyQuiz):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
