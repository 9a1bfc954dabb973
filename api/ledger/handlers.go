package ledger

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"SmartBillBook/api"
	"SmartBillBook/internal/notification"
)

type Handlers struct {
	store    *Store
	verifier *Verifier
	center   *notification.Center
}

func NewHandlers(store *Store, verifier *Verifier, center *notification.Center) *Handlers {
	return &Handlers{store: store, verifier: verifier, center: center}
}

func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/ledger/accounts/{id:[0-9]+}/events", h.ListEvents).Methods(http.MethodGet)
	r.HandleFunc("/ledger/accounts/{id:[0-9]+}/verify", h.VerifyAccount).Methods(http.MethodPost)
	r.HandleFunc("/ledger/accounts/{id:[0-9]+}/adjust", h.Adjust).Methods(http.MethodPost)
	r.HandleFunc("/ledger/mismatches", h.ListMismatches).Methods(http.MethodGet)
	r.HandleFunc("/ledger/verifications", h.ListHistory).Methods(http.MethodGet)
	r.HandleFunc("/ledger/verifications/summary", h.GetSummary).Methods(http.MethodGet)
	r.HandleFunc("/ledger/mismatches/{id:[0-9]+}/resolve", h.ResolveMismatch).Methods(http.MethodPost)
	r.HandleFunc("/ledger/mismatches/{id:[0-9]+}/ignore", h.IgnoreMismatch).Methods(http.MethodPost)
	r.HandleFunc("/ledger/notifications", h.DrainNotifications).Methods(http.MethodGet)
	r.HandleFunc("/ledger/preferences", h.GetPreference).Methods(http.MethodGet)
	r.HandleFunc("/ledger/preferences", h.UpdatePreference).Methods(http.MethodPut)
}

func queryUserID(r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	return userID, err == nil && userID > 0
}

func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	accountID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	userID, ok := queryUserID(r)
	if !ok {
		api.RespondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.store.ListEvents(r.Context(), userID, accountID, limit)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, events)
}

func (h *Handlers) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	accountID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	userID, ok := queryUserID(r)
	if !ok {
		api.RespondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	batchID, _ := strconv.ParseInt(r.URL.Query().Get("batch_id"), 10, 64)
	tolerance, err := strconv.ParseFloat(r.URL.Query().Get("tolerance"), 64)
	if err != nil {
		tolerance = 0 // fall back to the user's preference
	}
	if tolerance < 0 || tolerance > 1 {
		api.RespondWithError(w, http.StatusBadRequest, "tolerance must be between 0 and 1")
		return
	}
	ver, err := h.verifier.VerifyAccount(r.Context(), userID, accountID, batchID, tolerance)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, ver)
}

type adjustRequest struct {
	UserID        int64  `json:"user_id"`
	TargetBalance string `json:"target_balance"`
	Remark        string `json:"remark,omitempty"`
}

func (h *Handlers) Adjust(w http.ResponseWriter, r *http.Request) {
	accountID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 {
		api.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	target, err := decimal.NewFromString(req.TargetBalance)
	if err != nil {
		api.RespondWithError(w, http.StatusBadRequest, "target_balance must be a decimal string")
		return
	}
	remark := req.Remark
	if remark == "" {
		remark = "manual balance adjustment"
	}
	ev, err := h.store.RecordAdjustment(r.Context(), req.UserID, accountID, target, remark)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, ev)
}

func (h *Handlers) ListMismatches(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(r)
	if !ok {
		api.RespondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	vers, err := h.verifier.ListMismatches(r.Context(), userID)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, vers)
}

func (h *Handlers) ListHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(r)
	if !ok {
		api.RespondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	vers, err := h.verifier.ListHistory(r.Context(), userID, r.URL.Query().Get("status"), limit)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, vers)
}

func (h *Handlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(r)
	if !ok {
		api.RespondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	summary, err := h.verifier.GetSummary(r.Context(), userID)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, summary)
}

type resolveRequest struct {
	UserID          int64 `json:"user_id"`
	ApplyCorrection bool  `json:"apply_correction"`
}

func (h *Handlers) ResolveMismatch(w http.ResponseWriter, r *http.Request) {
	verificationID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 {
		api.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := h.verifier.ResolveMismatch(r.Context(), req.UserID, verificationID, req.ApplyCorrection); err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, map[string]interface{}{"resolved": verificationID})
}

func (h *Handlers) IgnoreMismatch(w http.ResponseWriter, r *http.Request) {
	verificationID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	userID, ok := queryUserID(r)
	if !ok {
		api.RespondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	if err := h.verifier.IgnoreMismatch(r.Context(), userID, verificationID); err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, map[string]interface{}{"ignored": verificationID})
}

// DrainNotifications returns and clears the pending mismatch alerts.
func (h *Handlers) DrainNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(r)
	if !ok {
		api.RespondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	api.RespondWithPayload(w, http.StatusOK, h.center.Drain(userID))
}

func (h *Handlers) GetPreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(r)
	if !ok {
		api.RespondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	pref, err := h.verifier.GetPreference(r.Context(), userID)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, pref)
}

func (h *Handlers) UpdatePreference(w http.ResponseWriter, r *http.Request) {
	var pref Preference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		api.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if pref.UserID <= 0 {
		api.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := h.verifier.UpdatePreference(r.Context(), &pref); err != nil {
		api.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, pref)
}
