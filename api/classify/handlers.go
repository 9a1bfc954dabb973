package classify

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"SmartBillBook/api"
)

type Handlers struct {
	engine *Engine
}

func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{engine: engine}
}

func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/classify/suggest", h.Suggest).Methods(http.MethodPost)
	r.HandleFunc("/classify/confirm", h.Confirm).Methods(http.MethodPost)
	r.HandleFunc("/classify/correct", h.Correct).Methods(http.MethodPost)
	r.HandleFunc("/classify/stats", h.Stats).Methods(http.MethodGet)
	r.HandleFunc("/classify/mappings", h.ExportMappings).Methods(http.MethodGet)
	r.HandleFunc("/classify/mappings/import", h.ImportMappings).Methods(http.MethodPost)
}

type suggestRequest struct {
	UserID       int64  `json:"user_id"`
	MerchantName string `json:"merchant_name"`
	Description  string `json:"description,omitempty"`
	Direction    string `json:"direction"`
}

func (h *Handlers) Suggest(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 || req.MerchantName == "" {
		api.RespondWithError(w, http.StatusBadRequest, "user_id and merchant_name are required")
		return
	}
	s, err := h.engine.Suggest(r.Context(), req.UserID, req.MerchantName, req.Description, req.Direction)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, s)
}

type feedbackRequest struct {
	UserID        int64  `json:"user_id"`
	MerchantName  string `json:"merchant_name"`
	CategoryID    int64  `json:"category_id"`
	OldCategoryID int64  `json:"old_category_id,omitempty"`
}

func (h *Handlers) Confirm(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 || req.MerchantName == "" || req.CategoryID == 0 {
		api.RespondWithError(w, http.StatusBadRequest, "user_id, merchant_name and category_id are required")
		return
	}
	if err := h.engine.Confirm(r.Context(), req.UserID, req.MerchantName, req.CategoryID); err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, map[string]interface{}{"confirmed": true})
}

func (h *Handlers) Correct(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 || req.MerchantName == "" || req.CategoryID == 0 {
		api.RespondWithError(w, http.StatusBadRequest, "user_id, merchant_name and category_id are required")
		return
	}
	if err := h.engine.Correct(r.Context(), req.UserID, req.MerchantName,
		req.OldCategoryID, req.CategoryID); err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, map[string]interface{}{"corrected": true})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		api.RespondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	stats, err := h.engine.GetStats(r.Context(), userID)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, stats)
}

func (h *Handlers) ExportMappings(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		api.RespondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	mappings, err := h.engine.ListMappings(r.Context(), userID)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, mappings)
}

type importMappingsRequest struct {
	UserID   int64           `json:"user_id"`
	Mappings []MappingImport `json:"mappings"`
}

func (h *Handlers) ImportMappings(w http.ResponseWriter, r *http.Request) {
	var req importMappingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 || len(req.Mappings) == 0 {
		api.RespondWithError(w, http.StatusBadRequest, "user_id and mappings are required")
		return
	}
	imported, err := h.engine.ImportMappings(r.Context(), req.UserID, req.Mappings)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, map[string]interface{}{
		"imported": imported,
		"total":    len(req.Mappings),
	})
}
