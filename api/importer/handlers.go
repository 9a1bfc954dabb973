package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"SmartBillBook/api"
	"SmartBillBook/internal/checksum"
	"SmartBillBook/internal/config"
)

type Handlers struct {
	store        *Store
	orchestrator *Orchestrator
	retryEngine  *RetryEngine
	mappings     *MappingTable
	archiver     *Archiver
}

func NewHandlers(store *Store, orchestrator *Orchestrator, retryEngine *RetryEngine,
	mappings *MappingTable, archiver *Archiver) *Handlers {
	return &Handlers{
		store:        store,
		orchestrator: orchestrator,
		retryEngine:  retryEngine,
		mappings:     mappings,
		archiver:     archiver,
	}
}

func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/import/upload", h.Upload).Methods(http.MethodPost)
	r.HandleFunc("/import/preview", h.Preview).Methods(http.MethodPost)
	r.HandleFunc("/import/batches", h.ListBatches).Methods(http.MethodGet)
	r.HandleFunc("/import/statistics", h.Statistics).Methods(http.MethodGet)
	r.HandleFunc("/import/batches/{id:[0-9]+}", h.GetBatch).Methods(http.MethodGet)
	r.HandleFunc("/import/batches/{id:[0-9]+}/errors", h.ListErrors).Methods(http.MethodGet)
	r.HandleFunc("/import/batches/{id:[0-9]+}/errors/analysis", h.AnalyzeBatch).Methods(http.MethodGet)
	r.HandleFunc("/import/batches/{id:[0-9]+}/errors/export", h.ExportErrors).Methods(http.MethodGet)
	r.HandleFunc("/import/batches/{id:[0-9]+}/retry", h.RetryBatch).Methods(http.MethodPost)
	r.HandleFunc("/import/errors/{id:[0-9]+}/retry", h.RetryError).Methods(http.MethodPost)
	r.HandleFunc("/import/errors/{id:[0-9]+}/ignore", h.IgnoreError).Methods(http.MethodPost)
}

// readUpload pulls the bill file and import options out of a multipart form,
// enforcing the size limit before buffering.
func (h *Handlers) readUpload(r *http.Request) ([]byte, string, ImportOptions, error) {
	var opts ImportOptions
	if err := r.ParseMultipartForm(config.MaxImportFileBytes + 1024); err != nil {
		return nil, "", opts, fmt.Errorf("invalid multipart form: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", opts, fmt.Errorf("missing file field: %w", err)
	}
	defer file.Close()

	if header.Size > config.MaxImportFileBytes {
		return nil, "", opts, ErrFileTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(file, config.MaxImportFileBytes+1))
	if err != nil {
		return nil, "", opts, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > config.MaxImportFileBytes {
		return nil, "", opts, ErrFileTooLarge
	}

	userID, err := strconv.ParseInt(r.FormValue("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		return nil, "", opts, fmt.Errorf("user_id is required")
	}
	accountID, err := strconv.ParseInt(r.FormValue("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		return nil, "", opts, fmt.Errorf("account_id is required")
	}

	source := r.FormValue("source")
	if source == "" {
		source = detectSource(header.Filename)
	}
	policy := DirectionPolicy(r.FormValue("direction_policy"))
	switch policy {
	case PolicyAmbiguousExpense, PolicyAmbiguousTransfer, PolicyAmbiguousSkip:
	case "":
		policy = PolicyAmbiguousExpense
	default:
		return nil, "", opts, fmt.Errorf("unknown direction_policy %q", policy)
	}

	opts = ImportOptions{
		UserID:           userID,
		Source:           source,
		DefaultAccountID: accountID,
		SkipDuplicates:   r.FormValue("skip_duplicates") != "false",
		AutoCategorize:   r.FormValue("auto_categorize") != "false",
		DirectionPolicy:  policy,
		DuplicateWindow:  time.Duration(config.DefaultDuplicateWindowSec) * time.Second,
	}
	return data, header.Filename, opts, nil
}

// detectSource guesses the provider from the export's file name.
func detectSource(filename string) string {
	name := strings.ToLower(filename)
	switch {
	case strings.Contains(name, "微信") || strings.Contains(name, "wechat") || strings.Contains(name, "weixin"):
		return "wechat"
	case strings.Contains(name, "支付宝") || strings.Contains(name, "alipay"):
		return "alipay"
	default:
		return "manual"
	}
}

// Upload accepts a bill file, creates the batch and kicks off the pipeline.
// Returns 202 with the batch id; processing is asynchronous.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	data, filename, opts, err := h.readUpload(r)
	if err != nil {
		status := http.StatusBadRequest
		if err == ErrFileTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		api.RespondWithError(w, status, err.Error())
		return
	}

	sum := checksum.Sum(data)
	if r.FormValue("force") != "true" {
		if prior, err := h.store.FindBatchByChecksum(r.Context(), opts.UserID, sum); err != nil {
			api.RespondWithError(w, http.StatusInternalServerError, err.Error())
			return
		} else if prior != nil {
			api.RespondWithError(w, http.StatusConflict, fmt.Sprintf(
				"identical file already imported as batch %d (%s); pass force=true to import again",
				prior.ID, prior.FileName))
			return
		}
	}

	batch := &ImportBatch{
		UserID:   opts.UserID,
		Source:   opts.Source,
		FileName: filename,
		FileSize: int64(len(data)),
		Checksum: sum,
	}
	if err := h.store.CreateBatch(r.Context(), batch); err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.archiver != nil {
		h.archiver.ArchiveAsync(batch, data)
	}

	// The request context dies with this response; the pipeline gets its own.
	go h.orchestrator.Run(context.Background(), batch, data, opts)

	api.RespondWithPayload(w, http.StatusAccepted, map[string]interface{}{
		"batch_id": batch.ID,
		"status":   batch.Status,
	})
}

// Preview parses the header and a handful of rows without creating a batch,
// so the UI can confirm the column mapping before a real import.
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	data, filename, _, err := h.readUpload(r)
	if err != nil {
		status := http.StatusBadRequest
		if err == ErrFileTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		api.RespondWithError(w, status, err.Error())
		return
	}

	result, err := ParseFile(data, filename, h.mappings, config.HeaderScanRows)
	if err != nil {
		api.RespondWithError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	reader := NewRowReader(result)
	samples := []map[string]interface{}{}
	parseFailures := 0
	for len(samples) < config.PreviewSampleRows {
		row, rowErr := reader.Next()
		if row == nil && rowErr == nil {
			break
		}
		if rowErr != nil {
			parseFailures++
			continue
		}
		samples = append(samples, map[string]interface{}{
			"row_number":       row.RowNumber,
			"transaction_time": row.Time.Format("2006-01-02 15:04:05"),
			"direction":        row.DirectionText,
			"amount":           row.Amount.String(),
			"merchant_name":    row.MerchantName,
			"remark":           row.Remark,
		})
	}

	columns := map[string]int{}
	for idx, field := range result.Columns {
		columns[field] = idx
	}
	api.RespondWithPayload(w, http.StatusOK, map[string]interface{}{
		"header_row":     result.HeaderRow + 1,
		"columns":        columns,
		"total_rows":     reader.CandidateCount(),
		"sample_rows":    samples,
		"parse_failures": parseFailures,
		"source":         detectSource(filename),
	})
}

func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	userID, err := queryUserID(r)
	if err != nil {
		api.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	batch, err := h.store.GetBatch(r.Context(), batchID, userID)
	if err == ErrBatchNotFound {
		api.RespondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, batch)
}

func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r)
	if err != nil {
		api.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	batches, err := h.store.ListBatches(r.Context(), userID, limit, offset)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, batches)
}

// Statistics aggregates a user's recent import health across batches:
// counters, error groups and recurring failure patterns.
func (h *Handlers) Statistics(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r)
	if err != nil {
		api.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	windowDays, _ := strconv.Atoi(r.URL.Query().Get("window_days"))
	if windowDays <= 0 || windowDays > 365 {
		windowDays = config.StatsWindowDays
	}
	stats, err := h.store.UserImportStats(r.Context(), userID, windowDays)
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, stats)
}

func (h *Handlers) ListErrors(w http.ResponseWriter, r *http.Request) {
	batchID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	recs, err := h.store.ListErrors(r.Context(), batchID, r.URL.Query().Get("status"))
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, recs)
}

func (h *Handlers) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	batchID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	recs, err := h.store.ListErrors(r.Context(), batchID, "pending")
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, AnalyzeErrors(batchID, recs))
}

// ExportErrors renders a plain-text error report for download.
func (h *Handlers) ExportErrors(w http.ResponseWriter, r *http.Request) {
	batchID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	recs, err := h.store.ListErrors(r.Context(), batchID, "")
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="batch_%d_errors.txt"`, batchID))
	fmt.Fprintf(w, "Import error report for batch %d\n", batchID)
	fmt.Fprintf(w, "Generated at %s\n\n", time.Now().Format(time.RFC3339))
	for _, rec := range recs {
		fmt.Fprintf(w, "Row %d [%s] (%s, retries: %d)\n", rec.RowNumber, rec.Kind,
			rec.Status, rec.RetryCount)
		fmt.Fprintf(w, "  %s\n", rec.Message)
		if rec.SuggestedFix != "" {
			fmt.Fprintf(w, "  Fix: %s\n", rec.SuggestedFix)
		}
		fmt.Fprintln(w)
	}
}

type retryRequest struct {
	UserID      int64             `json:"user_id"`
	AccountID   int64             `json:"account_id"`
	Corrections map[string]string `json:"corrections,omitempty"`
}

func (rr *retryRequest) options() ImportOptions {
	return ImportOptions{
		UserID:           rr.UserID,
		Source:           "retry",
		DefaultAccountID: rr.AccountID,
		SkipDuplicates:   true,
		DirectionPolicy:  PolicyAmbiguousExpense,
		DuplicateWindow:  time.Duration(config.DefaultDuplicateWindowSec) * time.Second,
	}
}

func (h *Handlers) RetryError(w http.ResponseWriter, r *http.Request) {
	errorID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 || req.AccountID <= 0 {
		api.RespondWithError(w, http.StatusBadRequest, "user_id and account_id are required")
		return
	}
	result, err := h.retryEngine.Retry(r.Context(), errorID, req.Corrections, req.options())
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, result)
}

func (h *Handlers) RetryBatch(w http.ResponseWriter, r *http.Request) {
	batchID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 || req.AccountID <= 0 {
		api.RespondWithError(w, http.StatusBadRequest, "user_id and account_id are required")
		return
	}
	results, err := h.retryEngine.RetryBatch(r.Context(), batchID, req.options())
	if err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resolved := 0
	for _, res := range results {
		if res.Resolved {
			resolved++
		}
	}
	api.RespondWithPayload(w, http.StatusOK, map[string]interface{}{
		"attempted": len(results),
		"resolved":  resolved,
		"results":   results,
	})
}

func (h *Handlers) IgnoreError(w http.ResponseWriter, r *http.Request) {
	errorID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := h.store.MarkErrorIgnored(r.Context(), errorID); err != nil {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondWithPayload(w, http.StatusOK, map[string]interface{}{"ignored": errorID})
}

func queryUserID(r *http.Request) (int64, error) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("user_id query parameter is required")
	}
	return userID, nil
}
