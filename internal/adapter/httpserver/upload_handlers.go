package httpserver

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/clinicore/chartpipe/internal/domain"
	"github.com/clinicore/chartpipe/internal/usecase"
)

// uploadForm is the non-file part of the ingest request.
type uploadForm struct {
	SessionID   string `validate:"required,max=100"`
	ChartNumber string `validate:"required,max=100"`
	PatientName string `validate:"max=200"`
	Facility    string `validate:"max=200"`
	Specialty   string `validate:"max=200"`
	Provider    string `validate:"max=200"`
	DateOfVisit string `validate:"max=50"`
}

// normalizeMIME strips parameters such as charset from a sniffed MIME type.
func normalizeMIME(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

// UploadHandler accepts a multipart batch of clinical documents for one
// chart: metadata fields plus one or more "files" parts. The whole batch
// becomes a single processing job.
func (s *Server) UploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "PAYLOAD_TOO_LARGE",
					Message: "request exceeds upload limit",
					Details: map[string]any{"max_mb": s.Cfg.MaxUploadMB},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		form := uploadForm{
			SessionID:   strings.TrimSpace(r.FormValue("session_id")),
			ChartNumber: strings.TrimSpace(r.FormValue("chart_number")),
			PatientName: strings.TrimSpace(r.FormValue("patient_name")),
			Facility:    strings.TrimSpace(r.FormValue("facility")),
			Specialty:   strings.TrimSpace(r.FormValue("specialty")),
			Provider:    strings.TrimSpace(r.FormValue("provider")),
			DateOfVisit: strings.TrimSpace(r.FormValue("date_of_visit")),
		}
		if err := getValidator().Struct(form); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		if !validIdent(form.SessionID) || !validIdent(form.ChartNumber) {
			writeError(w, r, fmt.Errorf("%w: session_id and chart_number must be simple identifiers", domain.ErrInvalidArgument), nil)
			return
		}

		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			writeError(w, r, fmt.Errorf("%w: at least one file required", domain.ErrInvalidArgument),
				map[string]string{"field": "files"})
			return
		}
		txnIDs := r.MultipartForm.Value["transaction_id"]
		txnLabels := r.MultipartForm.Value["transaction_label"]

		maxFileBytes := s.Cfg.MaxFileMB * 1024 * 1024
		files := make([]usecase.IngestFile, 0, len(headers))
		for i, h := range headers {
			if h.Size > maxFileBytes {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "PAYLOAD_TOO_LARGE",
					Message: "file exceeds per-file limit",
					Details: map[string]any{"filename": h.Filename, "max_mb": s.Cfg.MaxFileMB},
				}})
				return
			}
			f, err := h.Open()
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: %s: %v", domain.ErrInvalidArgument, h.Filename, err), nil)
				return
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: %s: read: %v", domain.ErrInvalidArgument, h.Filename, err), nil)
				return
			}

			mime := normalizeMIME(mimetype.Detect(data).String())
			if !s.Cfg.MimeAllowed(mime) {
				writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
					Code:    "UNSUPPORTED_MEDIA_TYPE",
					Message: "file content type not accepted",
					Details: map[string]any{"filename": h.Filename, "mime": mime},
				}})
				return
			}
			if _, err := domain.KindForMIME(mime); err != nil {
				writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
					Code:    "UNSUPPORTED_MEDIA_TYPE",
					Message: err.Error(),
					Details: map[string]any{"filename": h.Filename},
				}})
				return
			}

			file := usecase.IngestFile{
				Filename: h.Filename,
				MIME:     mime,
				Size:     int64(len(data)),
				Body:     bytes.NewReader(data),
			}
			if i < len(txnIDs) && txnIDs[i] != "" {
				file.TransactionID = txnIDs[i]
				file.IsGroupMember = true
			}
			if i < len(txnLabels) {
				file.TransactionLabel = txnLabels[i]
			}
			files = append(files, file)
		}

		res, err := s.Ingest.IngestBatch(r.Context(), domain.ChartUpsert{
			SessionID:   form.SessionID,
			ChartNumber: form.ChartNumber,
			Meta: domain.ChartMeta{
				PatientName: form.PatientName,
				Facility:    form.Facility,
				Specialty:   form.Specialty,
				Provider:    form.Provider,
				DateOfVisit: form.DateOfVisit,
			},
		}, files)
		if err != nil {
			writeError(w, r, fmt.Errorf("ingest: %w", err), nil)
			return
		}

		LoggerFrom(r).Info("batch ingested",
			"chart_number", res.Chart.ChartNumber,
			"documents", len(res.DocumentIDs),
			"job_id", res.JobID,
			"enqueue_skipped", res.EnqueueSkipped)
		status := http.StatusAccepted
		if res.EnqueueSkipped {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{
			"chartNumber":    res.Chart.ChartNumber,
			"sessionId":      res.Chart.SessionID,
			"documentIds":    res.DocumentIDs,
			"jobId":          res.JobID,
			"enqueueSkipped": res.EnqueueSkipped,
			"aiStatus":       res.Chart.AIStatus,
		})
	}
}
