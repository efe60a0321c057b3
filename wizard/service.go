package wizard

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"csvwizard/domain"
	"csvwizard/filestore"
	"csvwizard/mapping"
	"csvwizard/procapi"
	"csvwizard/report"
)

// Service exposes the wizard controller over HTTP for the browser client.
type Service struct {
	ctrl    *Controller
	files   *filestore.Store
	tmpRoot string
}

func NewService(ctrl *Controller, files *filestore.Store, tmpRoot string) *Service {
	tmpRoot = strings.TrimSpace(tmpRoot)
	if tmpRoot == "" {
		tmpRoot = "./tmp"
	}
	return &Service{ctrl: ctrl, files: files, tmpRoot: tmpRoot}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/wizard/fields", s.handleFields)
	mux.HandleFunc("/wizard/sessions", s.handleCreateSession)
	mux.HandleFunc("/wizard/sessions/", s.handleSessionRoutes)
}

func (s *Service) handleFields(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fields": mapping.Catalog(),
	})
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		OrganizationID string `json:"organization_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	sess, err := s.ctrl.CreateSession(req.OrganizationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Service) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	// /wizard/sessions/{id}
	// /wizard/sessions/{id}/file | step | mapping | templates |
	//   templates/apply | commit | reset | errors.xlsx
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/wizard/sessions/"), "/")
	if path == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetSession(w, r, id)
		case http.MethodDelete:
			s.handleDestroySession(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "file":
			switch r.Method {
			case http.MethodPost:
				s.handleSelectFile(w, r, id)
			case http.MethodDelete:
				s.handleRemoveFile(w, r, id)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		case "step":
			s.requirePost(w, r, id, s.handleStep)
			return
		case "mapping":
			s.requirePost(w, r, id, s.handleMapping)
			return
		case "templates":
			switch r.Method {
			case http.MethodGet:
				s.handleListTemplates(w, r, id)
			case http.MethodPost:
				s.handleSaveTemplate(w, r, id)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		case "commit":
			s.requirePost(w, r, id, s.handleCommit)
			return
		case "reset":
			s.requirePost(w, r, id, s.handleReset)
			return
		case "errors.xlsx":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleErrorReport(w, r, id)
			return
		}
	}

	if len(parts) == 3 && parts[1] == "templates" && parts[2] == "apply" {
		s.requirePost(w, r, id, s.handleApplyTemplate)
		return
	}

	http.NotFound(w, r)
}

func (s *Service) requirePost(w http.ResponseWriter, r *http.Request, id string, h func(http.ResponseWriter, *http.Request, string)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h(w, r, id)
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.ctrl.GetSession(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handleDestroySession(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.ctrl.DestroySession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSelectFile streams the multipart upload straight to the staging
// store; nothing is buffered in memory.
func (s *Service) handleSelectFile(w http.ResponseWriter, r *http.Request, id string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+(1<<20))
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, "invalid multipart stream", http.StatusBadRequest)
			return
		}
		if part == nil {
			continue
		}
		if strings.TrimSpace(part.FormName()) != "file" {
			_, _ = io.Copy(io.Discard, part)
			_ = part.Close()
			continue
		}

		name := filepath.Base(strings.ReplaceAll(part.FileName(), "\\", "/"))
		sess, err := s.ctrl.SelectFile(r.Context(), id, name, r.ContentLength, part)
		_ = part.Close()
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
		return
	}
	http.Error(w, "missing file part", http.StatusBadRequest)
}

func (s *Service) handleRemoveFile(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.ctrl.RemoveFile(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handleStep(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Step int `json:"step"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	sess, err := s.ctrl.GoToStep(r.Context(), id, domain.Step(req.Step))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handleMapping(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		TargetField  string `json:"target_field"`
		SourceColumn string `json:"source_column"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	sess, err := s.ctrl.SetMappingEntry(r.Context(), id, req.TargetField, req.SourceColumn)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handleListTemplates(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.ctrl.GetSession(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tpls := s.ctrl.ListTemplates(r.Context(), sess.OrganizationID)
	if tpls == nil {
		tpls = []domain.MappingTemplate{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"templates": tpls,
	})
}

func (s *Service) handleSaveTemplate(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.ctrl.SaveTemplate(r.Context(), id, req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"saved": true,
		"name":  req.Name,
	})
}

func (s *Service) handleApplyTemplate(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	sess, err := s.ctrl.ApplyTemplate(r.Context(), id, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handleCommit(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		SkipInvalid bool `json:"skip_invalid"`
	}
	// Empty body means skip_invalid=false.
	if r.Body != nil {
		_ = json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req)
	}
	sess, err := s.ctrl.Commit(r.Context(), id, req.SkipInvalid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.ctrl.Reset(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleErrorReport renders the current validation errors as a styled xlsx.
// With OSS configured the file goes out via a signed URL (cross-pod safe);
// otherwise it is served straight from a temp file.
func (s *Service) handleErrorReport(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.ctrl.GetSession(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sess.Validation == nil {
		http.Error(w, "no validation result to export", http.StatusConflict)
		return
	}

	dir := filepath.Join(s.tmpRoot, "upload_sessions", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	localPath := filepath.Join(dir, "validation_errors.xlsx")
	srcName := ""
	if sess.File != nil {
		srcName = sess.File.Name
	}
	if err := report.WriteValidationErrorsXLSX(localPath, srcName, sess.Validation); err != nil {
		http.Error(w, "render report failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	downloadName := "validation_errors.xlsx"
	if s.files != nil && s.files.OSSEnabled() {
		key, err := s.files.PutReport(id, localPath)
		if err != nil {
			http.Error(w, "upload report failed", http.StatusBadGateway)
			return
		}
		signed, err := s.files.SignReportURL(key, downloadName)
		if err != nil {
			http.Error(w, "sign report url failed", http.StatusBadGateway)
			return
		}
		if wantsJSON(r) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"url":      signed,
				"filename": downloadName,
			})
			return
		}
		http.Redirect(w, r, signed, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	escaped := url.PathEscape(downloadName)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", downloadName, escaped))
	http.ServeFile(w, r, localPath)
}

func wantsJSON(r *http.Request) bool {
	if r == nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("format")), "json") {
		return true
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	return strings.Contains(accept, "application/json")
}

// writeError maps controller and backend failures onto HTTP statuses.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	var apiErr *procapi.APIError
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrTemplateNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrSessionBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrBadStep), errors.Is(err, ErrCommitBlocked):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrFileRequired), errors.Is(err, ErrNotACSV), errors.Is(err, ErrUnknownField):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrFileTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.As(err, &apiErr):
		// Backend rejected the request; surface its message, not a bare 500.
		http.Error(w, apiErr.Message, http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
