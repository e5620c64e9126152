package httpserver

import (
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/firm-gateway-go/internal/json"
	"github.com/lk2023060901/firm-gateway-go/internal/protocol"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/typeutil"
)

type tenantRequest struct {
	TenantID string `json:"tenantId"`
}

type loginCodeResponse struct {
	Success      bool `json:"success"`
	HasLoginCode bool `json:"hasLoginCode"`
	IsConnected  bool `json:"isConnected"`
}

type statusResponse struct {
	IsConnected  bool `json:"isConnected"`
	HasLoginCode bool `json:"hasLoginCode"`
}

type loginCodeImageResponse struct {
	Success      bool   `json:"success"`
	ImageDataURL string `json:"imageDataUrl"`
}

type sendMessageRequest struct {
	TenantID string `json:"tenantId"`
	Number   string `json:"number"`
	Message  string `json:"message"`
}

type firmsResponse struct {
	Connected []string `json:"connected"`
}

// decodeJSON 读取请求体，空请求体视为空对象。
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return merr.WrapErrParameterTooLarge("body")
		}
		return merr.WrapErrParameterInvalidMsg("read request body: %v", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return merr.WrapErrParameterInvalidMsg("malformed json body: %v", err)
	}
	return nil
}

func requireField(name string, value string) error {
	if strings.TrimSpace(value) == "" {
		return merr.WrapErrParameterMissing(name)
	}
	return nil
}

func (s *Server) handleLoginCode(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := requireField("tenantId", req.TenantID); err != nil {
		writeError(w, r, err)
		return
	}
	status, err := s.firms.RequestLoginCode(r.Context(), req.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, loginCodeResponse{
		Success:      true,
		HasLoginCode: status.HasLoginCode,
		IsConnected:  status.IsConnected,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if err := requireField("tenantId", tenantID); err != nil {
		writeError(w, r, err)
		return
	}
	status := s.firms.Status(tenantID)
	writeJSON(w, r, http.StatusOK, statusResponse{
		IsConnected:  status.IsConnected,
		HasLoginCode: status.HasLoginCode,
	})
}

func (s *Server) handleLoginCodeImage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if err := requireField("tenantId", tenantID); err != nil {
		writeError(w, r, err)
		return
	}
	code, err := s.firms.LoginCode(tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	image, err := s.qr.DataURL(code)
	if err != nil {
		writeError(w, r, merr.WrapErrServiceInternal(err.Error()))
		return
	}
	writeJSON(w, r, http.StatusOK, loginCodeImageResponse{Success: true, ImageDataURL: image})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	for _, f := range []struct{ name, value string }{
		{"tenantId", req.TenantID},
		{"number", req.Number},
		{"message", req.Message},
	} {
		if err := requireField(f.name, f.value); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := s.firms.SendText(r.Context(), req.TenantID, req.Number, req.Message); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r)
}

func (s *Server) handleSendDocument(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.cfg.MaxUploadBytes {
		writeError(w, r, merr.WrapErrParameterTooLarge("file"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, merr.WrapErrParameterTooLarge("file"))
			return
		}
		writeError(w, r, merr.WrapErrParameterInvalidMsg("malformed multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	tenantID := r.FormValue("tenantId")
	to := r.FormValue("to")
	for _, f := range []struct{ name, value string }{
		{"tenantId", tenantID},
		{"to", to},
	} {
		if err := requireField(f.name, f.value); err != nil {
			writeError(w, r, err)
			return
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, merr.WrapErrParameterMissing("file"))
		return
	}
	defer file.Close()

	doc, err := readDocument(file, header, r.FormValue("filename"), r.FormValue("message"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.firms.SendDocument(r.Context(), tenantID, to, doc); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r)
}

func readDocument(file multipart.File, header *multipart.FileHeader, fileName string, caption string) (protocol.Document, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return protocol.Document{}, merr.WrapErrParameterInvalidMsg("read uploaded file: %v", err)
	}
	if len(data) == 0 {
		return protocol.Document{}, merr.WrapErrParameterMissing("file")
	}
	if fileName == "" {
		fileName = filepath.Base(header.Filename)
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return protocol.Document{
		Data:     data,
		FileName: fileName,
		MimeType: mimeType,
		Caption:  caption,
	}, nil
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := requireField("tenantId", req.TenantID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.firms.Disconnect(r.Context(), req.TenantID); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r)
}

func (s *Server) handleFirms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, firmsResponse{Connected: typeutil.Sorted(s.firms.ListConnected())})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}
