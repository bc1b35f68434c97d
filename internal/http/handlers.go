package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/autosub/internal/service"
	"github.com/obiente/translate/autosub/internal/whisper"
	"github.com/obiente/translate/autosub/internal/workspace"
)

// Part bodies above this size spill to disk while the form is parsed.
const multipartMemory = 32 << 20

// errMalformedForm marks multipart bodies the client got wrong.
var errMalformedForm = errors.New("malformed multipart form")

type handlers struct {
	svc       *service.Service
	maxUpload int64
}

func (h *handlers) transcribe(w http.ResponseWriter, r *http.Request) {
	form, err := h.parseForm(w, r)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer form.close()

	up, err := form.upload("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer up.close()

	resp, err := h.svc.Transcribe(r.Context(), up.Upload, r.FormValue("language"))
	if err != nil {
		h.fail(w, r, "transcribe", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("http: write transcribe response failed")
	}
}

func (h *handlers) burn(w http.ResponseWriter, r *http.Request) {
	form, err := h.parseForm(w, r)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer form.close()

	up, err := form.upload("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer up.close()
	srt, ok := r.MultipartForm.Value["srt"]
	if !ok || len(srt) == 0 {
		writeError(w, http.StatusBadRequest, "missing form field \"srt\"")
		return
	}

	out, err := h.svc.Burn(r.Context(), up.Upload, srt[0])
	if err != nil {
		h.fail(w, r, "burn", err)
		return
	}
	defer workspace.Remove(out)

	f, err := os.Open(out)
	if err != nil {
		h.fail(w, r, "burn", err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		h.fail(w, r, "burn", err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(out)+`"`)
	http.ServeContent(w, r, filepath.Base(out), info.ModTime(), f)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		log.Info().Str("op", op).Msg("http: client went away")
		return
	}
	evt := log.Error()
	if status < 500 {
		evt = log.Warn()
	}
	evt.Err(err).Str("op", op).Int("status", status).Msg("http: request failed")
	detail := err.Error()
	if status >= 500 {
		detail = op + " failed: " + detail
	}
	writeError(w, status, detail)
}

func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, whisper.ErrInvalidLanguage),
		errors.Is(err, http.ErrNotMultipart),
		errors.Is(err, http.ErrMissingBoundary),
		errors.Is(err, errMalformedForm),
		errors.Is(err, multipart.ErrMessageTooLarge):
		return http.StatusBadRequest
	default:
		// UploadError, ExternalToolError and TranscriptionError all land here.
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

type parsedForm struct {
	form *multipart.Form
}

func (h *handlers) parseForm(w http.ResponseWriter, r *http.Request) (*parsedForm, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		// Oversized bodies and temp file failures keep their own status.
		var maxErr *http.MaxBytesError
		var pathErr *fs.PathError
		if errors.As(err, &maxErr) || errors.As(err, &pathErr) ||
			errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errMalformedForm, err)
	}
	return &parsedForm{form: r.MultipartForm}, nil
}

func (p *parsedForm) close() {
	if err := p.form.RemoveAll(); err != nil {
		log.Warn().Err(err).Msg("http: remove multipart temp files failed")
	}
}

type openUpload struct {
	service.Upload
	file multipart.File
}

func (u *openUpload) close() { _ = u.file.Close() }

func (p *parsedForm) upload(field string) (*openUpload, error) {
	files := p.form.File[field]
	if len(files) == 0 {
		return nil, errors.New("missing form field \"" + field + "\"")
	}
	fh := files[0]
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	return &openUpload{
		Upload: service.Upload{
			Filename:    fh.Filename,
			ContentType: strings.TrimSpace(fh.Header.Get("Content-Type")),
			Body:        f,
		},
		file: f,
	}, nil
}
