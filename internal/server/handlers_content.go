package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/jonathan/threads-autopost/internal/ingestion"
	"github.com/jonathan/threads-autopost/internal/types"
)

type generateRequest struct {
	Text       string                  `json:"text" validate:"required,max=2000"`
	References []types.CandidateRecord `json:"references" validate:"max=20"`
}

type scrapingRequest struct {
	Targets []types.CollectionTarget `json:"targets" validate:"max=20,dive"`
}

// handleUploadCSV accepts a CSV either as the "file" field of a multipart form or
// as the raw request body (with ?filename=). The file is ingested before the
// response is written.
func (s *Server) handleUploadCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)

	name, content, err := readUpload(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if !ingestion.IsCSV(name) {
		name += ".csv"
	}

	// Once stored the file belongs to the pipeline; a client disconnect must not
	// abandon it halfway.
	result, err := s.deps.Uploader.Upload(context.WithoutCancel(r.Context()), name, content)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

func readUpload(r *http.Request) (string, []byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				return "", nil, &ErrValidation{Field: "file", Message: "is required"}
			}
			return "", nil, &ErrValidation{Field: "file", Message: err.Error()}
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return "", nil, &ErrValidation{Field: "file", Message: err.Error()}
		}
		if len(content) == 0 {
			return "", nil, &ErrValidation{Field: "file", Message: "is empty"}
		}
		return header.Filename, content, nil
	}

	name := strings.TrimSpace(r.URL.Query().Get("filename"))
	if name == "" {
		return "", nil, &ErrValidation{Field: "filename", Message: "is required for raw uploads"}
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, &ErrValidation{Message: "failed to read body: " + err.Error()}
	}
	if len(content) == 0 {
		return "", nil, &ErrValidation{Field: "body", Message: "is empty"}
	}
	return name, content, nil
}

// handleGenerate runs the content generator on one piece of text
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.handleError(w, r, err)
		return
	}

	result, err := s.deps.Generator.Generate(r.Context(), req.Text, req.References)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

// handleRunScraping runs one collection pass. An empty body uses the configured targets.
func (s *Server) handleRunScraping(w http.ResponseWriter, r *http.Request) {
	var req scrapingRequest
	if err := s.decodeJSON(w, r, &req, true); err != nil {
		s.handleError(w, r, err)
		return
	}

	targets := req.Targets
	if len(targets) == 0 {
		targets = s.deps.Collector.Targets()
	}

	result, err := s.deps.Collector.Collect(context.WithoutCancel(r.Context()), targets)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}
