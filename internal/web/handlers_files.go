package web

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/JonMunkholm/catalog/internal/blob"
	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/logging"
)

// multipartSlack covers boundaries and part headers on top of the file itself.
const multipartSlack = 64 << 10

var (
	errFileTooLarge = errors.New("file too large")
	errMissingFile  = &core.ValidationError{Field: "file", Message: "a file field is required"}
)

type uploadResponse struct {
	FileRef  string `json:"fileRef"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
}

// handleUpload streams the "file" part of a multipart form into the blob
// store and returns the fileRef a job submission points at.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Acquire(r.Context()); err != nil {
		respondError(w, r, err)
		return
	}
	defer s.uploads.Release()

	maxSize := s.cfg.Blob.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartSlack)

	mr, err := r.MultipartReader()
	if err != nil {
		badRequest(w, r, "file", "expected a multipart/form-data body")
		return
	}
	part, err := filePart(mr)
	if err != nil {
		s.uploadError(w, r, err, maxSize)
		return
	}
	defer part.Close()

	key := blob.ImportKey(s.now())
	body := &sizeLimitReader{r: part, limit: maxSize}
	if err := s.deps.Blobs.Put(r.Context(), key, body, -1); err != nil {
		if body.exceeded {
			err = errFileTooLarge
		}
		s.uploadError(w, r, err, maxSize)
		return
	}

	logging.FromContext(r.Context()).Info("file uploaded",
		"file_ref", key,
		"filename", part.FileName(),
		"bytes", body.n,
	)
	writeJSONStatus(w, r, http.StatusCreated, uploadResponse{
		FileRef:  key,
		Filename: part.FileName(),
		Bytes:    body.n,
	})
}

func (s *Server) uploadError(w http.ResponseWriter, r *http.Request, err error, maxSize int64) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) || errors.Is(err, errFileTooLarge) {
		err = fmt.Errorf("%w: limit is %d bytes", errFileTooLarge, maxSize)
	}
	respondError(w, r, err)
}

// filePart skips ahead to the part named "file".
func filePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errMissingFile
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

// sizeLimitReader fails the read that would take the total past limit.
type sizeLimitReader struct {
	r        io.Reader
	limit    int64
	n        int64
	exceeded bool
}

func (s *sizeLimitReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if s.n > s.limit {
		s.exceeded = true
		return n, errFileTooLarge
	}
	return n, err
}

// handleDownload streams a stored file back, typically an export result.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("ref"))
	if !blob.IsExportKey(ref) && !blob.IsImportKey(ref) {
		badRequest(w, r, "ref", "ref must name an imports/ or exports/ file")
		return
	}

	rc, err := s.deps.Blobs.Open(r.Context(), ref)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(ref)))
	if _, err := io.Copy(w, rc); err != nil {
		logging.FromContext(r.Context()).Warn("download interrupted", "file_ref", ref, "error", err)
	}
}
