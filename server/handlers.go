package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kalio007/ipfs-pinning-infra/pipeline"
	"github.com/kalio007/ipfs-pinning-infra/replicate"
	"github.com/kalio007/ipfs-pinning-infra/telemetry"
)

const uploadField = "file"

type uploadResponse struct {
	Success      bool   `json:"success"`
	FileID       uint64 `json:"fileId"`
	CID          string `json:"cid"`
	RetrievalURL string `json:"retrievalUrl"`
}

type fileResponse struct {
	ID           uint64     `json:"id"`
	CID          string     `json:"cid"`
	Filename     string     `json:"filename"`
	FileSize     int64      `json:"filesize"`
	MimeType     string     `json:"mimetype"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at"`
	RetrievalURL string     `json:"retrievalUrl"`
	Source       string     `json:"source"`
}

type downloadLinkResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type statsResponse struct {
	Records     *int             `json:"records,omitempty"`
	Replication *replicate.Stats `json:"replication,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports record and replication counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "stats")

	var resp statsResponse
	if s.records != nil {
		n, err := s.records.Count(r.Context())
		if err != nil {
			s.writeError(w, r, &pipeline.Error{Kind: pipeline.KindInternal, Op: "stats", Err: err})
			return
		}
		resp.Records = &n
	}
	if s.replication != nil {
		stats := s.replication.Stats()
		resp.Replication = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUpload streams the "file" part of a multipart body into the ingester.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "upload")

	if s.config.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, &pipeline.Error{Kind: pipeline.KindClient, Op: "upload", Err: fmt.Errorf("expected multipart/form-data: %w", err)})
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.writeError(w, r, &pipeline.Error{Kind: pipeline.KindClient, Op: "upload", Err: fmt.Errorf("missing %q field", uploadField)})
			return
		}
		if err != nil {
			s.writeError(w, r, &pipeline.Error{Kind: pipeline.KindClient, Op: "upload", Err: fmt.Errorf("reading multipart body: %w", err)})
			return
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}

		rec, err := s.ingester.Ingest(r.Context(), pipeline.Upload{
			Filename: part.FileName(),
			MimeType: part.Header.Get("Content-Type"),
			OwnerID:  r.Header.Get("User-Id"),
			Body:     part,
		})
		_ = part.Close()
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		telemetry.SetCID(r, rec.CID)
		writeJSON(w, http.StatusOK, uploadResponse{
			Success:      true,
			FileID:       rec.ID,
			CID:          rec.CID,
			RetrievalURL: s.retrievalURL(rec.CID),
		})
		return
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "file")

	res, err := s.retriever.ResolveByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	telemetry.SetCID(r, res.CID)
	writeJSON(w, http.StatusOK, fileResponse{
		ID:           res.ID,
		CID:          res.CID,
		Filename:     res.Filename,
		FileSize:     res.Size,
		MimeType:     res.MimeType,
		CreatedAt:    res.CreatedAt,
		ExpiresAt:    res.ExpiresAt,
		RetrievalURL: s.retrievalURL(res.CID),
		Source:       res.Source,
	})
}

// handleDownloadLink returns a signed link to a large file's overflow copy.
func (s *Server) handleDownloadLink(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "download_link")

	link, err := s.retriever.OverflowLink(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadLinkResponse{URL: link.URL, ExpiresAt: link.ExpiresAt})
}

// handleContent streams a file's bytes from whichever store could open them.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "content")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	content, err := s.retriever.FetchContent(r.Context(), r.PathValue("cid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = content.Body.Close() }()

	rec := content.Record
	telemetry.SetCID(r, rec.CID)
	telemetry.SetSource(r, content.Source)

	h := w.Header()
	h.Set("Content-Type", rec.MimeType)
	h.Set("Content-Disposition", contentDisposition(rec.Filename))
	h.Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	h.Set("X-Content-Source", content.Source)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, content.Body); err != nil {
		// Headers are gone; the client sees a short body.
		s.logger.Error("streaming content failed",
			"cid", rec.CID,
			"source", content.Source,
			"error", err,
		)
	}
}

func (s *Server) retrievalURL(cid string) string {
	return pipeline.RetrievalRef(s.config.PublicGateway, cid)
}

// writeError maps a pipeline failure onto a status code and a JSON body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pipeline.KindOf(err)
	status := statusFor(kind)

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		kind = pipeline.KindClient
		status = http.StatusRequestEntityTooLarge
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "kind", kind.String(), "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "kind", kind.String(), "error", err)
	}

	writeJSON(w, status, errorResponse{Kind: kind.String(), Message: err.Error()})
}

func statusFor(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindClient:
		return http.StatusBadRequest
	case pipeline.KindNotFound:
		return http.StatusNotFound
	case pipeline.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// contentDisposition quotes name for an inline Content-Disposition header.
func contentDisposition(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '"', '\\':
			return '_'
		case '\r', '\n':
			return -1
		}
		return r
	}, name)
	return `inline; filename="` + name + `"`
}
