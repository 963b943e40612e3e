package api

import (
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Veraticus/mriseg/internal/apperr"
	"github.com/Veraticus/mriseg/internal/classes"
	"github.com/Veraticus/mriseg/internal/export"
	"github.com/Veraticus/mriseg/internal/render"
	"github.com/Veraticus/mriseg/internal/segment"
	"github.com/Veraticus/mriseg/internal/session"
	"github.com/Veraticus/mriseg/internal/volume"
)

type rootResponse struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	HealthCheck string `json:"health_check"`
}

type healthResponse struct {
	Status       string `json:"status"`
	ModelLoaded  bool   `json:"model_loaded"`
	GPUAvailable bool   `json:"gpu_available"`
	Device       string `json:"device"`
}

type statsResponse struct {
	UptimeSeconds int64         `json:"uptime_seconds"`
	Sessions      session.Stats `json:"sessions"`
	Dispatcher    segment.Stats `json:"dispatcher"`
}

type classResponse struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	FullName string   `json:"full_name"`
	Color    [3]uint8 `json:"color"`
	HexColor string   `json:"hex_color"`
}

type classesResponse struct {
	Classes []classResponse `json:"classes"`
}

type uploadResponse struct {
	SessionID string      `json:"session_id"`
	FileInfo  volume.Info `json:"file_info"`
	Message   string      `json:"message"`
}

type segmentResponse struct {
	SessionID          string         `json:"session_id"`
	NumSlicesProcessed int            `json:"num_slices_processed"`
	Statistics         []classes.Stat `json:"statistics"`
	ProcessingTimeMS   float64        `json:"processing_time_ms"`
}

type sliceData struct {
	OriginalImage    string         `json:"original_image"`
	SegmentationMask string         `json:"segmentation_mask"`
	OverlayImage     string         `json:"overlay_image"`
	SliceIndex       int            `json:"slice_index"`
	Statistics       []classes.Stat `json:"statistics"`
}

type resultsResponse struct {
	SessionID   string    `json:"session_id"`
	SliceData   sliceData `json:"slice_data"`
	TotalSlices int       `json:"total_slices"`
	FileType    string    `json:"file_type"`
}

type sessionResponse struct {
	SessionID  string        `json:"session_id"`
	State      session.State `json:"state"`
	FileInfo   volume.Info   `json:"file_info"`
	CreatedAt  time.Time     `json:"created_at"`
	LastAccess time.Time     `json:"last_access"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Name:        Name,
		Version:     s.opts.Version,
		HealthCheck: s.opts.APIPrefix + "/health",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	info := s.opts.Orchestrator.Model().Info()
	status := "healthy"
	if !info.Loaded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       status,
		ModelLoaded:  info.Loaded,
		GPUAvailable: info.GPUAvailable,
		Device:       info.Device,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Sessions:      s.opts.Store.Stats(),
		Dispatcher:    s.opts.Orchestrator.Dispatcher().Stats(),
	})
}

func (s *Server) handleClasses(w http.ResponseWriter, _ *http.Request) {
	defs := classes.All()
	resp := classesResponse{Classes: make([]classResponse, len(defs))}
	for i, d := range defs {
		resp.Classes[i] = classResponse{
			ID:       d.ID,
			Name:     d.Name,
			FullName: d.FullName,
			Color:    d.Color,
			HexColor: d.Hex(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	filename, data, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.createSession(w, r, filename, data, "File uploaded successfully")
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	if path := s.opts.SamplePath; path != "" {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			s.writeError(w, r, apperr.New(apperr.NotFound, "api.Sample", "Sample file not found"))
			return
		}
		if err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.Internal, "api.Sample", err, "Failed to read sample file"))
			return
		}
		s.createSession(w, r, filepath.Base(path), data, "Sample file loaded successfully")
		return
	}

	s.storeVolume(w, r, volume.Phantom(DefaultSampleSlices), "Sample file loaded successfully")
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, filename string, data []byte, message string) {
	vol, err := s.opts.Loader.Load(filename, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.storeVolume(w, r, vol, message)
}

func (s *Server) storeVolume(w http.ResponseWriter, r *http.Request, vol *volume.Volume, message string) {
	sess, err := s.opts.Store.Create(vol)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		SessionID: sess.ID,
		FileInfo:  vol.Info(),
		Message:   message,
	})
}

// readUpload accepts a multipart form with a "file" part, or a raw body
// named by the filename query parameter or X-Filename header.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	const op = "api.Upload"
	limit := s.opts.Loader.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	tooLarge := func() error {
		return apperr.New(apperr.InvalidArgument, op,
			"File too large. Maximum size: %s", humanize.IBytes(uint64(limit)))
	}
	readErr := func(err error) error {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return tooLarge()
		}
		return apperr.Wrap(apperr.InvalidArgument, op, err, "Failed to read upload: %v", err)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		filename := r.URL.Query().Get("filename")
		if filename == "" {
			filename = r.Header.Get("X-Filename")
		}
		if filename == "" {
			return "", nil, apperr.New(apperr.InvalidArgument, op, "No filename provided")
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			return "", nil, readErr(err)
		}
		return filename, data, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, readErr(err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", nil, apperr.New(apperr.InvalidArgument, op, "No file provided")
		}
		if err != nil {
			return "", nil, readErr(err)
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		filename := part.FileName()
		if filename == "" {
			return "", nil, apperr.New(apperr.InvalidArgument, op, "No filename provided")
		}
		data, err := io.ReadAll(io.LimitReader(part, limit+1))
		if err != nil {
			return "", nil, readErr(err)
		}
		return filename, data, nil
	}
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.opts.Orchestrator.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, segmentResponse{
		SessionID:          outcome.SessionID,
		NumSlicesProcessed: outcome.NumSlices,
		Statistics:         outcome.Statistics,
		ProcessingTimeMS:   outcome.ProcessingTimeMS(),
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	const op = "api.Results"
	id := r.PathValue("id")

	index, err := intParam(r, op, "slice_index", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	alpha, err := floatParam(r, op, "overlay_alpha", render.DefaultAlpha)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	slice, err := s.opts.Compositor.Render(id, index, alpha)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.opts.Store.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resultsResponse{
		SessionID: id,
		SliceData: sliceData{
			OriginalImage:    render.DataURL(slice.Original),
			SegmentationMask: render.DataURL(slice.Mask),
			OverlayImage:     render.DataURL(slice.Overlay),
			SliceIndex:       slice.SliceIndex,
			Statistics:       slice.Statistics,
		},
		TotalSlices: sess.Volume.NumSlices(),
		FileType:    string(sess.Volume.Kind),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	const op = "api.Download"
	id := r.PathValue("id")
	q := r.URL.Query()

	formatName := q.Get("format")
	if formatName == "" {
		formatName = string(export.FormatNIfTI)
	}
	format, err := export.ParseFormat(formatName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	req := export.Request{Format: format, Layer: export.Layer(q.Get("layer"))}
	if format == export.FormatPNG {
		sess, err := s.opts.Store.Get(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.SliceIndex, err = intParam(r, op, "slice_index", sess.Volume.NumSlices()/2); err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.Alpha, err = floatParam(r, op, "overlay_alpha", render.DefaultAlpha); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	blob, err := s.opts.Encoder.Export(id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": blob.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Store.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:  sess.ID,
		State:      sess.State(),
		FileInfo:   sess.Volume.Info(),
		CreatedAt:  sess.CreatedAt,
		LastAccess: sess.LastAccess(),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.opts.Store.Delete(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func intParam(r *http.Request, op, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Wrap(apperr.InvalidArgument, op, err, "%s must be an integer, got %q", name, raw)
	}
	return v, nil
}

func floatParam(r *http.Request, op, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.InvalidArgument, op, err, "%s must be a number, got %q", name, raw)
	}
	return v, nil
}
