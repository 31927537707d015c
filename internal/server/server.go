package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/internal/api"
	"github.com/kiesman99/rastile/pkg/raster"
	"github.com/kiesman99/rastile/pkg/tile"
)

// MaxTilePixels bounds the area of a single tile request.
const MaxTilePixels = 4096 * 4096

// Server implements api.ServerInterface over a set of open containers.
type Server struct {
	startTime time.Time
	version   string
	datasets  map[string]*raster.Container
	logger    log.Interface
}

// NewServer creates a new server instance
func NewServer(version string, datasets map[string]*raster.Container, logger log.Interface) *Server {
	if logger == nil {
		logger = log.Log
	}
	return &Server{
		startTime: time.Now(),
		version:   version,
		datasets:  datasets,
		logger:    logger,
	}
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())

	response := api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
	}
	s.writeJSON(w, http.StatusOK, response)
}

// ListDatasets returns the names of the served containers
func (s *Server) ListDatasets(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.datasets))
	for name := range s.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	s.writeJSON(w, http.StatusOK, api.DatasetList{Datasets: names})
}

// GetDataset describes the entries and levels of one container
func (s *Server) GetDataset(w http.ResponseWriter, r *http.Request, dataset string) {
	requestID := requestID(r)
	c, ok := s.lookup(w, dataset, requestID)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, Describe(dataset, c))
}

// Describe summarizes a container and every usable entry.
func Describe(name string, c *raster.Container) api.Dataset {
	kind, _ := c.Property(raster.PropFileType)
	ds := api.Dataset{Name: name, Format: kind, Size: c.Size()}
	for _, d := range c.Skipped() {
		ds.Skipped = append(ds.Skipped, api.Skip{Entry: d.Entry, Level: d.Level, Reason: d.Reason})
	}

	current := c.CurrentEntry()
	for _, id := range c.AvailableEntries() {
		d, err := c.EntryDescriptor(id, 0)
		if err != nil {
			continue
		}
		e := api.Entry{
			Id:          id,
			Current:     id == current,
			Compression: d.Compression.String(),
			Interleave:  d.Interleave.String(),
			ScalarType:  d.OutputScalar().String(),
			Bands:       d.OutputBands,
			Min:         d.MinValue,
			Max:         d.MaxValue,
			Null:        d.NullValue,
		}
		for level := 0; level < c.EntryLevels(id); level++ {
			ld, err := c.EntryDescriptor(id, level)
			if err != nil {
				break
			}
			e.Levels = append(e.Levels, api.Level{
				Level:       level,
				Width:       ld.Width,
				Height:      ld.Height,
				BlockWidth:  ld.BlockWidth,
				BlockHeight: ld.BlockHeight,
			})
		}
		ds.Entries = append(ds.Entries, e)
	}
	return ds
}

// GetTile renders one tile of an entry as PNG or raw band planes
func (s *Server) GetTile(w http.ResponseWriter, r *http.Request, dataset string, entry int, level int, params api.GetTileParams) {
	requestID := requestID(r)
	c, ok := s.lookup(w, dataset, requestID)
	if !ok {
		return
	}

	if err := validateTileParams(params); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), &requestID, nil)
		return
	}
	format := api.Png
	if params.Format != nil {
		format = *params.Format
	}
	if format != api.Png && format != api.Raw {
		s.writeErrorResponse(w, http.StatusBadRequest, "VALIDATION_ERROR",
			fmt.Sprintf("unknown format %q", format), &requestID, nil)
		return
	}

	rect := image.Rect(params.X, params.Y, params.X+params.Width, params.Y+params.Height)
	t, err := c.GetTileContext(r.Context(), rect, level, entry)
	if err != nil {
		s.handleTileError(w, err, &requestID)
		return
	}
	if params.Bands != nil {
		if t, err = selectBands(t, *params.Bands); err != nil {
			s.handleTileError(w, err, &requestID)
			return
		}
	}

	var body bytes.Buffer
	switch format {
	case api.Raw:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Tile-Bands", strconv.Itoa(t.Bands))
		w.Header().Set("X-Tile-Scalar", t.Scalar.String())
		err = tile.WriteRaw(&body, t)
	default:
		w.Header().Set("Content-Type", "image/png")
		d, derr := c.EntryDescriptor(entry, level)
		if derr != nil {
			s.handleTileError(w, derr, &requestID)
			return
		}
		err = tile.EncodePNG(&body, tile.ToImage(t, stretchFor(d, t)))
	}
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Internal server error", &requestID, nil)
		return
	}

	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Tile-Status", t.Status.String())
	w.Header().Set("Content-Length", strconv.Itoa(body.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, &body); err != nil {
		s.logger.WithError(err).Warn("writing tile response")
	}
}

// validateTileParams validates the requested tile window
func validateTileParams(p api.GetTileParams) error {
	switch {
	case p.X < 0 || p.Y < 0:
		return fmt.Errorf("x and y must not be negative")
	case p.Width <= 0 || p.Height <= 0:
		return fmt.Errorf("width and height must be positive")
	case int64(p.Width)*int64(p.Height) > MaxTilePixels:
		return fmt.Errorf("requested tile too large: %dx%d", p.Width, p.Height)
	}
	return nil
}

// selectBands returns a tile with the listed bands of t, in order.
func selectBands(t *tile.OutputTile, bands []int) (*tile.OutputTile, error) {
	out := *t
	out.Planes = make([][]byte, len(bands))
	out.Nulls = make([]float64, len(bands))
	out.Bands = len(bands)
	for i, b := range bands {
		if b < 0 || b >= t.Bands {
			return nil, errors.Wrapf(tile.ErrInvalidBandList, "band %d of %d", b, t.Bands)
		}
		out.Planes[i] = t.Planes[b]
		out.Nulls[i] = t.Nulls[b]
	}
	return &out, nil
}

// stretchFor uses the level's valid range for every band. Byte tiles are
// shown unstretched.
func stretchFor(d *tile.LayoutDescriptor, t *tile.OutputTile) tile.Stretch {
	st := tile.Stretch{Min: make([]float64, t.Bands), Max: make([]float64, t.Bands)}
	for b := range st.Min {
		st.Min[b], st.Max[b] = d.MinValue, d.MaxValue
		if t.Scalar == tile.Uint8 {
			st.Min[b], st.Max[b] = 0, 255
		}
	}
	return st
}

// GetProperty returns one property of a container
func (s *Server) GetProperty(w http.ResponseWriter, r *http.Request, dataset string, name string) {
	requestID := requestID(r)
	c, ok := s.lookup(w, dataset, requestID)
	if !ok {
		return
	}
	v, err := c.Property(name)
	if err != nil {
		s.handleTileError(w, err, &requestID)
		return
	}
	s.writeJSON(w, http.StatusOK, api.Property{Name: name, Value: v})
}

// SetProperty updates one property of a container from a JSON body
func (s *Server) SetProperty(w http.ResponseWriter, r *http.Request, dataset string, name string) {
	requestID := requestID(r)
	c, ok := s.lookup(w, dataset, requestID)
	if !ok {
		return
	}
	var req api.Property
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON",
			"Invalid JSON in request body", &requestID, nil)
		return
	}
	if err := c.SetProperty(name, req.Value); err != nil {
		s.handleTileError(w, err, &requestID)
		return
	}
	v, _ := c.Property(name)
	s.writeJSON(w, http.StatusOK, api.Property{Name: name, Value: v})
}

func (s *Server) lookup(w http.ResponseWriter, dataset, requestID string) (*raster.Container, bool) {
	c, ok := s.datasets[dataset]
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "DATASET_NOT_FOUND",
			fmt.Sprintf("dataset %q not found", dataset), &requestID, nil)
	}
	return c, ok
}

// handleTileError maps container errors onto responses
func (s *Server) handleTileError(w http.ResponseWriter, err error, requestID *string) {
	var perr *tile.PartialReadError
	if errors.As(err, &perr) {
		s.logger.WithFields(log.Fields{
			"entry":  perr.Entry,
			"level":  perr.Level,
			"block":  perr.Block.String(),
			"offset": perr.Offset,
		}).WithError(perr.Err).Error("tile read failed")
		s.writeJSON(w, http.StatusUnprocessableEntity, api.BlockErrorResponse{
			Error:     "BLOCK_READ_ERROR",
			Message:   perr.Error(),
			Entry:     perr.Entry,
			Level:     perr.Level,
			BlockX:    perr.Block.X,
			BlockY:    perr.Block.Y,
			Offset:    perr.Offset,
			RequestId: requestID,
		})
		return
	}

	switch {
	case errors.Is(err, tile.ErrInvalidEntry), errors.Is(err, tile.ErrInvalidLevel),
		errors.Is(err, tile.ErrUnknownProperty):
		s.writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", err.Error(), requestID, nil)
	case errors.Is(err, tile.ErrInvalidBandList), errors.Is(err, tile.ErrBandSelectionUnsupported),
		errors.Is(err, tile.ErrReadOnlyProperty):
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), requestID, nil)
	case errors.Is(err, tile.ErrClosed):
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "DATASET_CLOSED", err.Error(), requestID, nil)
	default:
		s.logger.WithError(err).Error("request failed")
		s.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Internal server error", requestID, nil)
	}
}

// ErrorHandler reports parameter binding failures in the standard envelope
func (s *Server) ErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	requestID := requestID(r)
	s.writeErrorResponse(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), &requestID, nil)
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string, details map[string]interface{}) {
	response := api.ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestId: requestID,
	}
	if details != nil {
		response.Details = &details
	}
	s.writeJSON(w, statusCode, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("encoding response")
	}
}

// requestID returns the id assigned by the RequestID middleware, or a new
// one when the middleware is not installed.
func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}
