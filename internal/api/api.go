// Package api defines the HTTP surface of the tile service: response
// types, the server interface, and a chi router that binds path and query
// parameters before calling into the implementation.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// HealthResponseStatus is the reported service state.
type HealthResponseStatus string

const (
	Healthy   HealthResponseStatus = "healthy"
	Unhealthy HealthResponseStatus = "unhealthy"
)

// TileFormat selects the encoding of a tile response.
type TileFormat string

const (
	Png TileFormat = "png"
	Raw TileFormat = "raw"
)

// HealthResponse defines model for HealthResponse.
type HealthResponse struct {
	Status    HealthResponseStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Uptime    *int                 `json:"uptime,omitempty"`
	Version   *string              `json:"version,omitempty"`
}

// ErrorResponse defines model for ErrorResponse.
type ErrorResponse struct {
	Error     string                  `json:"error"`
	Message   string                  `json:"message"`
	RequestId *string                 `json:"request_id,omitempty"`
	Details   *map[string]interface{} `json:"details,omitempty"`
}

// BlockErrorResponse reports a block that could not be read or decoded.
type BlockErrorResponse struct {
	Error     string  `json:"error"`
	Message   string  `json:"message"`
	Entry     int     `json:"entry"`
	Level     int     `json:"level"`
	BlockX    int     `json:"block_x"`
	BlockY    int     `json:"block_y"`
	Offset    int64   `json:"offset"`
	RequestId *string `json:"request_id,omitempty"`
}

// Dataset defines model for Dataset.
type Dataset struct {
	Name    string  `json:"name"`
	Format  string  `json:"format"`
	Size    int64   `json:"size"`
	Entries []Entry `json:"entries"`
	Skipped []Skip  `json:"skipped,omitempty"`
}

// Entry defines model for Entry.
type Entry struct {
	Id          int     `json:"id"`
	Current     bool    `json:"current"`
	Levels      []Level `json:"levels"`
	Compression string  `json:"compression"`
	Interleave  string  `json:"interleave"`
	ScalarType  string  `json:"scalar_type"`
	Bands       int     `json:"bands"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Null        float64 `json:"null"`
}

// Level defines model for Level.
type Level struct {
	Level       int `json:"level"`
	Width       int `json:"width"`
	Height      int `json:"height"`
	BlockWidth  int `json:"block_width"`
	BlockHeight int `json:"block_height"`
}

// Skip defines model for Skip.
type Skip struct {
	Entry  int    `json:"entry"`
	Level  int    `json:"level"`
	Reason string `json:"reason"`
}

// DatasetList defines model for DatasetList.
type DatasetList struct {
	Datasets []string `json:"datasets"`
}

// Property defines model for Property.
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// GetTileParams defines parameters for GetTile.
type GetTileParams struct {
	X      int         `form:"x" json:"x"`
	Y      int         `form:"y" json:"y"`
	Width  int         `form:"width" json:"width"`
	Height int         `form:"height" json:"height"`
	Format *TileFormat `form:"format,omitempty" json:"format,omitempty"`
	Bands  *[]int      `form:"bands,omitempty" json:"bands,omitempty"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (GET /health)
	GetHealth(w http.ResponseWriter, r *http.Request)
	// (GET /datasets)
	ListDatasets(w http.ResponseWriter, r *http.Request)
	// (GET /datasets/{dataset})
	GetDataset(w http.ResponseWriter, r *http.Request, dataset string)
	// (GET /datasets/{dataset}/entries/{entry}/levels/{level}/tile)
	GetTile(w http.ResponseWriter, r *http.Request, dataset string, entry int, level int, params GetTileParams)
	// (GET /datasets/{dataset}/properties/{name})
	GetProperty(w http.ResponseWriter, r *http.Request, dataset string, name string)
	// (PUT /datasets/{dataset}/properties/{name})
	SetProperty(w http.ResponseWriter, r *http.Request, dataset string, name string)
}

// MiddlewareFunc wraps a handler.
type MiddlewareFunc func(http.Handler) http.Handler

// ServerInterfaceWrapper converts requests to typed parameters.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandlerFunc   func(w http.ResponseWriter, r *http.Request, err error)
}

// InvalidParamFormatError is returned when a parameter cannot be bound.
type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("Invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

// RequiredParamError is returned when a required parameter is missing.
type RequiredParamError struct {
	ParamName string
}

func (e *RequiredParamError) Error() string {
	return fmt.Sprintf("Query argument %s is required, but not found", e.ParamName)
}

func (siw *ServerInterfaceWrapper) serve(w http.ResponseWriter, r *http.Request, h http.Handler) {
	for _, middleware := range siw.HandlerMiddlewares {
		h = middleware(h)
	}
	h.ServeHTTP(w, r)
}

func (siw *ServerInterfaceWrapper) pathParam(w http.ResponseWriter, r *http.Request, name string, dest interface{}) bool {
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), dest,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: name, Err: err})
		return false
	}
	return true
}

func (siw *ServerInterfaceWrapper) queryParam(w http.ResponseWriter, r *http.Request, name string, required bool, dest interface{}) bool {
	if required && !r.URL.Query().Has(name) {
		siw.ErrorHandlerFunc(w, r, &RequiredParamError{ParamName: name})
		return false
	}
	if err := runtime.BindQueryParameter("form", false, required, name, r.URL.Query(), dest); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: name, Err: err})
		return false
	}
	return true
}

// GetHealth operation middleware
func (siw *ServerInterfaceWrapper) GetHealth(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, http.HandlerFunc(siw.Handler.GetHealth))
}

// ListDatasets operation middleware
func (siw *ServerInterfaceWrapper) ListDatasets(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, http.HandlerFunc(siw.Handler.ListDatasets))
}

// GetDataset operation middleware
func (siw *ServerInterfaceWrapper) GetDataset(w http.ResponseWriter, r *http.Request) {
	var dataset string
	if !siw.pathParam(w, r, "dataset", &dataset) {
		return
	}
	siw.serve(w, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetDataset(w, r, dataset)
	}))
}

// GetTile operation middleware
func (siw *ServerInterfaceWrapper) GetTile(w http.ResponseWriter, r *http.Request) {
	var (
		dataset      string
		entry, level int
		params       GetTileParams
	)
	if !siw.pathParam(w, r, "dataset", &dataset) ||
		!siw.pathParam(w, r, "entry", &entry) ||
		!siw.pathParam(w, r, "level", &level) {
		return
	}
	if !siw.queryParam(w, r, "x", true, &params.X) ||
		!siw.queryParam(w, r, "y", true, &params.Y) ||
		!siw.queryParam(w, r, "width", true, &params.Width) ||
		!siw.queryParam(w, r, "height", true, &params.Height) ||
		!siw.queryParam(w, r, "format", false, &params.Format) ||
		!siw.queryParam(w, r, "bands", false, &params.Bands) {
		return
	}
	siw.serve(w, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetTile(w, r, dataset, entry, level, params)
	}))
}

// GetProperty operation middleware
func (siw *ServerInterfaceWrapper) GetProperty(w http.ResponseWriter, r *http.Request) {
	var dataset, name string
	if !siw.pathParam(w, r, "dataset", &dataset) || !siw.pathParam(w, r, "name", &name) {
		return
	}
	siw.serve(w, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetProperty(w, r, dataset, name)
	}))
}

// SetProperty operation middleware
func (siw *ServerInterfaceWrapper) SetProperty(w http.ResponseWriter, r *http.Request) {
	var dataset, name string
	if !siw.pathParam(w, r, "dataset", &dataset) || !siw.pathParam(w, r, "name", &name) {
		return
	}
	siw.serve(w, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.SetProperty(w, r, dataset, name)
	}))
}

// ChiServerOptions configures HandlerWithOptions.
type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	Middlewares      []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// Handler creates an http.Handler with routing matching the API.
func Handler(si ServerInterface) http.Handler {
	return HandlerWithOptions(si, ChiServerOptions{})
}

// HandlerWithOptions creates an http.Handler with additional options.
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter
	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandlerFunc:   options.ErrorHandlerFunc,
	}

	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health", wrapper.GetHealth)
		r.Get(options.BaseURL+"/datasets", wrapper.ListDatasets)
		r.Get(options.BaseURL+"/datasets/{dataset}", wrapper.GetDataset)
		r.Get(options.BaseURL+"/datasets/{dataset}/entries/{entry}/levels/{level}/tile", wrapper.GetTile)
		r.Get(options.BaseURL+"/datasets/{dataset}/properties/{name}", wrapper.GetProperty)
		r.Put(options.BaseURL+"/datasets/{dataset}/properties/{name}", wrapper.SetProperty)
	})
	return r
}
