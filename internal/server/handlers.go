package server

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/framecatcher-api/internal/storage"
	"github.com/maauso/framecatcher-api/internal/task"
)

// DefaultMaxFileSize caps uploads when no limit is configured (2 GiB).
const DefaultMaxFileSize int64 = 2 << 30

// multipartOverhead is the room left for boundaries, part headers and
// other form fields on top of the file size limit.
const multipartOverhead int64 = 1 << 20

// UploadObserver is notified of every accepted upload.
type UploadObserver interface {
	UploadReceived(size int64)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service            *task.Service
	store              storage.Storage
	observer           UploadObserver
	validator          *validator.Validate
	logger             *slog.Logger
	maxFileSize        int64
	downloadDir        string
	enableAsyncProcess bool
	now                func() time.Time
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithAsyncProcessing enables or disables background processing.
// When disabled, Upload only creates the task and returns immediately
// without starting the pipeline.
func WithAsyncProcessing(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.enableAsyncProcess = enabled
	}
}

// WithMaxFileSize sets the upload size limit in bytes.
func WithMaxFileSize(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxFileSize = n
		}
	}
}

// WithUploadObserver registers an observer for accepted uploads.
func WithUploadObserver(o UploadObserver) HandlerOption {
	return func(h *Handlers) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithDefaultDownloadDir overrides the directory suggested for local saves.
func WithDefaultDownloadDir(dir string) HandlerOption {
	return func(h *Handlers) {
		if dir != "" {
			h.downloadDir = dir
		}
	}
}

type nopObserver struct{}

func (nopObserver) UploadReceived(int64) {}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *task.Service, store storage.Storage, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:            service,
		store:              store,
		observer:           nopObserver{},
		validator:          validator.New(),
		logger:             logger,
		maxFileSize:        DefaultMaxFileSize,
		enableAsyncProcess: true, // Default to enabled
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.downloadDir == "" {
		h.downloadDir = defaultDownloadDir()
	}
	return h
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, "Downloads", "frame-catcher-output")
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	sources := h.service.Registry().Sources()
	names := make([]string, 0, len(sources))
	for _, ds := range sources {
		names = append(names, string(ds))
	}
	slices.Sort(names)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Timestamp:   h.now().UTC(),
		DataSources: names,
	})
}

// Upload handles POST /api/upload requests.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}

	// The limit applies to the video; the body may exceed it by the
	// multipart framing.
	bodyLimit := h.maxFileSize + multipartOverhead
	if r.ContentLength > bodyLimit {
		writeError(w, http.StatusBadRequest, "file too large", "FILE_TOO_LARGE")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "file too large", "FILE_TOO_LARGE")
			return
		}
		h.logger.Warn("failed to read upload",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "no file uploaded", "NO_FILE")
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > h.maxFileSize {
		writeError(w, http.StatusBadRequest, "file too large", "FILE_TOO_LARGE")
		return
	}
	if !isMP4(header.Filename, header.Header.Get("Content-Type")) {
		writeError(w, http.StatusBadRequest, "only MP4 files are allowed", "INVALID_FILE_TYPE")
		return
	}

	inputPath, err := h.store.SaveUpload(r.Context(), header.Filename, file)
	if err != nil {
		h.logger.Error("failed to save upload",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "upload failed", "UPLOAD_FAILED")
		return
	}
	h.observer.UploadReceived(header.Size)

	created, err := h.service.CreateTask(r.Context(), ds, header.Filename)
	if err != nil {
		if cerr := h.store.CleanupTemp(context.WithoutCancel(r.Context()), []string{inputPath}); cerr != nil {
			h.logger.Warn("failed to remove upload", slog.String("path", inputPath), slog.String("error", cerr.Error()))
		}
		h.writeServiceError(w, err, "upload failed", "UPLOAD_FAILED")
		return
	}

	// Start processing in background with a detached context
	// Use context.WithoutCancel to prevent cancellation when the request ends
	if h.enableAsyncProcess {
		go func(ctx context.Context, taskID, input string) {
			if processErr := h.service.ProcessTask(ctx, ds, taskID, input); processErr != nil {
				h.logger.Error("background processing failed",
					slog.String("task_id", taskID),
					slog.String("error", processErr.Error()),
				)
			}
		}(context.WithoutCancel(r.Context()), created.ID, inputPath)
	}

	h.logger.Info("upload accepted",
		slog.String("task_id", created.ID),
		slog.String("filename", header.Filename),
		slog.Int64("size", header.Size),
	)

	writeJSON(w, http.StatusOK, UploadResponse{
		TaskID:  created.ID,
		Status:  "uploaded",
		Message: "File uploaded successfully",
	})
}

// GetProgress handles GET /api/progress/{taskId} requests.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required", "MISSING_TASK_ID")
		return
	}
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}

	report, err := h.service.GetProgress(r.Context(), ds, taskID)
	if err != nil {
		h.writeServiceError(w, err, "failed to get progress", "PROGRESS_FETCH_FAILED")
		return
	}

	// Clients poll this route; never let a proxy answer for us.
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")

	writeJSON(w, http.StatusOK, ProgressResponse{
		TaskID:        report.TaskID,
		Status:        string(report.Status),
		Progress:      report.Progress,
		CurrentFrame:  report.CurrentFrame,
		TotalFrames:   report.TotalFrames,
		EstimatedTime: int(math.Round(report.EstimatedRemaining.Seconds())),
		Error:         report.Error,
	})
}

// GetAlbum handles GET /api/album/{albumId} requests.
func (h *Handlers) GetAlbum(w http.ResponseWriter, r *http.Request) {
	albumID := r.PathValue("albumId")
	if albumID == "" {
		writeError(w, http.StatusBadRequest, "album ID is required", "MISSING_ALBUM_ID")
		return
	}
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_QUERY")
		return
	}
	favoritesOnly, err := parseBoolParam(r, "favorites")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_QUERY")
		return
	}

	album, err := h.service.GetAlbum(r.Context(), ds, albumID, task.ImageQuery{
		FavoritesOnly: favoritesOnly,
		Page:          page,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to get album", "ALBUM_FETCH_FAILED")
		return
	}

	t := album.Task
	resp := AlbumResponse{
		AlbumID:          t.ID,
		Name:             t.AlbumName,
		OriginalFilename: t.OriginalFilename,
		Status:           string(t.Status),
		Progress:         t.Progress,
		TotalFrames:      t.TotalFrames,
		Resolution:       t.Resolution,
		Error:            t.Error,
		CreatedAt:        t.CreatedAt,
		Images:           make([]ImageResponse, 0, len(album.Images)),
		Total:            album.Total,
		Page:             album.Page.Number,
		PageSize:         album.Page.Size,
	}
	for _, img := range album.Images {
		resp.Images = append(resp.Images, toImageResponse(img))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAlbums handles GET /api/albums requests.
func (h *Handlers) ListAlbums(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_QUERY")
		return
	}

	tasks, total, err := h.service.ListAlbums(r.Context(), ds, page)
	if err != nil {
		h.writeServiceError(w, err, "failed to list albums", "ALBUM_LIST_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, albumList(tasks, total, page))
}

// SearchAlbums handles GET /api/albums/search?keyword= requests.
func (h *Handlers) SearchAlbums(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	keyword := strings.TrimSpace(r.URL.Query().Get("keyword"))
	if keyword == "" {
		writeError(w, http.StatusBadRequest, "keyword is required", "INVALID_QUERY")
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_QUERY")
		return
	}

	tasks, total, err := h.service.SearchAlbums(r.Context(), ds, keyword, page)
	if err != nil {
		h.writeServiceError(w, err, "failed to search albums", "ALBUM_SEARCH_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, albumList(tasks, total, page))
}

// AlbumStatistics handles GET /api/albums/statistics requests.
func (h *Handlers) AlbumStatistics(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	st, err := h.service.AlbumStatistics(r.Context(), ds)
	if err != nil {
		h.writeServiceError(w, err, "failed to compute album statistics", "STATISTICS_FAILED")
		return
	}

	byStatus := make(map[string]int, len(st.ByStatus))
	for status, n := range st.ByStatus {
		byStatus[string(status)] = n
	}
	writeJSON(w, http.StatusOK, AlbumStatisticsResponse{
		TotalAlbums:         st.TotalAlbums,
		PendingAlbums:       st.ByStatus[task.StatusPending],
		ProcessingAlbums:    st.ByStatus[task.StatusProcessing],
		CompletedAlbums:     st.ByStatus[task.StatusCompleted],
		FailedAlbums:        st.ByStatus[task.StatusFailed],
		TotalFrames:         st.TotalFrames,
		TotalFavoriteFrames: st.FavoriteFrames,
		TotalStorageUsed:    st.StorageUsed,
		AlbumsByStatus:      byStatus,
	})
}

// ProcessingCount handles GET /api/albums/processing/count requests.
func (h *Handlers) ProcessingCount(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	n, err := h.service.ProcessingCount(r.Context(), ds)
	if err != nil {
		h.writeServiceError(w, err, "failed to count processing albums", "STATISTICS_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, ProcessingCountResponse{Count: n})
}

func albumList(tasks []task.Task, total int, page task.Page) AlbumListResponse {
	page = page.Normalize()
	resp := AlbumListResponse{
		Albums:   make([]AlbumSummary, 0, len(tasks)),
		Total:    total,
		Page:     page.Number,
		PageSize: page.Size,
	}
	for _, t := range tasks {
		resp.Albums = append(resp.Albums, AlbumSummary{
			AlbumID:          t.ID,
			Name:             t.AlbumName,
			OriginalFilename: t.OriginalFilename,
			Status:           string(t.Status),
			Progress:         t.Progress,
			TotalFrames:      t.TotalFrames,
			Resolution:       t.Resolution,
			CreatedAt:        t.CreatedAt,
		})
	}
	return resp
}

// DeleteAlbum handles DELETE /api/album/{albumId} requests.
func (h *Handlers) DeleteAlbum(w http.ResponseWriter, r *http.Request) {
	albumID := r.PathValue("albumId")
	if albumID == "" {
		writeError(w, http.StatusBadRequest, "album ID is required", "MISSING_ALBUM_ID")
		return
	}
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteAlbum(r.Context(), ds, albumID); err != nil {
		h.writeServiceError(w, err, "failed to delete album", "ALBUM_DELETE_FAILED")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetFavorite handles PUT /api/images/favorite requests.
func (h *Handlers) SetFavorite(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}

	var req FavoriteRequest
	if !h.decode(w, r, &req) {
		return
	}

	updated, err := h.service.SetFavorite(r.Context(), ds, req.ImageIDs, *req.Favorite)
	if err != nil {
		h.writeServiceError(w, err, "failed to update favorites", "FAVORITE_UPDATE_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, FavoriteResponse{Updated: updated})
}

// Download kinds accepted by DownloadAlbum.
const (
	kindHEIC  = "heic"
	kindThumb = "thumb"
)

// DownloadAlbum handles GET /api/album/{albumId}/download requests. It
// streams a zip of the selected images, or of all of them when ids is empty.
func (h *Handlers) DownloadAlbum(w http.ResponseWriter, r *http.Request) {
	albumID := r.PathValue("albumId")
	if albumID == "" {
		writeError(w, http.StatusBadRequest, "album ID is required", "MISSING_ALBUM_ID")
		return
	}
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = kindHEIC
	}
	if kind != kindHEIC && kind != kindThumb {
		writeError(w, http.StatusBadRequest, "kind must be heic or thumb", "INVALID_QUERY")
		return
	}

	images, err := h.service.AlbumImages(r.Context(), ds, albumID)
	if err != nil {
		h.writeServiceError(w, err, "failed to get album", "ALBUM_FETCH_FAILED")
		return
	}
	images = selectImages(images, splitIDs(r.URL.Query().Get("ids")))
	if len(images) == 0 {
		writeError(w, http.StatusNotFound, "no images to download", "NO_IMAGES")
		return
	}

	logger := h.logger.With(slog.String("task_id", albumID))

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", albumID+".zip"))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	for _, img := range images {
		rel := img.FilePath
		if kind == kindThumb {
			rel = img.ThumbnailPath
		}
		if rel == "" {
			continue
		}
		if err := h.addToZip(zw, rel); err != nil {
			// Headers are gone; the best we can do is skip the entry.
			logger.Warn("skipping file in zip",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := zw.Close(); err != nil {
		logger.Error("failed to finish zip", slog.String("error", err.Error()))
	}
}

func (h *Handlers) addToZip(zw *zip.Writer, rel string) error {
	src, err := h.store.ResolveAlbumPath(rel)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	fh, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	fh.Name = path.Base(rel)
	// HEIC and JPEG are already compressed.
	fh.Method = zip.Store

	dst, err := zw.CreateHeader(fh)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, f)
	return err
}

// DefaultDownloadPath handles GET /api/download/default-path requests.
func (h *Handlers) DefaultDownloadPath(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DefaultPathResponse{DefaultPath: h.downloadDir})
}

// SaveLocal handles POST /api/download/local requests. Each file is copied
// independently and reported on its own.
func (h *Handlers) SaveLocal(w http.ResponseWriter, r *http.Request) {
	var req LocalSaveRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := os.MkdirAll(req.TargetDir, 0o755); err != nil {
		h.logger.Error("failed to create target directory",
			slog.String("target_dir", req.TargetDir),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create target directory", "TARGET_DIR_FAILED")
		return
	}

	resp := LocalSaveResponse{Results: make([]LocalSaveResult, 0, len(req.Files))}
	for _, f := range req.Files {
		resp.Results = append(resp.Results, h.saveLocal(f, req.TargetDir))
	}
	h.logger.Info("files saved locally",
		slog.String("target_dir", req.TargetDir),
		slog.Int("files", len(req.Files)),
	)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) saveLocal(f LocalFile, targetDir string) LocalSaveResult {
	res := LocalSaveResult{Name: f.Name, Status: "failed"}
	src, err := h.store.ResolveAlbumPath(f.Path)
	if err != nil {
		res.Error = "invalid path"
		return res
	}
	if _, err := os.Stat(src); err != nil {
		res.Error = "source file not found"
		return res
	}
	if err := storage.CopyFile(src, filepath.Join(targetDir, filepath.Base(f.Name))); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Status = "success"
	return res
}

// dataSource reads the dataSource query parameter. The empty name selects
// the configured default. It writes the error response itself.
func (h *Handlers) dataSource(w http.ResponseWriter, r *http.Request) (task.DataSource, bool) {
	raw := r.URL.Query().Get("dataSource")
	if raw == "" {
		return "", true
	}
	ds, err := task.ParseDataSource(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "UNKNOWN_DATA_SOURCE")
		return "", false
	}
	return ds, true
}

// decode reads and validates a JSON request body.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}

	// Validate request
	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// writeServiceError maps domain errors to HTTP responses. Anything
// unexpected is logged and reported as a 500 with fallbackCode.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error, message, fallbackCode string) {
	switch {
	case errors.Is(err, task.ErrUnknownDataSource):
		writeError(w, http.StatusBadRequest, err.Error(), "UNKNOWN_DATA_SOURCE")
	case errors.Is(err, task.ErrDataSourceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "DATA_SOURCE_UNAVAILABLE")
	case errors.Is(err, task.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
	case errors.Is(err, storage.ErrPathOutsideRoot):
		writeError(w, http.StatusBadRequest, "invalid path", "INVALID_PATH")
	default:
		h.logger.Error(message,
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, message, fallbackCode)
	}
}

func toImageResponse(img task.Image) ImageResponse {
	resp := ImageResponse{
		ID:            img.ID,
		FrameNumber:   img.FrameNumber,
		Filename:      img.Filename,
		FilePath:      img.FilePath,
		ThumbnailPath: img.ThumbnailPath,
		URL:           albumURL(img.FilePath),
		FileSize:      img.FileSize,
		Favorite:      img.Favorite,
		CreatedAt:     img.CreatedAt,
	}
	if img.ThumbnailPath != "" {
		resp.ThumbnailURL = albumURL(img.ThumbnailPath)
	}
	return resp
}

// albumURL maps a path relative to the albums root to its static URL.
func albumURL(rel string) string {
	return albumsPrefix + strings.TrimPrefix(rel, "/")
}

func isMP4(filename, contentType string) bool {
	return contentType == "video/mp4" || strings.EqualFold(filepath.Ext(filename), ".mp4")
}

func parsePage(r *http.Request) (task.Page, error) {
	var p task.Page
	var err error
	if p.Number, err = parseIntParam(r, "page"); err != nil {
		return p, err
	}
	if p.Size, err = parseIntParam(r, "pageSize"); err != nil {
		return p, err
	}
	return p, nil
}

func parseIntParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func parseBoolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return b, nil
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// selectImages keeps the images named in ids, or all of them if ids is empty.
func selectImages(images []task.Image, ids []string) []task.Image {
	if len(ids) == 0 {
		return images
	}
	out := make([]task.Image, 0, len(ids))
	for _, img := range images {
		if slices.Contains(ids, img.ID) {
			out = append(out, img)
		}
	}
	return out
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
