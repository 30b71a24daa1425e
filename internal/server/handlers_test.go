package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/framecatcher-api/internal/media"
	"github.com/maauso/framecatcher-api/internal/metrics"
	"github.com/maauso/framecatcher-api/internal/storage"
	"github.com/maauso/framecatcher-api/internal/task"
)

// mockProcessor implements media.Processor for testing.
type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) Probe(ctx context.Context, path string) (media.VideoInfo, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(media.VideoInfo), args.Error(1)
}

func (m *mockProcessor) ExtractFrames(ctx context.Context, input string, info media.VideoInfo, outDir, prefix string, onProgress media.FrameFunc) ([]string, error) {
	args := m.Called(ctx, input, info, outDir, prefix, onProgress)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockProcessor) ConvertToHEIC(ctx context.Context, src, dst string, quality int) error {
	args := m.Called(ctx, src, dst, quality)
	return args.Error(0)
}

func (m *mockProcessor) GenerateThumbnail(ctx context.Context, src, dst string, width int) error {
	args := m.Called(ctx, src, dst, width)
	return args.Error(0)
}

// recordingObserver keeps the size of every accepted upload.
type recordingObserver struct {
	mu    sync.Mutex
	sizes []int64
}

func (o *recordingObserver) UploadReceived(size int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sizes = append(o.sizes, size)
}

type fixture struct {
	h         *Handlers
	repo      *task.MemoryRepository
	store     *storage.LocalStorage
	processor *mockProcessor
	observer  *recordingObserver
	logger    *slog.Logger
}

func newTestHandlers(t *testing.T, opts ...HandlerOption) *fixture {
	t.Helper()
	base := t.TempDir()
	store, err := storage.NewLocalStorage(filepath.Join(base, "uploads"), filepath.Join(base, "albums"))
	require.NoError(t, err)

	repo := task.NewMemoryRepository()
	registry := task.NewRegistry(task.DataSourceMemory)
	registry.Register(task.DataSourceMemory, repo)

	processor := &mockProcessor{}
	observer := &recordingObserver{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := task.NewService(registry, processor, store, logger)

	// Disable async processing for tests to avoid mock issues
	opts = append([]HandlerOption{WithAsyncProcessing(false), WithUploadObserver(observer)}, opts...)
	return &fixture{
		h:         NewHandlers(svc, store, logger, opts...),
		repo:      repo,
		store:     store,
		processor: processor,
		observer:  observer,
		logger:    logger,
	}
}

// seedAlbum creates a processing task with frames HEIC files and thumbnails
// on disk and in the repository.
func seedAlbum(t *testing.T, f *fixture, frames int) (*task.Task, []*task.Image) {
	t.Helper()
	ctx := context.Background()

	created, err := f.repo.CreateTask(ctx, "holiday.mp4", "holiday")
	require.NoError(t, err)
	total := frames
	resolution := "1920x1080"
	require.NoError(t, f.repo.UpdateTaskStatus(ctx, created.ID, task.StatusProcessing, task.StatusUpdate{
		TotalFrames: &total,
		Resolution:  &resolution,
	}))

	images := make([]*task.Image, 0, frames)
	for i := 1; i <= frames; i++ {
		rel := fmt.Sprintf("%s/frame_%04d.heic", created.ID, i)
		thumb := fmt.Sprintf("%s/thumbnails/frame_%04d.jpg", created.ID, i)
		writeAlbumFile(t, f.store, rel, fmt.Sprintf("heic-%d", i))
		writeAlbumFile(t, f.store, thumb, fmt.Sprintf("jpeg-%d", i))

		img, err := f.repo.CreateImage(ctx, task.NewImage{
			TaskID:        created.ID,
			FrameNumber:   i,
			Filename:      filepath.Base(rel),
			FilePath:      rel,
			ThumbnailPath: thumb,
			FileSize:      int64(len(fmt.Sprintf("heic-%d", i))),
		})
		require.NoError(t, err)
		images = append(images, img)
	}

	got, err := f.repo.GetTask(ctx, created.ID)
	require.NoError(t, err)
	return got, images
}

func writeAlbumFile(t *testing.T, store *storage.LocalStorage, rel, content string) {
	t.Helper()
	p := filepath.Join(store.AlbumsRoot(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func multipartBody(t *testing.T, field, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func uploadRequest(t *testing.T, target, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	body, ct := multipartBody(t, "file", filename, contentType, content)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", ct)
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func uploadedFiles(t *testing.T, store *storage.LocalStorage) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(store.UploadDir())
	require.NoError(t, err)
	return entries
}

func TestHealth(t *testing.T) {
	f := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	f.h.Health(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	err := json.NewDecoder(rec.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Equal(t, []string{"memory"}, resp.DataSources)
}

func TestUpload_Success(t *testing.T) {
	f := newTestHandlers(t)
	content := []byte("fake mp4 payload")

	req := uploadRequest(t, "/api/upload", "Holiday Trip.MP4", "application/octet-stream", content)
	rec := httptest.NewRecorder()

	f.h.Upload(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp UploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "uploaded", resp.Status)
	assert.Equal(t, "File uploaded successfully", resp.Message)

	created, err := f.repo.GetTask(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, "Holiday Trip.MP4", created.OriginalFilename)
	assert.Equal(t, "Holiday Trip", created.AlbumName)

	files := uploadedFiles(t, f.store)
	require.Len(t, files, 1)
	assert.Equal(t, ".mp4", filepath.Ext(files[0].Name()))
	assert.Equal(t, []int64{int64(len(content))}, f.observer.sizes)
}

func TestUpload_AcceptsMP4ContentType(t *testing.T) {
	f := newTestHandlers(t)

	req := uploadRequest(t, "/api/upload", "recording", "video/mp4", []byte("data"))
	rec := httptest.NewRecorder()

	f.h.Upload(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpload_BackgroundFailureMarksTaskFailed(t *testing.T) {
	f := newTestHandlers(t, WithAsyncProcessing(true))
	f.processor.On("Probe", mock.Anything, mock.Anything).Return(media.VideoInfo{}, errors.New("moov atom not found"))

	req := uploadRequest(t, "/api/upload", "broken.mp4", "video/mp4", []byte("not a video"))
	rec := httptest.NewRecorder()

	f.h.Upload(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp UploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	assert.Eventually(t, func() bool {
		got, err := f.repo.GetTask(context.Background(), resp.TaskID)
		if err != nil || got.Status != task.StatusFailed {
			return false
		}
		entries, err := os.ReadDir(f.store.UploadDir())
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.repo.GetTask(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "moov atom not found")
}

func TestUpload_RejectsNonMP4(t *testing.T) {
	f := newTestHandlers(t)

	req := uploadRequest(t, "/api/upload", "clip.avi", "video/x-msvideo", []byte("data"))
	rec := httptest.NewRecorder()

	f.h.Upload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_FILE_TYPE", decodeError(t, rec).Code)
	assert.Empty(t, uploadedFiles(t, f.store))
}

func TestUpload_TooLarge(t *testing.T) {
	f := newTestHandlers(t, WithMaxFileSize(64))

	req := uploadRequest(t, "/api/upload", "clip.mp4", "video/mp4", bytes.Repeat([]byte("x"), 1024))
	rec := httptest.NewRecorder()

	f.h.Upload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FILE_TOO_LARGE", decodeError(t, rec).Code)
	assert.Empty(t, uploadedFiles(t, f.store))
}

func TestUpload_FileAtLimitIsAccepted(t *testing.T) {
	f := newTestHandlers(t, WithMaxFileSize(64))

	req := uploadRequest(t, "/api/upload", "clip.mp4", "video/mp4", bytes.Repeat([]byte("x"), 64))
	require.Greater(t, req.ContentLength, int64(64), "multipart framing adds to the body")
	rec := httptest.NewRecorder()

	f.h.Upload(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{64}, f.observer.sizes)
}

func TestUpload_BodyBeyondOverheadRejectedEarly(t *testing.T) {
	f := newTestHandlers(t, WithMaxFileSize(64))

	req := uploadRequest(t, "/api/upload", "clip.mp4", "video/mp4", []byte("x"))
	req.ContentLength = 64 + multipartOverhead + 1
	rec := httptest.NewRecorder()

	f.h.Upload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FILE_TOO_LARGE", decodeError(t, rec).Code)
}

func TestUpload_MissingFile(t *testing.T) {
	f := newTestHandlers(t)

	body, ct := multipartBody(t, "video", "clip.mp4", "video/mp4", []byte("data"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	f.h.Upload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NO_FILE", decodeError(t, rec).Code)
}

func TestUpload_UnknownDataSource(t *testing.T) {
	f := newTestHandlers(t)

	req := uploadRequest(t, "/api/upload?dataSource=mongo", "clip.mp4", "video/mp4", []byte("data"))
	rec := httptest.NewRecorder()

	f.h.Upload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_DATA_SOURCE", decodeError(t, rec).Code)
}

func TestUpload_UnavailableDataSource(t *testing.T) {
	f := newTestHandlers(t)

	req := uploadRequest(t, "/api/upload?dataSource=sqlite", "clip.mp4", "video/mp4", []byte("data"))
	rec := httptest.NewRecorder()

	f.h.Upload(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DATA_SOURCE_UNAVAILABLE", decodeError(t, rec).Code)
	assert.Empty(t, uploadedFiles(t, f.store), "upload must be removed when no task was created")
}

func TestGetProgress_Success(t *testing.T) {
	f := newTestHandlers(t)
	ctx := context.Background()

	created, err := f.repo.CreateTask(ctx, "clip.mp4", "clip")
	require.NoError(t, err)
	total := 200
	require.NoError(t, f.repo.UpdateTaskStatus(ctx, created.ID, task.StatusProcessing, task.StatusUpdate{TotalFrames: &total}))
	require.NoError(t, f.repo.UpdateTaskProgress(ctx, created.ID, 40, task.StatusProcessing))

	req := httptest.NewRequest(http.MethodGet, "/api/progress/"+created.ID+"?dataSource=memory", nil)
	req.SetPathValue("taskId", created.ID)
	rec := httptest.NewRecorder()

	f.h.GetProgress(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))
	assert.Equal(t, "0", rec.Header().Get("Expires"))

	var resp ProgressResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, created.ID, resp.TaskID)
	assert.Equal(t, "processing", resp.Status)
	assert.Equal(t, 40, resp.Progress)
	assert.Equal(t, 80, resp.CurrentFrame)
	assert.Equal(t, 200, resp.TotalFrames)
	assert.GreaterOrEqual(t, resp.EstimatedTime, 0)
}

func TestGetProgress_NotFound(t *testing.T) {
	f := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/progress/nonexistent", nil)
	req.SetPathValue("taskId", "nonexistent")
	rec := httptest.NewRecorder()

	f.h.GetProgress(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TASK_NOT_FOUND", decodeError(t, rec).Code)
}

func TestGetProgress_MissingID(t *testing.T) {
	f := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/progress/", nil)
	// Don't set path value to simulate missing ID
	rec := httptest.NewRecorder()

	f.h.GetProgress(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_TASK_ID", decodeError(t, rec).Code)
}

func TestGetAlbum_Paged(t *testing.T) {
	f := newTestHandlers(t)
	album, _ := seedAlbum(t, f, 3)

	req := httptest.NewRequest(http.MethodGet, "/api/album/"+album.ID+"?page=2&pageSize=2", nil)
	req.SetPathValue("albumId", album.ID)
	rec := httptest.NewRecorder()

	f.h.GetAlbum(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp AlbumResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, album.ID, resp.AlbumID)
	assert.Equal(t, "holiday", resp.Name)
	assert.Equal(t, "holiday.mp4", resp.OriginalFilename)
	assert.Equal(t, "1920x1080", resp.Resolution)
	assert.Equal(t, 3, resp.TotalFrames)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 2, resp.PageSize)

	require.Len(t, resp.Images, 1)
	img := resp.Images[0]
	assert.Equal(t, 3, img.FrameNumber)
	assert.Equal(t, "frame_0003.heic", img.Filename)
	assert.Equal(t, "/albums/"+album.ID+"/frame_0003.heic", img.URL)
	assert.Equal(t, "/albums/"+album.ID+"/thumbnails/frame_0003.jpg", img.ThumbnailURL)
	assert.Equal(t, int64(6), img.FileSize)
}

func TestGetAlbum_FavoritesOnly(t *testing.T) {
	f := newTestHandlers(t)
	album, images := seedAlbum(t, f, 3)
	_, err := f.repo.SetFavorite(context.Background(), []string{images[1].ID}, true)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/album/"+album.ID+"?favorites=true", nil)
	req.SetPathValue("albumId", album.ID)
	rec := httptest.NewRecorder()

	f.h.GetAlbum(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp AlbumResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Images, 1)
	assert.Equal(t, images[1].ID, resp.Images[0].ID)
	assert.True(t, resp.Images[0].Favorite)
	assert.Equal(t, 1, resp.Total)
}

func TestGetAlbum_InvalidQuery(t *testing.T) {
	f := newTestHandlers(t)

	tests := []struct {
		name  string
		query string
	}{
		{name: "page not a number", query: "page=abc"},
		{name: "negative page size", query: "pageSize=-1"},
		{name: "favorites not a boolean", query: "favorites=maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/album/a1?"+tt.query, nil)
			req.SetPathValue("albumId", "a1")
			rec := httptest.NewRecorder()

			f.h.GetAlbum(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_QUERY", decodeError(t, rec).Code)
		})
	}
}

func TestGetAlbum_NotFound(t *testing.T) {
	f := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/album/missing", nil)
	req.SetPathValue("albumId", "missing")
	rec := httptest.NewRecorder()

	f.h.GetAlbum(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TASK_NOT_FOUND", decodeError(t, rec).Code)
}

func TestListAlbums(t *testing.T) {
	f := newTestHandlers(t)
	first, _ := seedAlbum(t, f, 1)
	second, _ := seedAlbum(t, f, 2)

	req := httptest.NewRequest(http.MethodGet, "/api/albums?pageSize=10", nil)
	rec := httptest.NewRecorder()

	f.h.ListAlbums(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp AlbumListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 10, resp.PageSize)
	require.Len(t, resp.Albums, 2)

	ids := []string{resp.Albums[0].AlbumID, resp.Albums[1].AlbumID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
}

func TestListAlbums_Empty(t *testing.T) {
	f := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/albums", nil)
	rec := httptest.NewRecorder()

	f.h.ListAlbums(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"albums":[]`)
}

func TestDeleteAlbum(t *testing.T) {
	f := newTestHandlers(t)
	album, _ := seedAlbum(t, f, 2)

	req := httptest.NewRequest(http.MethodDelete, "/api/album/"+album.ID, nil)
	req.SetPathValue("albumId", album.ID)
	rec := httptest.NewRecorder()

	f.h.DeleteAlbum(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	_, err := f.repo.GetTask(context.Background(), album.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	assert.NoDirExists(t, filepath.Join(f.store.AlbumsRoot(), album.ID))

	// Deleting again reports not found
	rec = httptest.NewRecorder()
	f.h.DeleteAlbum(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetFavorite_Success(t *testing.T) {
	f := newTestHandlers(t)
	album, images := seedAlbum(t, f, 3)

	body := `{"imageIds":["` + images[0].ID + `","` + images[2].ID + `"],"favorite":true}`
	req := httptest.NewRequest(http.MethodPut, "/api/images/favorite", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	f.h.SetFavorite(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp FavoriteResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Updated)

	stored, err := f.repo.GetImagesByTask(context.Background(), album.ID)
	require.NoError(t, err)
	assert.True(t, stored[0].Favorite)
	assert.False(t, stored[1].Favorite)
	assert.True(t, stored[2].Favorite)
}

func TestSetFavorite_Validation(t *testing.T) {
	f := newTestHandlers(t)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "invalid JSON", body: "invalid json", wantCode: "INVALID_JSON"},
		{name: "missing favorite", body: `{"imageIds":["a"]}`, wantCode: "VALIDATION_ERROR"},
		{name: "empty image list", body: `{"imageIds":[],"favorite":true}`, wantCode: "VALIDATION_ERROR"},
		{name: "blank image id", body: `{"imageIds":[""],"favorite":false}`, wantCode: "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/images/favorite", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			f.h.SetFavorite(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func readZip(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)

	out := make(map[string]string, len(zr.File))
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[zf.Name] = string(data)
	}
	return out
}

func TestDownloadAlbum_All(t *testing.T) {
	f := newTestHandlers(t)
	album, _ := seedAlbum(t, f, 2)

	req := httptest.NewRequest(http.MethodGet, "/api/album/"+album.ID+"/download", nil)
	req.SetPathValue("albumId", album.ID)
	rec := httptest.NewRecorder()

	f.h.DownloadAlbum(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), album.ID+".zip")
	assert.Equal(t, map[string]string{
		"frame_0001.heic": "heic-1",
		"frame_0002.heic": "heic-2",
	}, readZip(t, rec))
}

func TestDownloadAlbum_SelectedThumbnails(t *testing.T) {
	f := newTestHandlers(t)
	album, images := seedAlbum(t, f, 3)

	target := fmt.Sprintf("/api/album/%s/download?kind=thumb&ids=%s,%s", album.ID, images[0].ID, images[2].ID)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.SetPathValue("albumId", album.ID)
	rec := httptest.NewRecorder()

	f.h.DownloadAlbum(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{
		"frame_0001.jpg": "jpeg-1",
		"frame_0003.jpg": "jpeg-3",
	}, readZip(t, rec))
}

func TestDownloadAlbum_SkipsMissingFiles(t *testing.T) {
	f := newTestHandlers(t)
	album, images := seedAlbum(t, f, 2)
	require.NoError(t, os.Remove(filepath.Join(f.store.AlbumsRoot(), filepath.FromSlash(images[0].FilePath))))

	req := httptest.NewRequest(http.MethodGet, "/api/album/"+album.ID+"/download", nil)
	req.SetPathValue("albumId", album.ID)
	rec := httptest.NewRecorder()

	f.h.DownloadAlbum(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"frame_0002.heic": "heic-2"}, readZip(t, rec))
}

func TestDownloadAlbum_Errors(t *testing.T) {
	f := newTestHandlers(t)
	album, _ := seedAlbum(t, f, 1)

	tests := []struct {
		name       string
		albumID    string
		query      string
		wantStatus int
		wantCode   string
	}{
		{name: "invalid kind", albumID: album.ID, query: "kind=raw", wantStatus: http.StatusBadRequest, wantCode: "INVALID_QUERY"},
		{name: "unknown album", albumID: "missing", wantStatus: http.StatusNotFound, wantCode: "TASK_NOT_FOUND"},
		{name: "no matching ids", albumID: album.ID, query: "ids=nope", wantStatus: http.StatusNotFound, wantCode: "NO_IMAGES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/album/"+tt.albumID+"/download?"+tt.query, nil)
			req.SetPathValue("albumId", tt.albumID)
			rec := httptest.NewRecorder()

			f.h.DownloadAlbum(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestDefaultDownloadPath(t *testing.T) {
	f := newTestHandlers(t, WithDefaultDownloadDir("/srv/exports"))

	req := httptest.NewRequest(http.MethodGet, "/api/download/default-path", nil)
	rec := httptest.NewRecorder()

	f.h.DefaultDownloadPath(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp DefaultPathResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "/srv/exports", resp.DefaultPath)
}

func TestDefaultDownloadPath_HomeFallback(t *testing.T) {
	f := newTestHandlers(t)
	assert.Equal(t, "frame-catcher-output", filepath.Base(f.h.downloadDir))
}

func TestSaveLocal(t *testing.T) {
	f := newTestHandlers(t)
	album, images := seedAlbum(t, f, 1)
	targetDir := filepath.Join(t.TempDir(), "exports", "holiday")

	reqBody := LocalSaveRequest{
		Files: []LocalFile{
			{Name: "first.heic", Path: images[0].FilePath},
			{Name: "gone.heic", Path: album.ID + "/frame_0099.heic"},
			{Name: "passwd", Path: "../../etc/passwd"},
		},
		TargetDir: targetDir,
	}
	bodyJSON, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/download/local", bytes.NewReader(bodyJSON))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	f.h.SaveLocal(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp LocalSaveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []LocalSaveResult{
		{Name: "first.heic", Status: "success"},
		{Name: "gone.heic", Status: "failed", Error: "source file not found"},
		{Name: "passwd", Status: "failed", Error: "invalid path"},
	}, resp.Results)

	data, err := os.ReadFile(filepath.Join(targetDir, "first.heic"))
	require.NoError(t, err)
	assert.Equal(t, "heic-1", string(data))
}

func TestSaveLocal_Validation(t *testing.T) {
	f := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/download/local", strings.NewReader(`{"files":[]}`))
	rec := httptest.NewRecorder()

	f.h.SaveLocal(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, reg)
	f := newTestHandlers(t, WithUploadObserver(m))
	album, _ := seedAlbum(t, f, 1)

	router := NewRouter(f.h, f.logger, Config{
		AllowedOrigins: []string{"*"},
		AlbumsDir:      f.store.AlbumsRoot(),
		Metrics:        m.Handler(),
	})

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("progress path value", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress/"+album.ID, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("static album file", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/albums/"+album.ID+"/frame_0001.heic", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "heic-1", rec.Body.String())
	})

	t.Run("album directories are not listed", func(t *testing.T) {
		for _, target := range []string{"/albums/", "/albums/" + album.ID + "/", "/albums/" + album.ID, "/albums/" + album.ID + "/thumbnails/"} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
			assert.Equal(t, http.StatusNotFound, rec.Code, target)
			assert.NotContains(t, rec.Body.String(), "frame_0001", target)
		}
	})

	t.Run("album search and statistics routes", func(t *testing.T) {
		for _, target := range []string{"/api/albums/search?keyword=holi", "/api/albums/statistics", "/api/albums/processing/count"} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
			assert.Equal(t, http.StatusOK, rec.Code, target)
		}
	})

	t.Run("upload then metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, uploadRequest(t, "/api/upload", "clip.mp4", "video/mp4", []byte("data")))
		require.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "framecatcher_upload_size_bytes_count 1")
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/albums", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestCORSMiddleware(t *testing.T) {
	f := newTestHandlers(t)

	cfg := Config{AllowedOrigins: []string{"https://example.com"}}
	router := NewRouter(f.h, f.logger, cfg)

	// Test with allowed origin
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
	assert.Equal(t, "Content-Disposition", rec.Header().Get("Access-Control-Expose-Headers"))

	// Test with a foreign origin
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// Test OPTIONS preflight
	req = httptest.NewRequest(http.MethodOptions, "/api/images/favorite", nil)
	req.Header.Set("Origin", "https://example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	// Create a handler that panics
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware(logger)(panicHandler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Code)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/albums?dataSource=sqlite", nil))

	out := buf.String()
	assert.Contains(t, out, "status=201")
	assert.Contains(t, out, "bytes=5")
	assert.Contains(t, out, "data_source=sqlite")

	// Progress polling is logged below info
	buf.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/progress/abc", nil))
	assert.Empty(t, buf.String())
}

func TestSearchAlbums(t *testing.T) {
	f := newTestHandlers(t)
	album, _ := seedAlbum(t, f, 1)
	_, err := f.repo.CreateTask(context.Background(), "garden.mp4", "garden")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.h.SearchAlbums(rec, httptest.NewRequest(http.MethodGet, "/api/albums/search?keyword=HOLI&pageSize=5", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AlbumListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 5, resp.PageSize)
	require.Len(t, resp.Albums, 1)
	assert.Equal(t, album.ID, resp.Albums[0].AlbumID)
	assert.Equal(t, "holiday", resp.Albums[0].Name)
}

func TestSearchAlbums_RequiresKeyword(t *testing.T) {
	f := newTestHandlers(t)

	rec := httptest.NewRecorder()
	f.h.SearchAlbums(rec, httptest.NewRequest(http.MethodGet, "/api/albums/search?keyword=%20", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_QUERY", decodeError(t, rec).Code)
}

func TestAlbumStatistics(t *testing.T) {
	f := newTestHandlers(t)
	_, images := seedAlbum(t, f, 3)
	_, err := f.repo.SetFavorite(context.Background(), []string{images[0].ID}, true)
	require.NoError(t, err)
	_, err = f.repo.CreateTask(context.Background(), "queued.mp4", "queued")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.h.AlbumStatistics(rec, httptest.NewRequest(http.MethodGet, "/api/albums/statistics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AlbumStatisticsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.TotalAlbums)
	assert.Equal(t, 1, resp.ProcessingAlbums)
	assert.Equal(t, 1, resp.PendingAlbums)
	assert.Zero(t, resp.CompletedAlbums)
	assert.Equal(t, 3, resp.TotalFrames)
	assert.Equal(t, 1, resp.TotalFavoriteFrames)
	assert.Equal(t, int64(len("heic-1")*3), resp.TotalStorageUsed)
	assert.Equal(t, map[string]int{"pending": 1, "processing": 1, "completed": 0, "failed": 0}, resp.AlbumsByStatus)
}

func TestProcessingCount(t *testing.T) {
	f := newTestHandlers(t)
	seedAlbum(t, f, 1)
	seedAlbum(t, f, 1)

	rec := httptest.NewRecorder()
	f.h.ProcessingCount(rec, httptest.NewRequest(http.MethodGet, "/api/albums/processing/count", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ProcessingCountResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
}

func TestAlbumStatistics_UnavailableDataSource(t *testing.T) {
	f := newTestHandlers(t)

	rec := httptest.NewRecorder()
	f.h.AlbumStatistics(rec, httptest.NewRequest(http.MethodGet, "/api/albums/statistics?dataSource=local", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DATA_SOURCE_UNAVAILABLE", decodeError(t, rec).Code)
}
