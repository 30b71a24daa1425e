// Package server provides the HTTP server for the Frame Catcher API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// UploadResponse is the HTTP response after a video was accepted.
type UploadResponse struct {
	// TaskID identifies the task, and later the album.
	TaskID string `json:"taskId"`
	// Status is always "uploaded"; processing continues in the background.
	Status string `json:"status"`
	// Message is a human-readable confirmation.
	Message string `json:"message"`
}

// ProgressResponse is the polling view of a task.
type ProgressResponse struct {
	TaskID       string `json:"taskId"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	CurrentFrame int    `json:"currentFrame"`
	TotalFrames  int    `json:"totalFrames"`
	// EstimatedTime is the estimated number of seconds left.
	EstimatedTime int    `json:"estimatedTime"`
	Error         string `json:"error,omitempty"`
}

// ImageResponse describes one frame of an album.
type ImageResponse struct {
	ID            string `json:"id"`
	FrameNumber   int    `json:"frameNumber"`
	Filename      string `json:"filename"`
	FilePath      string `json:"filePath"`
	ThumbnailPath string `json:"thumbnailPath,omitempty"`
	// URL and ThumbnailURL point at the static album file server.
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	FileSize     int64     `json:"fileSize"`
	Favorite     bool      `json:"favorite"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AlbumResponse is an album with one page of its images.
type AlbumResponse struct {
	AlbumID          string          `json:"albumId"`
	Name             string          `json:"name"`
	OriginalFilename string          `json:"originalFilename"`
	Status           string          `json:"status"`
	Progress         int             `json:"progress"`
	TotalFrames      int             `json:"totalFrames"`
	Resolution       string          `json:"resolution,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	Images           []ImageResponse `json:"images"`
	// Total is the number of images matching the query across all pages.
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// AlbumSummary is one entry of the album listing.
type AlbumSummary struct {
	AlbumID          string    `json:"albumId"`
	Name             string    `json:"name"`
	OriginalFilename string    `json:"originalFilename"`
	Status           string    `json:"status"`
	Progress         int       `json:"progress"`
	TotalFrames      int       `json:"totalFrames"`
	Resolution       string    `json:"resolution,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// AlbumListResponse is one page of albums, newest first.
type AlbumListResponse struct {
	Albums   []AlbumSummary `json:"albums"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"pageSize"`
}

// AlbumStatisticsResponse summarises every album of a data source.
type AlbumStatisticsResponse struct {
	TotalAlbums         int            `json:"totalAlbums"`
	PendingAlbums       int            `json:"pendingAlbums"`
	ProcessingAlbums    int            `json:"processingAlbums"`
	CompletedAlbums     int            `json:"completedAlbums"`
	FailedAlbums        int            `json:"failedAlbums"`
	TotalFrames         int            `json:"totalFrames"`
	TotalFavoriteFrames int            `json:"totalFavoriteFrames"`
	TotalStorageUsed    int64          `json:"totalStorageUsed"`
	AlbumsByStatus      map[string]int `json:"albumsByStatus"`
}

// ProcessingCountResponse is the number of albums being processed.
type ProcessingCountResponse struct {
	Count int `json:"count"`
}

// FavoriteRequest is the HTTP request body for starring images.
type FavoriteRequest struct {
	// ImageIDs lists the images to update.
	ImageIDs []string `json:"imageIds" validate:"required,min=1,dive,required"`
	// Favorite is the new flag; a pointer so that false is not "missing".
	Favorite *bool `json:"favorite" validate:"required"`
}

// FavoriteResponse reports how many images changed.
type FavoriteResponse struct {
	Updated int `json:"updated"`
}

// DefaultPathResponse carries the suggested target directory for local saves.
type DefaultPathResponse struct {
	DefaultPath string `json:"defaultPath"`
}

// LocalFile names one album file to copy and its name at the destination.
type LocalFile struct {
	Name string `json:"name" validate:"required"`
	// Path is relative to the albums root, as returned in ImageResponse.
	Path string `json:"path" validate:"required"`
}

// LocalSaveRequest is the HTTP request body for copying album files to a
// directory on the server host.
type LocalSaveRequest struct {
	Files     []LocalFile `json:"files" validate:"required,min=1,dive"`
	TargetDir string      `json:"targetDir" validate:"required"`
}

// LocalSaveResult is the outcome for one file of a LocalSaveRequest.
type LocalSaveResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// LocalSaveResponse lists the outcome per file.
type LocalSaveResponse struct {
	Results []LocalSaveResult `json:"results"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// Timestamp is the server time of the check.
	Timestamp time.Time `json:"timestamp"`
	// DataSources lists the configured persistence adapters.
	DataSources []string `json:"dataSources"`
}
