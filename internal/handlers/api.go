package handlers

import (
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fileforge/internal/domain"
	"fileforge/internal/engine"
	"fileforge/internal/models"
	"fileforge/internal/utils"
)

// API serves the accept, status, list and cancel endpoints of every surface.
type API struct {
	conversions   *engine.ConversionEngine
	optimizations *engine.OptimizationEngine
	logger        *slog.Logger
}

func NewAPI(conv *engine.ConversionEngine, opt *engine.OptimizationEngine, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{conversions: conv, optimizations: opt, logger: logger.With("component", "api")}
}

type conversionForm struct {
	TargetFormat string `form:"target_format" validate:"required,max=32"`
	Wrap         string `form:"wrap" validate:"omitempty,oneof=none auto preserve"`
	Standalone   bool   `form:"standalone"`
	ExtractMedia *bool  `form:"extract_media"`
	PDFEngine    string `form:"pdf_engine" validate:"omitempty,max=32"`
}

type optimizationForm struct {
	QualityLevel        string `form:"quality_level" validate:"omitempty,oneof=low medium high lossless"`
	ResizeEnabled       bool   `form:"resize_enabled"`
	TargetWidth         int    `form:"target_width" validate:"omitempty,min=1,max=10000"`
	TargetHeight        int    `form:"target_height" validate:"omitempty,min=1,max=10000"`
	TargetMaxDimension  int    `form:"target_max_dimension" validate:"omitempty,min=1,max=10000"`
	MaintainAspectRatio *bool  `form:"maintain_aspect_ratio"`
}

type batchForm struct {
	QualityLevel string `form:"quality_level" validate:"omitempty,oneof=low medium high"`
}

type listQuery struct {
	Limit  int `form:"limit" validate:"omitempty,min=1,max=100"`
	Offset int `form:"offset" validate:"min=0"`
}

// openUpload opens a multipart file. The caller closes the returned file.
func openUpload(fh *multipart.FileHeader) (engine.Upload, io.Closer, error) {
	f, err := fh.Open()
	if err != nil {
		return engine.Upload{}, nil, err
	}
	return engine.Upload{Filename: fh.Filename, Size: fh.Size, Body: f}, f, nil
}

// bind parses the form into dst and validates it.
func bind(c *gin.Context, logger *slog.Logger, dst any) bool {
	if err := c.ShouldBind(dst); err != nil {
		formError(c, logger, err)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		badRequest(c, err.Error())
		return false
	}
	return true
}

// prefix is the route group of the request: api/v1 or public/v1.
func prefix(id domain.Identity) string {
	if id.Authenticated() {
		return "api/v1"
	}
	return "public/v1"
}

func accepted(c *gin.Context, id domain.Identity, resource string, job *models.JobBase) gin.H {
	body := gin.H{
		"job_id":     job.ID,
		"status":     job.Status,
		"status_url": utils.BuildFullURL(c, prefix(id), resource, job.ID),
	}
	if job.DownloadToken != nil {
		body["download_url"] = utils.BuildFullURL(c, "download", *job.DownloadToken)
	}
	return body
}

// jobView is the status body shared by both job kinds.
func jobView(c *gin.Context, b *models.JobBase) gin.H {
	body := gin.H{
		"job_id":            b.ID,
		"status":            b.Status,
		"progress":          b.Progress,
		"original_filename": b.OriginalFilename,
		"original_size":     b.OriginalSize,
		"created_at":        b.CreatedAt,
	}
	if b.ErrorMessage != "" {
		body["error_message"] = b.ErrorMessage
	}
	if b.Status != domain.StatusCompleted {
		return body
	}
	if b.OutputFilename != nil {
		body["output_filename"] = *b.OutputFilename
	}
	if b.OutputSize != nil {
		body["output_size"] = *b.OutputSize
	}
	if b.DownloadToken != nil {
		body["download_token"] = *b.DownloadToken
		body["download_url"] = utils.BuildFullURL(c, "download", *b.DownloadToken)
	}
	if b.ExpiresAt != nil {
		body["expires_at"] = b.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if b.CompletedAt != nil {
		body["completed_at"] = b.CompletedAt
	}
	return body
}

func conversionView(c *gin.Context, job *models.ConversionJob) gin.H {
	body := jobView(c, &job.JobBase)
	body["input_format"] = job.InputFormat
	body["output_format"] = job.OutputFormat
	if job.ConversionTime != nil {
		body["conversion_time"] = *job.ConversionTime
	}
	return body
}

func optimizationView(c *gin.Context, job *models.OptimizationJob) gin.H {
	body := jobView(c, &job.JobBase)
	body["format"] = job.InputFormat
	body["quality_level"] = job.QualityLevel
	if job.CompressionRatio != nil {
		body["compression_ratio"] = *job.CompressionRatio
	}
	if job.PercentageSaved != nil {
		body["size_reduction_percentage"] = *job.PercentageSaved
	}
	if job.BytesSaved != nil {
		body["bytes_saved"] = *job.BytesSaved
	}
	if job.FinalWidth != nil && job.FinalHeight != nil {
		body["final_width"] = *job.FinalWidth
		body["final_height"] = *job.FinalHeight
	}
	if job.FinalQuality != nil {
		body["final_quality"] = *job.FinalQuality
	}
	if job.OptimizationTime != nil {
		body["optimization_time"] = *job.OptimizationTime
	}
	if job.BatchID != nil {
		body["batch_id"] = *job.BatchID
	}
	return body
}

func (a *API) CreateConversion(c *gin.Context) {
	id := identityOf(c)
	var form conversionForm
	if !bind(c, a.logger, &form) {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		formError(c, a.logger, err)
		return
	}
	up, closer, err := openUpload(fh)
	if err != nil {
		badRequest(c, "could not read upload")
		return
	}
	defer closer.Close()

	job, err := a.conversions.Accept(c.Request.Context(), engine.ConversionRequest{
		Identity:     id,
		File:         up,
		TargetFormat: form.TargetFormat,
		Options: models.ConversionOptions{
			Wrap:         form.Wrap,
			Standalone:   form.Standalone,
			ExtractMedia: form.ExtractMedia,
			PDFEngine:    form.PDFEngine,
		},
	})
	if err != nil {
		respondError(c, a.logger, err)
		return
	}
	c.JSON(http.StatusCreated, accepted(c, id, "conversions", &job.JobBase))
}

func (a *API) GetConversion(c *gin.Context) {
	job, err := a.conversions.Status(c.Request.Context(), identityOf(c), c.Param("id"))
	if err != nil {
		respondError(c, a.logger, err)
		return
	}
	c.JSON(http.StatusOK, conversionView(c, job))
}

func (a *API) ListConversions(c *gin.Context) {
	var q listQuery
	if !bind(c, a.logger, &q) {
		return
	}
	if q.Limit == 0 {
		q.Limit = 20
	}
	rows, err := a.conversions.List(c.Request.Context(), identityOf(c), q.Limit, q.Offset)
	if err != nil {
		respondError(c, a.logger, err)
		return
	}
	items := make([]gin.H, 0, len(rows))
	for _, job := range rows {
		items = append(items, conversionView(c, job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": items, "limit": q.Limit, "offset": q.Offset})
}

func (a *API) CancelConversion(c *gin.Context) {
	jobID := c.Param("id")
	if err := a.conversions.Cancel(c.Request.Context(), identityOf(c), jobID); err != nil {
		respondError(c, a.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": "cancelled"})
}

func (a *API) CreateOptimization(c *gin.Context) {
	id := identityOf(c)
	var form optimizationForm
	if !bind(c, a.logger, &form) {
		return
	}
	level, err := domain.ParseQualityLevel(form.QualityLevel)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		formError(c, a.logger, err)
		return
	}
	up, closer, err := openUpload(fh)
	if err != nil {
		badRequest(c, "could not read upload")
		return
	}
	defer closer.Close()

	keepAspect := true
	if form.MaintainAspectRatio != nil {
		keepAspect = *form.MaintainAspectRatio
	}
	job, err := a.optimizations.Accept(c.Request.Context(), engine.OptimizationRequest{
		Identity:     id,
		File:         up,
		QualityLevel: level,
		Resize: models.ResizeOptions{
			Enabled:             form.ResizeEnabled,
			TargetWidth:         form.TargetWidth,
			TargetHeight:        form.TargetHeight,
			TargetMaxDimension:  form.TargetMaxDimension,
			MaintainAspectRatio: keepAspect,
		},
	})
	if err != nil {
		respondError(c, a.logger, err)
		return
	}
	c.JSON(http.StatusCreated, accepted(c, id, "optimizations", &job.JobBase))
}

func (a *API) GetOptimization(c *gin.Context) {
	job, err := a.optimizations.Status(c.Request.Context(), identityOf(c), c.Param("id"))
	if err != nil {
		respondError(c, a.logger, err)
		return
	}
	c.JSON(http.StatusOK, optimizationView(c, job))
}

func (a *API) ListOptimizations(c *gin.Context) {
	var q listQuery
	if !bind(c, a.logger, &q) {
		return
	}
	if q.Limit == 0 {
		q.Limit = 20
	}
	rows, err := a.optimizations.List(c.Request.Context(), identityOf(c), q.Limit, q.Offset)
	if err != nil {
		respondError(c, a.logger, err)
		return
	}
	items := make([]gin.H, 0, len(rows))
	for _, job := range rows {
		items = append(items, optimizationView(c, job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": items, "limit": q.Limit, "offset": q.Offset})
}

func (a *API) CancelOptimization(c *gin.Context) {
	jobID := c.Param("id")
	if err := a.optimizations.Cancel(c.Request.Context(), identityOf(c), jobID); err != nil {
		respondError(c, a.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": "cancelled"})
}

func (a *API) CreateCompression(c *gin.Context) {
	id := identityOf(c)
	var form batchForm
	if !bind(c, a.logger, &form) {
		return
	}
	level, err := domain.ParseQualityLevel(form.QualityLevel)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	mf, err := c.MultipartForm()
	if err != nil {
		formError(c, a.logger, err)
		return
	}
	headers := mf.File["files[]"]
	if len(headers) == 0 {
		headers = mf.File["files"]
	}
	uploads := make([]engine.Upload, 0, len(headers))
	for _, fh := range headers {
		up, closer, err := openUpload(fh)
		if err != nil {
			badRequest(c, "could not read upload")
			return
		}
		defer closer.Close()
		uploads = append(uploads, up)
	}

	batch, members, err := a.optimizations.AcceptBatch(c.Request.Context(), engine.BatchRequest{
		Identity:     id,
		Files:        uploads,
		QualityLevel: level,
	})
	if err != nil {
		respondError(c, a.logger, err)
		return
	}
	items := make([]gin.H, 0, len(members))
	for _, job := range members {
		item := accepted(c, id, "optimizations", &job.JobBase)
		item["original_filename"] = job.OriginalFilename
		items = append(items, item)
	}
	c.JSON(http.StatusCreated, gin.H{
		"batch_id":   batch.ID,
		"status":     domain.StatusPending,
		"status_url": utils.BuildFullURL(c, "public/v1/compressions", batch.ID),
		"jobs":       items,
	})
}

// batchStatus is processing until every member finishes.
func batchStatus(b *models.CompressionBatch) string {
	switch {
	case b.Completed+b.Failed < b.Total:
		return string(domain.StatusProcessing)
	case b.Failed == 0:
		return string(domain.StatusCompleted)
	case b.Completed == 0:
		return string(domain.StatusFailed)
	}
	return "partial"
}

func (a *API) GetCompression(c *gin.Context) {
	batch, members, err := a.optimizations.BatchStatus(c.Request.Context(), identityOf(c), c.Param("batch"))
	if err != nil {
		respondError(c, a.logger, err)
		return
	}
	items := make([]gin.H, 0, len(members))
	var original, optimized int64
	for _, job := range members {
		items = append(items, optimizationView(c, job))
		if job.Status == domain.StatusCompleted && job.OutputSize != nil {
			original += job.OriginalSize
			optimized += *job.OutputSize
		}
	}
	body := gin.H{
		"batch_id":  batch.ID,
		"status":    batchStatus(batch),
		"total":     batch.Total,
		"completed": batch.Completed,
		"failed":    batch.Failed,
		"jobs":      items,
	}
	if original > 0 {
		body["original_size"] = original
		body["output_size"] = optimized
		body["size_reduction_percentage"] = (1 - float64(optimized)/float64(original)) * 100
	}
	c.JSON(http.StatusOK, body)
}
