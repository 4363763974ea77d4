package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apk-analysis/apk-rgb-go/internal/service"
	"github.com/apk-analysis/apk-rgb-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxFilesPerRequest 单次请求最多文件数
const maxFilesPerRequest = 100

// PredictHandler 上传即预测
type PredictHandler struct {
	scanService service.ScanService
	pool        *worker.Pool
	logger      *logrus.Logger
}

// PredictResult 单个文件的预测结果
type PredictResult struct {
	FileName    string  `json:"fileName"`
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
	ScanID      string  `json:"scanId,omitempty"`
}

// PredictFailure 单个文件的失败原因
type PredictFailure struct {
	FileName string `json:"fileName"`
	Error    string `json:"error"`
	Channel  string `json:"channel,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// PredictResponse /predict 响应
type PredictResponse struct {
	Results  []PredictResult  `json:"results"`
	Failures []PredictFailure `json:"failures,omitempty"`
	Message  string           `json:"message"`
	Status   int              `json:"status"`
}

// NewPredictHandler 创建预测处理器
func NewPredictHandler(scanService service.ScanService, pool *worker.Pool, logger *logrus.Logger) *PredictHandler {
	return &PredictHandler{
		scanService: scanService,
		pool:        pool,
		logger:      logger,
	}
}

// Predict POST /predict，multipart 字段 files（可多个）
func (h *PredictHandler) Predict(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.logger.WithError(err).Warn("No files found in request")
		h.respond(c, PredictResponse{Results: []PredictResult{}, Message: "No files found in the request.", Status: http.StatusBadRequest})
		return
	}

	files, ok := form.File["files"]
	if !ok {
		h.respond(c, PredictResponse{Results: []PredictResult{}, Message: "No files found in the request.", Status: http.StatusBadRequest})
		return
	}
	if len(files) == 0 {
		h.respond(c, PredictResponse{Results: []PredictResult{}, Message: "Empty file list.", Status: http.StatusBadRequest})
		return
	}
	if len(files) > maxFilesPerRequest {
		h.respond(c, PredictResponse{
			Results: []PredictResult{},
			Message: fmt.Sprintf("Too many files: %d (max %d).", len(files), maxFilesPerRequest),
			Status:  http.StatusBadRequest,
		})
		return
	}

	type outcome struct {
		result  *PredictResult
		failure *PredictFailure
	}
	outcomes := make([]outcome, len(files))

	var wg sync.WaitGroup
	for i, fh := range files {
		wg.Add(1)
		go func(i int, fh *multipart.FileHeader) {
			defer wg.Done()
			res, fail := h.predictOne(c.Request.Context(), fh)
			outcomes[i] = outcome{result: res, failure: fail}
		}(i, fh)
	}
	wg.Wait()

	resp := PredictResponse{Results: make([]PredictResult, 0, len(files))}
	var failedNames []string
	for _, o := range outcomes {
		if o.failure != nil {
			resp.Failures = append(resp.Failures, *o.failure)
			failedNames = append(failedNames, o.failure.FileName)
			continue
		}
		resp.Results = append(resp.Results, *o.result)
	}

	if len(failedNames) > 0 {
		resp.Message = "Prediction completed with errors for files: " + strings.Join(failedNames, ", ")
		resp.Status = http.StatusMultiStatus
	} else {
		resp.Message = "Prediction successful."
		resp.Status = http.StatusOK
	}
	h.respond(c, resp)
}

// predictOne 读取上传文件并交给 worker 池扫描
func (h *PredictHandler) predictOne(ctx context.Context, fh *multipart.FileHeader) (*PredictResult, *PredictFailure) {
	name := safeFileName(fh.Filename)
	data, err := readUpload(fh)
	if err != nil {
		return nil, &PredictFailure{FileName: name, Error: err.Error()}
	}

	var res *PredictResult
	job := &worker.Job{
		ID: uuid.New().String(),
		Run: func(ctx context.Context) error {
			scan, err := h.scanService.Scan(ctx, service.ScanRequest{
				FileName: name,
				Data:     data,
				Source:   service.SourceUpload,
			})
			if err != nil {
				return err
			}
			res = &PredictResult{FileName: name, Class: scan.Class, Probability: scan.Probability, ScanID: scan.ID}
			return nil
		},
	}

	if err := h.pool.SubmitAndWait(ctx, job); err != nil {
		failure := &PredictFailure{FileName: name, Error: err.Error()}
		var scanErr *service.ScanError
		if errors.As(err, &scanErr) {
			failure.Channel = scanErr.Result.FailedChannel
			failure.Reason = scanErr.Result.FailureReason
		}
		return nil, failure
	}
	return res, nil
}

func (h *PredictHandler) respond(c *gin.Context, resp PredictResponse) {
	h.logger.WithFields(logrus.Fields{
		"status":    resp.Status,
		"succeeded": len(resp.Results),
		"failed":    len(resp.Failures),
	}).Info("Prediction request finished")
	c.JSON(resp.Status, resp)
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}

// safeFileName 去掉客户端提供的路径部分
func safeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload.apk"
	}
	return name
}

// Ping GET /ping
func Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pong": true})
}
