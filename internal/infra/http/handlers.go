package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"equiaudit/internal/domain"
	"equiaudit/internal/infra/canonical"
	"equiaudit/internal/usecase"
)

const (
	actorContextKey = "actor"

	defaultRecordLimit = 100
	maxRecordLimit     = 1000
)

var defaultKinds = []domain.ExportKind{domain.ExportKindDAP, domain.ExportKindHTI1}

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type exportRequest struct {
	StudyID          string                 `json:"study_id"`
	DataCut          string                 `json:"data_cut"`
	Actor            string                 `json:"actor,omitempty"`
	Kinds            []string               `json:"kinds,omitempty"`
	CanonicalCSV     string                 `json:"canonical_csv"`
	Goals            []domain.GoalSpec      `json:"goals,omitempty"`
	Card             *domain.CardDescriptor `json:"card,omitempty"`
	Signers          []domain.Signer        `json:"signers,omitempty"`
	Milestones       []string               `json:"milestones,omitempty"`
	IncludeCanonical *bool                  `json:"include_canonical,omitempty"`
}

type exportResponse struct {
	RunID        string                       `json:"run_id"`
	State        domain.ExportState           `json:"state"`
	Archive      string                       `json:"archive,omitempty"`
	ManifestHash string                       `json:"manifest_hash,omitempty"`
	ChainHead    string                       `json:"chain_head,omitempty"`
	Artifacts    []usecase.ArtifactRecord     `json:"artifacts,omitempty"`
	Manifest     *domain.Manifest             `json:"manifest,omitempty"`
	Violations   []usecase.ArtifactViolations `json:"violations,omitempty"`
}

type recordsResponse struct {
	Records []domain.AuditRecord `json:"records"`
	From    int64                `json:"from"`
	Total   int                  `json:"total"`
}

func (s *Server) handleCreateExport(c *gin.Context) {
	if s.exports == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "EXPORTS_DISABLED", "export builder not configured")
		return
	}
	if s.cfg.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)
	}
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
			return
		}
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}

	kinds := defaultKinds
	if len(req.Kinds) > 0 {
		kinds = make([]domain.ExportKind, 0, len(req.Kinds))
		for _, raw := range req.Kinds {
			kind, ok := domain.ParseExportKind(raw)
			if !ok {
				writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "unknown export kind "+strconv.Quote(raw))
				return
			}
			kinds = append(kinds, kind)
		}
	}
	raw := []byte(req.CanonicalCSV)
	dataset, err := canonical.ReadBytes(raw)
	if err != nil {
		writeError(c, err)
		return
	}

	actor := req.Actor
	if authActor := c.GetString(actorContextKey); authActor != "" && actor == "" {
		actor = authActor
	}
	ucReq := usecase.ExportRequest{
		StudyID:    req.StudyID,
		DataCut:    req.DataCut,
		Actor:      actor,
		Kinds:      kinds,
		Input:      dataset,
		Goals:      req.Goals,
		Card:       req.Card,
		Signers:    req.Signers,
		Milestones: req.Milestones,
	}
	include := s.cfg.IncludeCanonicalCopy
	if req.IncludeCanonical != nil {
		include = *req.IncludeCanonical
	}
	if include {
		ucReq.CanonicalCopy = raw
	}

	result, err := s.exports.Execute(c.Request.Context(), ucReq)
	if err != nil {
		var failed *domain.ValidationFailedError
		if errors.As(err, &failed) && result != nil {
			c.JSON(http.StatusUnprocessableEntity, errorResponse{
				Code:    "VALIDATION_FAILED",
				Message: err.Error(),
				Details: map[string]any{"run_id": result.RunID, "violations": result.Violations},
			})
			return
		}
		if result != nil {
			s.log.Warn("export run failed", zap.String("run_id", result.RunID), zap.Error(err))
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, buildExportResponse(result))
}

func (s *Server) handleGetExport(c *gin.Context) {
	if s.runs == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	run, err := s.runs.Get(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleLedgerHead(c *gin.Context) {
	head, err := s.ledger.Head(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if head == nil {
		c.JSON(http.StatusOK, gin.H{"records": 0, "head": domain.GenesisHash})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": head.Sequence + 1, "head": head.RecordHash, "record": head})
}

func (s *Server) handleLedgerRecords(c *gin.Context) {
	from, err := queryInt(c, "from", 0)
	if err != nil || from < 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "from must be a non-negative integer")
		return
	}
	limit, err := queryInt(c, "limit", defaultRecordLimit)
	if err != nil || limit <= 0 || limit > maxRecordLimit {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 1000")
		return
	}
	records, err := s.ledger.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	total := len(records)
	page := []domain.AuditRecord{}
	if from < int64(total) {
		end := from + limit
		if end > int64(total) {
			end = int64(total)
		}
		page = records[from:end]
	}
	c.JSON(http.StatusOK, recordsResponse{Records: page, From: from, Total: total})
}

func (s *Server) handleLedgerVerify(c *gin.Context) {
	result, err := s.ledger.VerifyChain(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveChainVerification(result.Valid)
	}
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}

func buildExportResponse(result *usecase.ExportResult) exportResponse {
	out := exportResponse{
		RunID:      result.RunID,
		State:      result.State,
		Archive:    result.ArchivePath,
		ChainHead:  result.ChainHead,
		Artifacts:  result.Artifacts,
		Manifest:   result.Manifest,
		Violations: result.Violations,
	}
	if result.Manifest != nil {
		out.ManifestHash = result.Manifest.ManifestHash
	}
	return out
}

func queryInt(c *gin.Context, name string, def int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	details := map[string]any(nil)
	var (
		missing  *domain.MissingColumnsError
		chainErr *domain.ChainBreakError
		mismatch *domain.ManifestMismatchError
	)
	switch {
	case errors.As(err, &missing):
		status, code = http.StatusBadRequest, "MISSING_COLUMNS"
		details = map[string]any{"columns": missing.Columns}
	case errors.Is(err, domain.ErrInvalidCanonicalValue):
		status, code = http.StatusBadRequest, "INVALID_CANONICAL_VALUE"
	case errors.Is(err, domain.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, domain.ErrInvalidPayload):
		status, code = http.StatusBadRequest, "INVALID_PAYLOAD"
	case errors.Is(err, domain.ErrDuplicateArtifact):
		status, code = http.StatusBadRequest, "DUPLICATE_ARTIFACT"
	case errors.Is(err, domain.ErrUnknownSchema):
		status, code = http.StatusBadRequest, "UNKNOWN_SCHEMA"
	case errors.As(err, &chainErr):
		status, code = http.StatusConflict, "CHAIN_INTEGRITY"
		details = map[string]any{"first_break": chainErr.Sequence}
	case errors.As(err, &mismatch):
		status, code = http.StatusConflict, "MANIFEST_MISMATCH"
		details = map[string]any{"artifacts": mismatch.Artifacts}
	case errors.Is(err, domain.ErrArtifactExists):
		status, code = http.StatusConflict, "ARTIFACT_EXISTS"
	case errors.Is(err, domain.ErrLedgerDurability):
		status, code = http.StatusInternalServerError, "LEDGER_DURABILITY"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	}
	c.JSON(status, errorResponse{Code: code, Message: err.Error(), Details: details})
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
