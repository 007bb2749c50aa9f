package service

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-letter-api/internal/dto"
	"github.com/noah-isme/sma-letter-api/internal/models"
	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
	"github.com/noah-isme/sma-letter-api/pkg/export"
	"github.com/noah-isme/sma-letter-api/pkg/storage"
)

// Export formats accepted by ExportHistory.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

var historyHeaders = []string{"Seq", "Time", "Action", "Step", "From", "To", "Actor", "Role", "Comment", "Details"}

type letterReader interface {
	Get(ctx context.Context, actor models.Actor, letterID string) (*dto.LetterDetail, error)
	History(ctx context.Context, actor models.Actor, letterID string) ([]models.AuditEntry, error)
}

type fileStorage interface {
	Save(relPath string, data []byte) (string, error)
	Open(relPath string) (*os.File, error)
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type datasetRenderer interface {
	Render(data export.Dataset) ([]byte, error)
	ContentType() string
	Extension() string
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	Enabled   bool
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures a stored export and its download token.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       string
	ExpiresAt    time.Time
}

// ExportService renders a letter's audit history and serves it through signed tokens.
type ExportService struct {
	letters   letterReader
	storage   fileStorage
	renderers map[string]datasetRenderer
	signer    *storage.SignedURLSigner
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       ExportConfig
	now       func() time.Time
}

// NewExportService constructs an ExportService with the CSV and PDF renderers.
func NewExportService(letters letterReader, store fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, metrics *MetricsService, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	return &ExportService{
		letters: letters,
		storage: store,
		renderers: map[string]datasetRenderer{
			ExportFormatCSV: export.NewCSVExporter(),
			ExportFormatPDF: export.NewPDFExporter(map[string]float64{"Seq": 0.5, "Time": 1.6, "Step": 0.5, "From": 0.5, "To": 0.5, "Comment": 3, "Details": 2}),
		},
		signer:  signer,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// ExportHistory renders the history of a letter the actor can view.
func (s *ExportService) ExportHistory(ctx context.Context, actor models.Actor, letterID, format string) (*ExportResult, error) {
	if s == nil || !s.cfg.Enabled {
		return nil, appErrors.ErrExportsUnavailable
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportFormatCSV
	}
	renderer, ok := s.renderers[format]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}

	detail, err := s.letters.Get(ctx, actor, letterID)
	if err != nil {
		return nil, err
	}
	history, err := s.letters.History(ctx, actor, letterID)
	if err != nil {
		return nil, err
	}

	generatedAt := s.now().UTC()
	payload, err := renderer.Render(historyDataset(detail, history, generatedAt))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render history export")
	}
	name := fmt.Sprintf("history/%s/%s.%s", detail.ID, generatedAt.Format("20060102T150405Z"), renderer.Extension())
	relPath, err := s.storage.Save(name, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store history export")
	}
	token, expiresAt, err := s.signer.Generate(detail.ID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign export url")
	}

	s.metrics.RecordExport(format)
	s.logger.Info("history export generated",
		zap.String("letter_id", detail.ID),
		zap.String("actor_id", actor.UserID),
		zap.String("format", format),
		zap.Int("entries", len(history)),
	)

	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/exports/%s", prefix, token),
		Format:       format,
		ExpiresAt:    expiresAt,
	}, nil
}

// Download resolves a token to an open file and its content type. The
// caller closes the file.
func (s *ExportService) Download(token string) (*os.File, string, error) {
	if s == nil || !s.cfg.Enabled {
		return nil, "", appErrors.ErrExportsUnavailable
	}
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "export link is invalid or expired")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "export file no longer available")
	}
	contentType := "application/octet-stream"
	for _, renderer := range s.renderers {
		if strings.HasSuffix(relPath, "."+renderer.Extension()) {
			contentType = renderer.ContentType()
		}
	}
	return file, contentType, nil
}

// Cleanup removes exports older than the configured TTL.
func (s *ExportService) Cleanup() ([]string, error) {
	if s == nil || !s.cfg.Enabled {
		return nil, nil
	}
	return s.storage.CleanupOlderThan(s.cfg.ResultTTL)
}

func historyDataset(detail *dto.LetterDetail, history []models.AuditEntry, generatedAt time.Time) export.Dataset {
	rows := make([]map[string]string, 0, len(history))
	for _, entry := range history {
		rows = append(rows, map[string]string{
			"Seq":     strconv.FormatInt(entry.Seq, 10),
			"Time":    entry.CreatedAt.UTC().Format(time.RFC3339),
			"Action":  string(entry.Action),
			"Step":    stepLabel(entry.Step),
			"From":    stepLabel(entry.FromStep),
			"To":      stepLabel(entry.ToStep),
			"Actor":   entry.ActorUserID,
			"Role":    string(entry.ActorRole),
			"Comment": deref(entry.Comment),
			"Details": metadataLabel(entry.Metadata),
		})
	}
	subtitle := []string{
		"Status: " + string(detail.Status),
		"Created by: " + detail.CreatedByID,
		"Generated at: " + generatedAt.Format(time.RFC3339),
	}
	if detail.Numbering != nil {
		subtitle = append(subtitle, "Document number: "+detail.Numbering.NumberString)
	}
	return export.Dataset{
		Title:    "Letter " + detail.ID + " audit history",
		Subtitle: subtitle,
		Headers:  historyHeaders,
		Rows:     rows,
	}
}

func stepLabel(step *models.Step) string {
	if step == nil {
		return ""
	}
	return strconv.Itoa(int(*step))
}

func metadataLabel(meta models.AuditMetadata) string {
	parts := make([]string, 0, 3)
	if meta.SignatureRef != "" {
		parts = append(parts, "signature="+meta.SignatureRef)
	}
	if meta.SignatureDigest != "" {
		parts = append(parts, "digest="+meta.SignatureDigest)
	}
	if meta.NumberString != "" {
		parts = append(parts, "number="+meta.NumberString)
	}
	return strings.Join(parts, " ")
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
