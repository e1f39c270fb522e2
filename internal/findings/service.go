package findings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegis-grc/aegis/internal/rules"
)

// RepositoryPort defines data access for finding queries.
type RepositoryPort interface {
	Get(ctx context.Context, tenantID, id int64) (Finding, error)
	List(ctx context.Context, tenantID int64, filters ListFilters) ([]Finding, error)
	CountOpenBySeverity(ctx context.Context, tenantID int64) (map[rules.Severity]int, error)
	CountByStatus(ctx context.Context, tenantID int64) (map[Status]int, error)
	TopRisks(ctx context.Context, tenantID int64, limit int) ([]RiskCount, error)
	CountRecurring(ctx context.Context, tenantID int64) (int, error)
	CountAffectedUsers(ctx context.Context, tenantID int64) (int, error)
}

// Cache stores rendered reports with a short TTL.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Invalidate(ctx context.Context, keys ...string) error
}

// PagingInfo describes listing position.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasNext  bool `json:"hasNext"`
	PrevPage int  `json:"prevPage,omitempty"`
	NextPage int  `json:"nextPage,omitempty"`
}

// ListQuery is the caller-facing listing request.
type ListQuery struct {
	UserID   int64
	Severity rules.Severity
	Status   Status
	Page     int
	PageSize int
}

// ListResult wraps a page of findings.
type ListResult struct {
	Findings []Finding  `json:"findings"`
	Paging   PagingInfo `json:"paging"`
}

// ViolationReport is the operational aggregate over unresolved findings.
type ViolationReport struct {
	TenantID       int64                  `json:"tenantId"`
	TotalOpen      int                    `json:"totalOpen"`
	BySeverity     map[rules.Severity]int `json:"bySeverity"`
	TopRisks       []RiskCount            `json:"topRisks"`
	RecurringCount int                    `json:"recurringCount"`
	AffectedUsers  int                    `json:"affectedUsers"`
	GeneratedAt    time.Time              `json:"generatedAt"`
}

// ComplianceReport is the lifecycle-oriented aggregate.
type ComplianceReport struct {
	TenantID        int64          `json:"tenantId"`
	TotalFindings   int            `json:"totalFindings"`
	ByStatus        map[Status]int `json:"byStatus"`
	ComplianceScore int            `json:"complianceScore"`
	GeneratedAt     time.Time      `json:"generatedAt"`
}

const (
	defaultPageSize = 20
	maxPageSize     = 50
	topRiskLimit    = 10
)

// Service coordinates finding queries and report assembly.
type Service struct {
	repo   RepositoryPort
	cache  Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a Service instance. The cache is optional.
func NewService(repo RepositoryPort, cache Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Get loads one finding within the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (Finding, error) {
	if s == nil || s.repo == nil {
		return Finding{}, fmt.Errorf("findings service not initialised")
	}
	return s.repo.Get(ctx, tenantID, id)
}

// List returns a page of findings using the limit+1 next-page probe.
func (s *Service) List(ctx context.Context, tenantID int64, query ListQuery) (ListResult, error) {
	if s == nil || s.repo == nil {
		return ListResult{}, fmt.Errorf("findings service not initialised")
	}
	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := query.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.List(ctx, tenantID, ListFilters{
		UserID:   query.UserID,
		Severity: query.Severity,
		Status:   query.Status,
		Offset:   (page - 1) * pageSize,
		Limit:    pageSize + 1,
	})
	if err != nil {
		return ListResult{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return ListResult{Findings: rows, Paging: paging}, nil
}

// ViolationReport assembles the unresolved-violation aggregate, cached.
func (s *Service) ViolationReport(ctx context.Context, tenantID int64) (ViolationReport, error) {
	if s == nil || s.repo == nil {
		return ViolationReport{}, fmt.Errorf("findings service not initialised")
	}
	key := reportKey(tenantID, "violations")
	var cached ViolationReport
	if hit, err := s.cacheGet(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	bySeverity, err := s.repo.CountOpenBySeverity(ctx, tenantID)
	if err != nil {
		return ViolationReport{}, err
	}
	topRisks, err := s.repo.TopRisks(ctx, tenantID, topRiskLimit)
	if err != nil {
		return ViolationReport{}, err
	}
	recurring, err := s.repo.CountRecurring(ctx, tenantID)
	if err != nil {
		return ViolationReport{}, err
	}
	affected, err := s.repo.CountAffectedUsers(ctx, tenantID)
	if err != nil {
		return ViolationReport{}, err
	}
	total := 0
	for _, count := range bySeverity {
		total += count
	}
	report := ViolationReport{
		TenantID:       tenantID,
		TotalOpen:      total,
		BySeverity:     bySeverity,
		TopRisks:       topRisks,
		RecurringCount: recurring,
		AffectedUsers:  affected,
		GeneratedAt:    s.now(),
	}
	s.cacheSet(ctx, key, report)
	return report, nil
}

// ComplianceReport assembles the lifecycle aggregate, cached.
func (s *Service) ComplianceReport(ctx context.Context, tenantID int64) (ComplianceReport, error) {
	if s == nil || s.repo == nil {
		return ComplianceReport{}, fmt.Errorf("findings service not initialised")
	}
	key := reportKey(tenantID, "compliance")
	var cached ComplianceReport
	if hit, err := s.cacheGet(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	byStatus, err := s.repo.CountByStatus(ctx, tenantID)
	if err != nil {
		return ComplianceReport{}, err
	}
	bySeverity, err := s.repo.CountOpenBySeverity(ctx, tenantID)
	if err != nil {
		return ComplianceReport{}, err
	}
	total := 0
	for _, count := range byStatus {
		total += count
	}
	report := ComplianceReport{
		TenantID:        tenantID,
		TotalFindings:   total,
		ByStatus:        byStatus,
		ComplianceScore: complianceScore(bySeverity),
		GeneratedAt:     s.now(),
	}
	s.cacheSet(ctx, key, report)
	return report, nil
}

// InvalidateReports drops cached reports after a completed analysis run.
func (s *Service) InvalidateReports(ctx context.Context, tenantID int64) {
	if s == nil || s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, reportKey(tenantID, "violations"), reportKey(tenantID, "compliance")); err != nil {
		s.logger.Warn("invalidate report cache", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
	}
}

// complianceScore weights open findings by severity and subtracts from a
// perfect 100. Deterministic; bounded at zero.
func complianceScore(open map[rules.Severity]int) int {
	penalty := open[rules.SeverityCritical]*10 +
		open[rules.SeverityHigh]*5 +
		open[rules.SeverityMedium]*2 +
		open[rules.SeverityLow]
	if penalty > 100 {
		penalty = 100
	}
	return 100 - penalty
}

func (s *Service) cacheGet(ctx context.Context, key string, dest any) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	hit, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		s.logger.Warn("report cache read", slog.String("key", key), slog.Any("error", err))
		return false, err
	}
	return hit, nil
}

func (s *Service) cacheSet(ctx context.Context, key string, value any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value); err != nil {
		s.logger.Warn("report cache write", slog.String("key", key), slog.Any("error", err))
	}
}

func reportKey(tenantID int64, kind string) string {
	return fmt.Sprintf("aegis:reports:%d:%s", tenantID, kind)
}
