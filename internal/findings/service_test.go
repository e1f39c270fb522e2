package findings

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-grc/aegis/internal/rules"
)

var reportNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type memoryFindingsRepo struct {
	findings   []Finding
	bySeverity map[rules.Severity]int
	byStatus   map[Status]int
	topRisks   []RiskCount
	recurring  int
	affected   int
}

func (r *memoryFindingsRepo) Get(ctx context.Context, tenantID, id int64) (Finding, error) {
	for _, f := range r.findings {
		if f.TenantID == tenantID && f.ID == id {
			return f, nil
		}
	}
	return Finding{}, ErrNotFound
}

func (r *memoryFindingsRepo) List(ctx context.Context, tenantID int64, filters ListFilters) ([]Finding, error) {
	var matched []Finding
	for _, f := range r.findings {
		if f.TenantID != tenantID {
			continue
		}
		if filters.UserID > 0 && f.UserID != filters.UserID {
			continue
		}
		if filters.Severity != "" && f.Severity != filters.Severity {
			continue
		}
		if filters.Status != "" && f.Status != filters.Status {
			continue
		}
		matched = append(matched, f)
	}
	if filters.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filters.Offset:]
	if filters.Limit > 0 && len(matched) > filters.Limit {
		matched = matched[:filters.Limit]
	}
	return matched, nil
}

func (r *memoryFindingsRepo) CountOpenBySeverity(ctx context.Context, tenantID int64) (map[rules.Severity]int, error) {
	return r.bySeverity, nil
}

func (r *memoryFindingsRepo) CountByStatus(ctx context.Context, tenantID int64) (map[Status]int, error) {
	return r.byStatus, nil
}

func (r *memoryFindingsRepo) TopRisks(ctx context.Context, tenantID int64, limit int) ([]RiskCount, error) {
	return r.topRisks, nil
}

func (r *memoryFindingsRepo) CountRecurring(ctx context.Context, tenantID int64) (int, error) {
	return r.recurring, nil
}

func (r *memoryFindingsRepo) CountAffectedUsers(ctx context.Context, tenantID int64) (int, error) {
	return r.affected, nil
}

type memoryCache struct {
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (c *memoryCache) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = data
	return nil
}

func (c *memoryCache) Invalidate(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func seedFindings(n int, tenantID int64) []Finding {
	out := make([]Finding, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Finding{
			ID:       int64(i + 1),
			TenantID: tenantID,
			Code:     fmt.Sprintf("P2P-001-%d-1234", i+1),
			UserID:   int64(i + 1),
			Severity: rules.SeverityHigh,
			Status:   StatusOpen,
		})
	}
	return out
}

func TestGetScopedToTenant(t *testing.T) {
	repo := &memoryFindingsRepo{findings: []Finding{
		{ID: 1, TenantID: 1, UserID: 7, Severity: rules.SeverityHigh, Status: StatusOpen},
		{ID: 2, TenantID: 2, UserID: 8, Severity: rules.SeverityLow, Status: StatusOpen},
	}}
	svc := NewService(repo, nil, nil)

	got, err := svc.Get(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Equal(t, int64(7), got.UserID)

	_, err = svc.Get(context.Background(), 1, 2)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Get(context.Background(), 1, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListPaging(t *testing.T) {
	repo := &memoryFindingsRepo{findings: seedFindings(25, 1)}
	svc := NewService(repo, nil, nil)

	first, err := svc.List(context.Background(), 1, ListQuery{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, first.Findings, 10)
	require.True(t, first.Paging.HasNext)
	require.Equal(t, 2, first.Paging.NextPage)
	require.Zero(t, first.Paging.PrevPage)

	last, err := svc.List(context.Background(), 1, ListQuery{Page: 3, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, last.Findings, 5)
	require.False(t, last.Paging.HasNext)
	require.Equal(t, 2, last.Paging.PrevPage)
}

func TestListClampsPageSize(t *testing.T) {
	repo := &memoryFindingsRepo{findings: seedFindings(60, 1)}
	svc := NewService(repo, nil, nil)

	res, err := svc.List(context.Background(), 1, ListQuery{PageSize: 500})
	require.NoError(t, err)
	require.Len(t, res.Findings, maxPageSize)
	require.Equal(t, maxPageSize, res.Paging.PageSize)

	res, err = svc.List(context.Background(), 1, ListQuery{Page: -3})
	require.NoError(t, err)
	require.Equal(t, 1, res.Paging.Page)
	require.Equal(t, defaultPageSize, res.Paging.PageSize)
}

func TestListFilters(t *testing.T) {
	repo := &memoryFindingsRepo{findings: []Finding{
		{ID: 1, TenantID: 1, UserID: 7, Severity: rules.SeverityCritical, Status: StatusOpen},
		{ID: 2, TenantID: 1, UserID: 7, Severity: rules.SeverityLow, Status: StatusResolved},
		{ID: 3, TenantID: 1, UserID: 9, Severity: rules.SeverityCritical, Status: StatusOpen},
		{ID: 4, TenantID: 2, UserID: 7, Severity: rules.SeverityCritical, Status: StatusOpen},
	}}
	svc := NewService(repo, nil, nil)

	res, err := svc.List(context.Background(), 1, ListQuery{UserID: 7, Severity: rules.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	require.Equal(t, int64(1), res.Findings[0].ID)
}

func TestViolationReport(t *testing.T) {
	repo := &memoryFindingsRepo{
		bySeverity: map[rules.Severity]int{
			rules.SeverityCritical: 2,
			rules.SeverityHigh:     3,
		},
		topRisks:  []RiskCount{{RiskID: 1, RiskCode: "P2P-001", Count: 5}},
		recurring: 1,
		affected:  4,
	}
	svc := NewService(repo, nil, nil)
	svc.WithClock(func() time.Time { return reportNow })

	report, err := svc.ViolationReport(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 5, report.TotalOpen)
	require.Equal(t, 2, report.BySeverity[rules.SeverityCritical])
	require.Equal(t, 1, report.RecurringCount)
	require.Equal(t, 4, report.AffectedUsers)
	require.Equal(t, reportNow, report.GeneratedAt)
}

func TestComplianceScore(t *testing.T) {
	cases := []struct {
		name string
		open map[rules.Severity]int
		want int
	}{
		{"clean tenant", nil, 100},
		{"mixed severities", map[rules.Severity]int{
			rules.SeverityCritical: 1,
			rules.SeverityHigh:     2,
			rules.SeverityMedium:   3,
			rules.SeverityLow:      4,
		}, 100 - (10 + 10 + 6 + 4)},
		{"penalty floors at zero", map[rules.Severity]int{rules.SeverityCritical: 50}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, complianceScore(tc.open))
		})
	}
}

func TestComplianceReport(t *testing.T) {
	repo := &memoryFindingsRepo{
		byStatus: map[Status]int{
			StatusOpen:     3,
			StatusResolved: 7,
		},
		bySeverity: map[rules.Severity]int{rules.SeverityHigh: 3},
	}
	svc := NewService(repo, nil, nil)
	svc.WithClock(func() time.Time { return reportNow })

	report, err := svc.ComplianceReport(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 10, report.TotalFindings)
	require.Equal(t, 85, report.ComplianceScore)
}

func TestReportCacheReadThrough(t *testing.T) {
	repo := &memoryFindingsRepo{
		bySeverity: map[rules.Severity]int{rules.SeverityLow: 1},
	}
	cache := newMemoryCache()
	svc := NewService(repo, cache, nil)
	svc.WithClock(func() time.Time { return reportNow })

	first, err := svc.ViolationReport(context.Background(), 1)
	require.NoError(t, err)

	// The repo changes underneath; the cached report is served until
	// invalidated.
	repo.bySeverity[rules.SeverityLow] = 9
	second, err := svc.ViolationReport(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, first.TotalOpen, second.TotalOpen)

	svc.InvalidateReports(context.Background(), 1)
	third, err := svc.ViolationReport(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 9, third.TotalOpen)
}

func TestBuildCode(t *testing.T) {
	at := time.Unix(1700000000, 0)
	require.Equal(t, "P2P-001-42-1700000000", BuildCode("P2P-001", 42, at))
}
