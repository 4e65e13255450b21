// Package store provides the persistence implementations behind the
// schemas.Store contract: a PostgreSQL store for long-lived deployments and an
// in-memory store for single-run scans and tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be exercised against a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Postgres implements schemas.Store on a PostgreSQL backend.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.Store = (*Postgres)(nil)

// NewPostgres creates the store and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, log: logger.Named("store")}, nil
}

// Migrate creates the schema when it does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS scan_tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	target_url TEXT NOT NULL,
	status TEXT NOT NULL,
	current_phase TEXT NOT NULL DEFAULT '',
	progress INT NOT NULL DEFAULT 0,
	total_js_files INT NOT NULL DEFAULT 0,
	total_apis INT NOT NULL DEFAULT 0,
	total_services INT NOT NULL DEFAULT 0,
	total_issues INT NOT NULL DEFAULT 0,
	severity_counts JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	config JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS js_resources (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES scan_tasks(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	resolved_base_url TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	file_size INT NOT NULL DEFAULT 0,
	extraction_method TEXT NOT NULL,
	has_apis BOOLEAN NOT NULL DEFAULT FALSE,
	has_base_api_path BOOLEAN NOT NULL DEFAULT FALSE,
	has_sensitive_info BOOLEAN NOT NULL DEFAULT FALSE,
	api_paths JSONB NOT NULL DEFAULT '[]',
	base_api_paths JSONB NOT NULL DEFAULT '[]',
	sensitive JSONB NOT NULL DEFAULT '[]',
	discovered_base_urls JSONB NOT NULL DEFAULT '[]',
	fetch_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_js_resources_task ON js_resources(task_id);

CREATE TABLE IF NOT EXISTS api_endpoints (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES scan_tasks(id) ON DELETE CASCADE,
	base_url TEXT NOT NULL,
	base_api_path TEXT NOT NULL DEFAULT '',
	service_path TEXT NOT NULL DEFAULT '',
	api_path TEXT NOT NULL,
	full_url TEXT NOT NULL,
	http_method TEXT NOT NULL,
	status_code INT,
	response_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	discovery_method TEXT NOT NULL DEFAULT '',
	is_public_api BOOLEAN NOT NULL DEFAULT FALSE,
	requires_auth BOOLEAN NOT NULL DEFAULT FALSE,
	is_404 BOOLEAN NOT NULL DEFAULT FALSE,
	auth_inconsistent BOOLEAN NOT NULL DEFAULT FALSE,
	probe_headers JSONB NOT NULL DEFAULT '{}',
	body_sample TEXT NOT NULL DEFAULT '',
	seq BIGSERIAL,
	UNIQUE (task_id, full_url, http_method)
);
CREATE INDEX IF NOT EXISTS idx_api_endpoints_task ON api_endpoints(task_id);

CREATE TABLE IF NOT EXISTS microservices (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES scan_tasks(id) ON DELETE CASCADE,
	base_url TEXT NOT NULL,
	service_name TEXT NOT NULL,
	service_full_path TEXT NOT NULL,
	endpoint_count INT NOT NULL DEFAULT 0,
	paths JSONB NOT NULL DEFAULT '[]',
	technologies JSONB NOT NULL DEFAULT '[]',
	vulnerable BOOLEAN NOT NULL DEFAULT FALSE,
	vulnerability_details JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_microservices_task ON microservices(task_id);

CREATE TABLE IF NOT EXISTS security_issues (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES scan_tasks(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	issue_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	target_url TEXT NOT NULL DEFAULT '',
	api_path TEXT NOT NULL DEFAULT '',
	evidence JSONB NOT NULL DEFAULT '{}',
	ai_verified BOOLEAN NOT NULL DEFAULT FALSE,
	remediation TEXT NOT NULL DEFAULT '',
	is_verified BOOLEAN NOT NULL DEFAULT FALSE,
	is_false_positive BOOLEAN NOT NULL DEFAULT FALSE,
	is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_issues_task ON security_issues(task_id);
`

const taskColumns = `id, name, target_url, status, current_phase, progress,
	total_js_files, total_apis, total_services, total_issues, severity_counts,
	created_at, started_at, completed_at, duration_seconds, error_message, config`

func (p *Postgres) CreateTask(ctx context.Context, task *schemas.ScanTask) error {
	severityCounts, err := json.Marshal(task.SeverityCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal severity counts: %w", err)
	}
	cfg, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal task config: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO scan_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17);
	`, task.ID, task.Name, task.TargetURL, string(task.Status), string(task.CurrentPhase),
		task.Progress, task.TotalJSFiles, task.TotalAPIs, task.TotalServices, task.TotalIssues,
		severityCounts, task.CreatedAt.UTC(), task.StartedAt, task.CompletedAt,
		task.DurationSeconds, task.ErrorMessage, cfg)
	return err
}

func scanTask(row pgx.Row) (*schemas.ScanTask, error) {
	var task schemas.ScanTask
	var severityCounts, cfg []byte
	err := row.Scan(&task.ID, &task.Name, &task.TargetURL, &task.Status, &task.CurrentPhase,
		&task.Progress, &task.TotalJSFiles, &task.TotalAPIs, &task.TotalServices, &task.TotalIssues,
		&severityCounts, &task.CreatedAt, &task.StartedAt, &task.CompletedAt,
		&task.DurationSeconds, &task.ErrorMessage, &cfg)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(severityCounts, &task.SeverityCounts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal severity counts: %w", err)
	}
	if err := json.Unmarshal(cfg, &task.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task config: %w", err)
	}
	return &task, nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*schemas.ScanTask, error) {
	task, err := scanTask(p.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM scan_tasks WHERE id = $1;
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task '%s' not found", id)
	}
	return task, err
}

func (p *Postgres) ListTasks(ctx context.Context) ([]*schemas.ScanTask, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM scan_tasks ORDER BY created_at;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schemas.ScanTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateTaskMeta(ctx context.Context, id, name string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE scan_tasks SET name = $2 WHERE id = $1;`, id, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task '%s' not found", id)
	}
	return nil
}

func (p *Postgres) UpdateTaskState(ctx context.Context, task *schemas.ScanTask) error {
	severityCounts, err := json.Marshal(task.SeverityCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal severity counts: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE scan_tasks SET
			status = $2, current_phase = $3, progress = $4,
			total_js_files = $5, total_apis = $6, total_services = $7, total_issues = $8,
			severity_counts = $9, started_at = $10, completed_at = $11,
			duration_seconds = $12, error_message = $13
		WHERE id = $1;
	`, task.ID, string(task.Status), string(task.CurrentPhase), task.Progress,
		task.TotalJSFiles, task.TotalAPIs, task.TotalServices, task.TotalIssues,
		severityCounts, task.StartedAt, task.CompletedAt, task.DurationSeconds, task.ErrorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task '%s' not found", task.ID)
	}
	return nil
}

func (p *Postgres) DeleteTask(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM scan_tasks WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task '%s' not found", id)
	}
	return nil
}

func (p *Postgres) SaveJSResource(ctx context.Context, res *schemas.JSResource) error {
	apiPaths, err := json.Marshal(res.APIPaths)
	if err != nil {
		return err
	}
	basePaths, err := json.Marshal(res.BaseAPIPaths)
	if err != nil {
		return err
	}
	sensitive, err := json.Marshal(res.Sensitive)
	if err != nil {
		return err
	}
	baseURLs, err := json.Marshal(res.DiscoveredBaseURLs)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO js_resources (id, task_id, url, resolved_base_url, file_name, file_size,
			extraction_method, has_apis, has_base_api_path, has_sensitive_info,
			api_paths, base_api_paths, sensitive, discovered_base_urls, fetch_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
	`, res.ID, res.TaskID, res.URL, res.ResolvedBaseURL, res.FileName, res.FileSize,
		string(res.ExtractionMethod), res.HasAPIs, res.HasBaseAPIPath, res.HasSensitiveInfo,
		apiPaths, basePaths, sensitive, baseURLs, res.FetchError)
	return err
}

func (p *Postgres) ListJSResources(ctx context.Context, taskID string) ([]*schemas.JSResource, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, task_id, url, resolved_base_url, file_name, file_size,
			extraction_method, has_apis, has_base_api_path, has_sensitive_info,
			api_paths, base_api_paths, sensitive, discovered_base_urls, fetch_error
		FROM js_resources WHERE task_id = $1 ORDER BY id;
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schemas.JSResource
	for rows.Next() {
		var res schemas.JSResource
		var apiPaths, basePaths, sensitive, baseURLs []byte
		if err := rows.Scan(&res.ID, &res.TaskID, &res.URL, &res.ResolvedBaseURL,
			&res.FileName, &res.FileSize, &res.ExtractionMethod,
			&res.HasAPIs, &res.HasBaseAPIPath, &res.HasSensitiveInfo,
			&apiPaths, &basePaths, &sensitive, &baseURLs, &res.FetchError); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(apiPaths, &res.APIPaths); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(basePaths, &res.BaseAPIPaths); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(sensitive, &res.Sensitive); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(baseURLs, &res.DiscoveredBaseURLs); err != nil {
			return nil, err
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertEndpoint(ctx context.Context, ep *schemas.APIEndpoint) error {
	headers, err := json.Marshal(ep.ProbeHeaders)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO api_endpoints (id, task_id, base_url, base_api_path, service_path,
			api_path, full_url, http_method, status_code, response_time_ms,
			discovery_method, is_public_api, requires_auth, is_404, auth_inconsistent,
			probe_headers, body_sample)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (task_id, full_url, http_method) DO UPDATE SET
			service_path = EXCLUDED.service_path,
			status_code = EXCLUDED.status_code,
			response_time_ms = EXCLUDED.response_time_ms,
			is_public_api = EXCLUDED.is_public_api,
			requires_auth = EXCLUDED.requires_auth,
			is_404 = EXCLUDED.is_404,
			auth_inconsistent = EXCLUDED.auth_inconsistent,
			probe_headers = EXCLUDED.probe_headers,
			body_sample = EXCLUDED.body_sample;
	`, ep.ID, ep.TaskID, ep.BaseURL, ep.BaseAPIPath, ep.ServicePath,
		ep.APIPath, ep.FullURL, ep.HTTPMethod, ep.StatusCode, ep.ResponseTimeMS,
		ep.DiscoveryMethod, ep.IsPublicAPI, ep.RequiresAuth, ep.Is404, ep.AuthInconsistent,
		headers, ep.BodySample)
	return err
}

func (p *Postgres) ListEndpoints(ctx context.Context, taskID, servicePath string) ([]*schemas.APIEndpoint, error) {
	query := `
		SELECT id, task_id, base_url, base_api_path, service_path, api_path, full_url,
			http_method, status_code, response_time_ms, discovery_method,
			is_public_api, requires_auth, is_404, auth_inconsistent, probe_headers, body_sample
		FROM api_endpoints WHERE task_id = $1`
	args := []any{taskID}
	if servicePath != "" {
		query += ` AND service_path = $2`
		args = append(args, servicePath)
	}
	query += ` ORDER BY seq;`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schemas.APIEndpoint
	for rows.Next() {
		var ep schemas.APIEndpoint
		var headers []byte
		if err := rows.Scan(&ep.ID, &ep.TaskID, &ep.BaseURL, &ep.BaseAPIPath, &ep.ServicePath,
			&ep.APIPath, &ep.FullURL, &ep.HTTPMethod, &ep.StatusCode, &ep.ResponseTimeMS,
			&ep.DiscoveryMethod, &ep.IsPublicAPI, &ep.RequiresAuth, &ep.Is404,
			&ep.AuthInconsistent, &headers, &ep.BodySample); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(headers, &ep.ProbeHeaders); err != nil {
			return nil, err
		}
		out = append(out, &ep)
	}
	return out, rows.Err()
}

// ReplaceServices swaps the cluster set atomically: delete then bulk insert in
// one transaction.
func (p *Postgres) ReplaceServices(ctx context.Context, taskID string, services []*schemas.MicroserviceInfo) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			p.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM microservices WHERE task_id = $1;`, taskID); err != nil {
		return fmt.Errorf("failed to clear services: %w", err)
	}

	if len(services) > 0 {
		rows := make([][]any, len(services))
		for i, svc := range services {
			paths, err := json.Marshal(svc.Paths)
			if err != nil {
				return err
			}
			techs, err := json.Marshal(svc.Technologies)
			if err != nil {
				return err
			}
			details, err := json.Marshal(svc.VulnerabilityDetails)
			if err != nil {
				return err
			}
			rows[i] = []any{svc.ID, taskID, svc.BaseURL, svc.ServiceName, svc.ServiceFullPath,
				svc.EndpointCount, paths, techs, svc.Vulnerable, details}
		}
		copied, err := tx.CopyFrom(ctx,
			pgx.Identifier{"microservices"},
			[]string{"id", "task_id", "base_url", "service_name", "service_full_path",
				"endpoint_count", "paths", "technologies", "vulnerable", "vulnerability_details"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy services: %w", err)
		}
		if int(copied) != len(services) {
			return fmt.Errorf("mismatch in copied services count: expected %d, got %d", len(services), copied)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) ListServices(ctx context.Context, taskID string) ([]*schemas.MicroserviceInfo, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, task_id, base_url, service_name, service_full_path, endpoint_count,
			paths, technologies, vulnerable, vulnerability_details
		FROM microservices WHERE task_id = $1 ORDER BY base_url, service_full_path;
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schemas.MicroserviceInfo
	for rows.Next() {
		var svc schemas.MicroserviceInfo
		var paths, techs, details []byte
		if err := rows.Scan(&svc.ID, &svc.TaskID, &svc.BaseURL, &svc.ServiceName,
			&svc.ServiceFullPath, &svc.EndpointCount, &paths, &techs,
			&svc.Vulnerable, &details); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(paths, &svc.Paths); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(techs, &svc.Technologies); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(details, &svc.VulnerabilityDetails); err != nil {
			return nil, err
		}
		out = append(out, &svc)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveIssue(ctx context.Context, issue *schemas.APISecurityIssue) error {
	evidence := issue.Evidence
	if len(evidence) == 0 || string(evidence) == "null" {
		evidence = json.RawMessage("{}")
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO security_issues (id, task_id, title, description, issue_type, severity,
			target_url, api_path, evidence, ai_verified, remediation,
			is_verified, is_false_positive, is_resolved, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
	`, issue.ID, issue.TaskID, issue.Title, issue.Description,
		string(issue.IssueType), string(issue.Severity),
		issue.TargetURL, issue.APIPath, evidence, issue.AIVerified, issue.Remediation,
		issue.Review.IsVerified, issue.Review.IsFalsePositive, issue.Review.IsResolved,
		issue.Review.Notes, issue.CreatedAt.UTC())
	return err
}

func (p *Postgres) ListIssues(ctx context.Context, taskID string, filter schemas.IssueFilter) ([]*schemas.APISecurityIssue, error) {
	query := `
		SELECT id, task_id, title, description, issue_type, severity, target_url, api_path,
			evidence, ai_verified, remediation, is_verified, is_false_positive, is_resolved,
			notes, created_at
		FROM security_issues WHERE task_id = $1`
	args := []any{taskID}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(` AND issue_type = $%d`, len(args))
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		query += fmt.Sprintf(` AND severity = $%d`, len(args))
	}
	if filter.OnlyVerified {
		query += ` AND is_verified`
	}
	query += ` ORDER BY created_at, id;`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schemas.APISecurityIssue
	for rows.Next() {
		var issue schemas.APISecurityIssue
		if err := rows.Scan(&issue.ID, &issue.TaskID, &issue.Title, &issue.Description,
			&issue.IssueType, &issue.Severity, &issue.TargetURL, &issue.APIPath,
			&issue.Evidence, &issue.AIVerified, &issue.Remediation,
			&issue.Review.IsVerified, &issue.Review.IsFalsePositive,
			&issue.Review.IsResolved, &issue.Review.Notes, &issue.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &issue)
	}
	return out, rows.Err()
}

func (p *Postgres) SetIssueAIVerified(ctx context.Context, issueID string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE security_issues SET ai_verified = TRUE WHERE id = $1;`, issueID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("issue '%s' not found", issueID)
	}
	return nil
}

func (p *Postgres) UpdateIssueReview(ctx context.Context, issueID string, review schemas.IssueReview) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE security_issues SET is_verified = $2, is_false_positive = $3, is_resolved = $4, notes = $5
		WHERE id = $1;
	`, issueID, review.IsVerified, review.IsFalsePositive, review.IsResolved, review.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("issue '%s' not found", issueID)
	}
	return nil
}

func (p *Postgres) Stats(ctx context.Context) (*schemas.ScanStats, error) {
	stats := &schemas.ScanStats{
		TasksByStatus:    make(map[schemas.TaskStatus]int),
		IssuesBySeverity: make(map[schemas.Severity]int),
		IssuesByType:     make(map[schemas.IssueType]int),
	}

	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM scan_tasks GROUP BY status;`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status schemas.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.TasksByStatus[status] = count
		stats.TotalTasks += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = p.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM js_resources),
			(SELECT COUNT(*) FROM api_endpoints),
			(SELECT COUNT(*) FROM microservices);
	`).Scan(&stats.TotalJSFiles, &stats.TotalAPIs, &stats.TotalServices)
	if err != nil {
		return nil, err
	}

	rows, err = p.pool.Query(ctx, `SELECT severity, issue_type, COUNT(*) FROM security_issues GROUP BY severity, issue_type;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var severity schemas.Severity
		var issueType schemas.IssueType
		var count int
		if err := rows.Scan(&severity, &issueType, &count); err != nil {
			return nil, err
		}
		stats.IssuesBySeverity[severity] += count
		stats.IssuesByType[issueType] += count
		stats.TotalIssues += count
	}
	return stats, rows.Err()
}
