package catalog

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// defaultPageSize is the number of work items fetched per batch request.
// The Azure DevOps batch endpoint caps a single request at 200 ids.
const defaultPageSize = 200

// AzureDevOpsConfig holds connection parameters for an Azure DevOps project.
type AzureDevOpsConfig struct {
	// OrgURL is the organization URL (e.g. "https://dev.azure.com/myorg").
	OrgURL string

	// Project is the project name within the organization.
	Project string

	// PAT is a personal access token with work-item read permission.
	PAT string

	// AreaPath optionally restricts queries to a subtree of the project's
	// area hierarchy.
	AreaPath string

	// Types optionally restricts queries to the given work-item types
	// (e.g. "Bug", "User Story"). Empty means all types.
	Types []string

	// APIVersion is the REST API version (default: "7.1").
	APIVersion string

	// PageSize is the number of items fetched per batch request (default: 200).
	PageSize int

	// HTTPTimeout is the per-request timeout (default: 60s).
	HTTPTimeout time.Duration
}

// AzureDevOpsConnector implements Connector over the Azure DevOps REST API.
// Item ids are discovered with a WIQL query and content is fetched through
// the work-items batch endpoint. It is safe for concurrent use.
type AzureDevOpsConnector struct {
	// cfg holds the resolved configuration.
	cfg *AzureDevOpsConfig

	// client is the shared HTTP client.
	client *http.Client

	// authHeader is the precomputed Basic auth header value for the PAT.
	authHeader string
}

// NewAzureDevOpsConnector constructs a connector from the given config.
func NewAzureDevOpsConnector(cfg *AzureDevOpsConfig) (*AzureDevOpsConnector, error) {
	if cfg.OrgURL == "" {
		return nil, fmt.Errorf("catalog: organization URL must not be empty")
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("catalog: project must not be empty")
	}
	if cfg.PAT == "" {
		return nil, fmt.Errorf("catalog: personal access token must not be empty")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "7.1"
	}
	if cfg.PageSize <= 0 || cfg.PageSize > defaultPageSize {
		cfg.PageSize = defaultPageSize
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}

	// PAT auth uses Basic with an empty username.
	token := base64.StdEncoding.EncodeToString([]byte(":" + cfg.PAT))

	return &AzureDevOpsConnector{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.HTTPTimeout},
		authHeader: "Basic " + token,
	}, nil
}

// scopeClause renders the optional area-path and type predicates appended to
// every WIQL WHERE clause. Single quotes in configured values are doubled per
// WIQL string-literal escaping.
func (c *AzureDevOpsConnector) scopeClause() string {
	var b strings.Builder
	if c.cfg.AreaPath != "" {
		fmt.Fprintf(&b, " AND [System.AreaPath] UNDER '%s'", wiqlEscape(c.cfg.AreaPath))
	}
	if len(c.cfg.Types) > 0 {
		quoted := make([]string, len(c.cfg.Types))
		for i, t := range c.cfg.Types {
			quoted[i] = "'" + wiqlEscape(t) + "'"
		}
		fmt.Fprintf(&b, " AND [System.WorkItemType] IN (%s)", strings.Join(quoted, ", "))
	}
	return b.String()
}

// wiqlEscape escapes a value for use inside a WIQL string literal.
func wiqlEscape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// ListAll fetches every work item in scope with full content.
func (c *AzureDevOpsConnector) ListAll(ctx context.Context) ([]WorkItem, error) {
	query := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s'%s ORDER BY [System.ChangedDate] DESC",
		c.cfg.Project, c.scopeClause(),
	)
	ids, err := c.queryIDs(ctx, query)
	if err != nil {
		return nil, err
	}
	return c.fetchItems(ctx, ids, time.Time{})
}

// ListChangedSince fetches items changed at or after ts. The WIQL predicate is
// date-granular (the catalog truncates the time component), so the fetched set
// is post-filtered locally against the full timestamp. The boundary is
// inclusive: an item changed exactly at ts is returned, and the reconciler's
// checksum comparison prevents it from being re-embedded twice.
func (c *AzureDevOpsConnector) ListChangedSince(ctx context.Context, ts time.Time) ([]WorkItem, error) {
	query := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s'%s AND [System.ChangedDate] >= '%s' ORDER BY [System.ChangedDate] DESC",
		c.cfg.Project, c.scopeClause(), ts.UTC().Format("2006-01-02"),
	)
	ids, err := c.queryIDs(ctx, query)
	if err != nil {
		return nil, err
	}
	return c.fetchItems(ctx, ids, ts)
}

// ListAllIDs returns the id set of every work item in scope without fetching
// content.
func (c *AzureDevOpsConnector) ListAllIDs(ctx context.Context) (map[string]struct{}, error) {
	query := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s'%s",
		c.cfg.Project, c.scopeClause(),
	)
	ids, err := c.queryIDs(ctx, query)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[strconv.Itoa(id)] = struct{}{}
	}
	return set, nil
}

// wiqlResponse is the JSON body returned by the WIQL endpoint.
type wiqlResponse struct {
	WorkItems []struct {
		ID int `json:"id"`
	} `json:"workItems"`
}

// queryIDs executes a WIQL query and returns the matching work-item ids.
func (c *AzureDevOpsConnector) queryIDs(ctx context.Context, query string) ([]int, error) {
	url := fmt.Sprintf("%s/%s/_apis/wit/wiql?api-version=%s",
		c.cfg.OrgURL, c.cfg.Project, c.cfg.APIVersion)

	var result wiqlResponse
	if err := c.post(ctx, "wiql query", url, map[string]string{"query": query}, &result); err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(result.WorkItems))
	for _, wi := range result.WorkItems {
		ids = append(ids, wi.ID)
	}
	return ids, nil
}

// batchResponse is the JSON body returned by the work-items batch endpoint.
// Fields are loosely typed in the API, so they arrive as a generic map.
type batchResponse struct {
	Value []struct {
		ID     int            `json:"id"`
		Fields map[string]any `json:"fields"`
	} `json:"value"`
}

// fetchItems retrieves full content for the given ids in pages and converts
// each record to a WorkItem. When since is non-zero, items changed strictly
// before it are dropped (the WIQL predicate is only date-granular).
func (c *AzureDevOpsConnector) fetchItems(ctx context.Context, ids []int, since time.Time) ([]WorkItem, error) {
	items := make([]WorkItem, 0, len(ids))

	for start := 0; start < len(ids); start += c.cfg.PageSize {
		end := start + c.cfg.PageSize
		if end > len(ids) {
			end = len(ids)
		}

		url := fmt.Sprintf("%s/%s/_apis/wit/workitemsbatch?api-version=%s",
			c.cfg.OrgURL, c.cfg.Project, c.cfg.APIVersion)
		body := map[string]any{
			"ids":     ids[start:end],
			"$expand": "all",
		}

		var result batchResponse
		if err := c.post(ctx, "work item batch", url, body, &result); err != nil {
			return nil, err
		}

		for _, rec := range result.Value {
			item := c.convert(rec.ID, rec.Fields)
			if !since.IsZero() && item.Changed.Before(since) {
				continue
			}
			items = append(items, item)
		}
	}

	return items, nil
}

// convert maps raw catalog fields onto a WorkItem.
func (c *AzureDevOpsConnector) convert(id int, fields map[string]any) WorkItem {
	item := WorkItem{
		ID:                 strconv.Itoa(id),
		Type:               ItemType(fieldString(fields, "System.WorkItemType")),
		Title:              fieldString(fields, "System.Title"),
		Description:        StripHTML(fieldString(fields, "System.Description")),
		State:              fieldString(fields, "System.State"),
		Priority:           fieldString(fields, "Microsoft.VSTS.Common.Priority"),
		Severity:           fieldString(fields, "Microsoft.VSTS.Common.Severity"),
		AcceptanceCriteria: StripHTML(fieldString(fields, "Microsoft.VSTS.Common.AcceptanceCriteria")),
		ReproSteps:         StripHTML(fieldString(fields, "Microsoft.VSTS.TCM.ReproSteps")),
		Comments:           StripHTML(fieldString(fields, "System.History")),
		Project:            c.cfg.Project,
		URL:                fmt.Sprintf("%s/%s/_workitems/edit/%d", c.cfg.OrgURL, c.cfg.Project, id),
	}

	// AssignedTo arrives as an identity object; fall back to a plain string.
	switch v := fields["System.AssignedTo"].(type) {
	case map[string]any:
		item.AssignedTo, _ = v["displayName"].(string)
	case string:
		item.AssignedTo = v
	}

	if raw := fieldString(fields, "System.Tags"); raw != "" {
		for _, tag := range strings.Split(raw, ";") {
			if t := strings.TrimSpace(tag); t != "" {
				item.Tags = append(item.Tags, t)
			}
		}
	}

	if raw := fieldString(fields, "System.ChangedDate"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			item.Changed = ts.UTC()
		}
	}

	return item
}

// fieldString returns the named field as a string, formatting numeric values
// (the API returns priority as a JSON number) and dropping everything else.
func fieldString(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case float64:
		return strconv.Itoa(int(v))
	default:
		return ""
	}
}

// post sends a JSON request and decodes the JSON response, translating HTTP
// failures into the catalog error taxonomy.
func (c *AzureDevOpsConnector) post(ctx context.Context, op, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("catalog: %s: marshal request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("catalog: %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authHeader)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Op: op, Status: resp.StatusCode, RetryAfter: retryAfterHeader(resp)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("catalog: %s: unexpected status %d", op, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("catalog: %s: decode response: %w", op, err)
	}
	return nil
}

// retryAfterHeader parses the Retry-After response header (seconds form).
func retryAfterHeader(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
