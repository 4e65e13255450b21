// Package services groups verified endpoints into microservice clusters and
// annotates each cluster with fingerprinted technologies and, after the rule
// engine has run, the vulnerabilities that touch it.
package services

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

// UnclassifiedService is the bucket name for endpoints that carry no
// recognized base API prefix.
const UnclassifiedService = "unclassified"

// Classifier clusters endpoints by origin and base API prefix.
type Classifier struct {
	logger *zap.Logger
}

func NewClassifier(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{logger: logger.Named("classifier")}
}

// Classify recomputes the full cluster set for a task from its endpoints. The
// cluster key is (base_url, base_api_path); endpoints with no base prefix fall
// into a per-origin unclassified bucket. Output order is deterministic:
// clusters sorted by base URL then full path, paths sorted within a cluster.
func (c *Classifier) Classify(task *schemas.ScanTask, endpoints []*schemas.APIEndpoint) []*schemas.MicroserviceInfo {
	type clusterKey struct {
		baseURL  string
		basePath string
	}
	clusters := make(map[clusterKey][]*schemas.APIEndpoint)
	for _, ep := range endpoints {
		key := clusterKey{baseURL: ep.BaseURL, basePath: ep.BaseAPIPath}
		clusters[key] = append(clusters[key], ep)
	}

	out := make([]*schemas.MicroserviceInfo, 0, len(clusters))
	for key, members := range clusters {
		name := serviceName(key.basePath)
		fullPath := key.basePath
		if fullPath == "" {
			fullPath = "/" + UnclassifiedService
		}

		paths := make([]string, 0, len(members))
		seen := make(map[string]struct{})
		for _, ep := range members {
			if _, dup := seen[ep.APIPath]; dup {
				continue
			}
			seen[ep.APIPath] = struct{}{}
			paths = append(paths, ep.APIPath)
		}
		sort.Strings(paths)

		out = append(out, &schemas.MicroserviceInfo{
			ID:              uuid.NewString(),
			TaskID:          task.ID,
			BaseURL:         key.baseURL,
			ServiceName:     name,
			ServiceFullPath: fullPath,
			EndpointCount:   len(members),
			Paths:           paths,
			Technologies:    fingerprint(members),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].BaseURL != out[j].BaseURL {
			return out[i].BaseURL < out[j].BaseURL
		}
		return out[i].ServiceFullPath < out[j].ServiceFullPath
	})

	c.logger.Debug("Classified endpoints into services",
		zap.String("task_id", task.ID),
		zap.Int("endpoints", len(endpoints)),
		zap.Int("services", len(out)))
	return out
}

// serviceName derives a readable name from the base prefix: the non-version
// segments joined by a dash, or the unclassified bucket name.
func serviceName(basePath string) string {
	if basePath == "" {
		return UnclassifiedService
	}
	segs := strings.Split(strings.Trim(basePath, "/"), "/")
	var parts []string
	for _, s := range segs {
		if s == "" {
			continue
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return UnclassifiedService
	}
	return strings.Join(parts, "-")
}

// AnnotateVulnerabilities flags each service touched by an issue and attaches
// the linking details. Issues are matched to services by path prefix against
// the service's full path, or by exact path membership for unclassified
// buckets. Runs after the rule engine so every issue of the task is visible.
func AnnotateVulnerabilities(servicesList []*schemas.MicroserviceInfo, issues []*schemas.APISecurityIssue) {
	for _, svc := range servicesList {
		svc.Vulnerable = false
		svc.VulnerabilityDetails = nil

		memberPaths := make(map[string]struct{}, len(svc.Paths))
		for _, p := range svc.Paths {
			memberPaths[p] = struct{}{}
		}

		for _, issue := range issues {
			if issue.APIPath == "" {
				continue
			}
			matched := false
			if svc.ServiceFullPath != "/"+UnclassifiedService {
				matched = issue.APIPath == svc.ServiceFullPath ||
					strings.HasPrefix(issue.APIPath, svc.ServiceFullPath+"/")
			}
			if !matched {
				_, matched = memberPaths[issue.APIPath]
			}
			if !matched {
				continue
			}
			svc.Vulnerable = true
			svc.VulnerabilityDetails = append(svc.VulnerabilityDetails, schemas.VulnerabilityDetail{
				IssueID:  issue.ID,
				Title:    issue.Title,
				Severity: issue.Severity,
			})
		}
	}
}
