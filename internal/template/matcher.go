package template

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/cache"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/checksum"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/dicomio"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/rs/zerolog/log"
)

// rtstructModality marks a template-reference artifact attached to a
// series directory.
const rtstructModality = "RTSTRUCT"

// Catalog is the persistence boundary of the template catalog.
type Catalog interface {
	ListActive(ctx context.Context) ([]models.Template, error)
	FindByFingerprint(ctx context.Context, fingerprint string) ([]models.Template, error)
}

// Result is the outcome of classifying one series.
type Result struct {
	Outcome  models.MatchOutcome `json:"outcome"`
	Template *models.Template    `json:"template,omitempty"`
	Message  string              `json:"message"`
}

// Matcher classifies series against the template catalog. Ambiguity is
// always surfaced, never resolved by priority order.
type Matcher struct {
	catalog Catalog
	cache   cache.Cache
}

// NewMatcher creates a matcher. The cache is optional and only memoizes
// fingerprint lookups between scans.
func NewMatcher(catalog Catalog, c cache.Cache) *Matcher {
	return &Matcher{catalog: catalog, cache: c}
}

// Match classifies the series in workingDir. If the directory carries
// exactly one attached template artifact, its content fingerprint is looked
// up verbatim in the catalog; otherwise every registered rule set is
// evaluated all-or-nothing against the series' tag values.
func (m *Matcher) Match(ctx context.Context, workingDir string, tagValues map[string]string) (*Result, error) {
	artifacts, err := findAttachedArtifacts(workingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for attached artifacts: %w", err)
	}

	switch {
	case len(artifacts) > 1:
		return &Result{
			Outcome: models.MatchMultipleArtifacts,
			Message: fmt.Sprintf("%d template artifacts attached, expected at most one", len(artifacts)),
		}, nil
	case len(artifacts) == 1:
		return m.matchByArtifact(ctx, artifacts[0])
	default:
		return m.matchByRules(ctx, tagValues)
	}
}

func (m *Matcher) matchByArtifact(ctx context.Context, artifactPath string) (*Result, error) {
	fingerprint, err := checksum.SHA512File(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint artifact: %w", err)
	}

	if tpl := m.cachedTemplate(ctx, fingerprint); tpl != nil {
		return &Result{Outcome: models.MatchMatched, Template: tpl, Message: "matched attached artifact (cached)"}, nil
	}

	hits, err := m.catalog.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to look up fingerprint: %w", err)
	}

	switch len(hits) {
	case 0:
		return &Result{
			Outcome: models.MatchInvalidAttached,
			Message: "attached artifact fingerprint not in catalog",
		}, nil
	case 1:
		m.cacheTemplate(ctx, fingerprint, &hits[0])
		return &Result{
			Outcome:  models.MatchMatched,
			Template: &hits[0],
			Message:  fmt.Sprintf("matched attached artifact to template %s", hits[0].Name),
		}, nil
	default:
		return &Result{
			Outcome: models.MatchMultiple,
			Message: fmt.Sprintf("fingerprint registered to %d templates", len(hits)),
		}, nil
	}
}

func (m *Matcher) matchByRules(ctx context.Context, tagValues map[string]string) (*Result, error) {
	templates, err := m.catalog.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	var candidates []models.Template
	for _, tpl := range templates {
		if len(tpl.Rules) == 0 {
			continue
		}
		satisfied := 0
		for _, rule := range tpl.Rules {
			if tagValues[rule.TagPath] == rule.Value {
				satisfied++
			}
		}
		// All-or-nothing: a partial match does not count.
		if satisfied == len(tpl.Rules) {
			candidates = append(candidates, tpl)
		}
	}

	switch len(candidates) {
	case 0:
		return &Result{Outcome: models.MatchNone, Message: "no rule set fully satisfied"}, nil
	case 1:
		return &Result{
			Outcome:  models.MatchMatched,
			Template: &candidates[0],
			Message:  fmt.Sprintf("matched rule set of template %s", candidates[0].Name),
		}, nil
	default:
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.Name
		}
		return &Result{
			Outcome: models.MatchMultiple,
			Message: fmt.Sprintf("%d rule sets fully satisfied: %v", len(candidates), names),
		}, nil
	}
}

func (m *Matcher) cachedTemplate(ctx context.Context, fingerprint string) *models.Template {
	if m.cache == nil {
		return nil
	}
	data, err := m.cache.Get(ctx, cache.TemplateKey(fingerprint))
	if err != nil {
		return nil
	}
	var tpl models.Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil
	}
	return &tpl
}

func (m *Matcher) cacheTemplate(ctx context.Context, fingerprint string, tpl *models.Template) {
	if m.cache == nil {
		return
	}
	data, err := json.Marshal(tpl)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, cache.TemplateKey(fingerprint), data, 15*time.Minute); err != nil {
		log.Warn().Err(err).Msg("Failed to cache template fingerprint")
	}
}

// findAttachedArtifacts returns the paths of template-reference artifacts
// (RTSTRUCT objects) inside a series working directory.
func findAttachedArtifacts(workingDir string) ([]string, error) {
	entries, err := os.ReadDir(workingDir)
	if err != nil {
		return nil, err
	}

	var artifacts []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(workingDir, entry.Name())
		if !dicomio.IsDICOMFile(path) {
			continue
		}
		ds, err := dicomio.ReadFileMetadataOnly(path)
		if err != nil {
			continue
		}
		if ds.Modality() == rtstructModality {
			artifacts = append(artifacts, path)
		}
	}
	return artifacts, nil
}
