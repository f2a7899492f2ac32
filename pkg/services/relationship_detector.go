package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/inference"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/repositories"
)

// Scoring weights for a column pair.
const (
	nameWeight        = 0.5
	typeWeight        = 0.3
	keyIndicatorBonus = 0.1 // per side
	uniqueRatioWeight = 0.1
)

// Name similarity levels.
const (
	nameExact     = 1.0
	nameKeyToken  = 0.8
	nameSubstring = 0.7
	nameAffix     = 0.6

	minAffixLength = 3
)

// Detection defaults.
const (
	DefaultMinConfidence = 0.6
	DefaultTopN          = 10
)

// RelationshipDetector scores join candidates between the columns of different sources.
type RelationshipDetector interface {
	// Detect scores sourceID against every other active source with a known schema.
	Detect(ctx context.Context, sourceID uuid.UUID) ([]models.RelationshipCandidate, error)

	// DetectAll scores every pair of active sources.
	DetectAll(ctx context.Context) ([]models.RelationshipCandidate, error)
}

type relationshipDetector struct {
	repo          repositories.DataSourceRepository
	minConfidence float64
	topN          int
	logger        *zap.Logger
}

// NewRelationshipDetector creates a detector. Non-positive thresholds use the defaults.
func NewRelationshipDetector(repo repositories.DataSourceRepository, minConfidence float64, topN int, logger *zap.Logger) RelationshipDetector {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &relationshipDetector{
		repo:          repo,
		minConfidence: minConfidence,
		topN:          topN,
		logger:        logger.Named("relationship-detector"),
	}
}

var _ RelationshipDetector = (*relationshipDetector)(nil)

// usableSources lists active sources, skipping (and logging) those without a schema.
func (d *relationshipDetector) usableSources(ctx context.Context) ([]*models.DataSource, error) {
	sources, _, err := d.repo.List(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}

	usable := make([]*models.DataSource, 0, len(sources))
	for _, ds := range sources {
		if !ds.IsActive() {
			continue
		}
		if !ds.HasSchema() {
			d.logSkipped(ds.ID, "schema_info is not available")
			continue
		}
		usable = append(usable, ds)
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].ID.String() < usable[j].ID.String() })
	return usable, nil
}

func (d *relationshipDetector) logSkipped(id uuid.UUID, reason string) {
	skipped := &apperrors.RelationshipDetectionSkipped{SourceID: id.String(), Reason: reason}
	d.logger.Warn("Skipping source in relationship detection", zap.Error(skipped))
}

func (d *relationshipDetector) Detect(ctx context.Context, sourceID uuid.UUID) ([]models.RelationshipCandidate, error) {
	target, _, err := d.repo.GetByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load data source %s: %w", sourceID, err)
	}
	if !target.HasSchema() {
		d.logSkipped(sourceID, "schema_info is not available")
		return []models.RelationshipCandidate{}, nil
	}

	sources, err := d.usableSources(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []models.RelationshipCandidate
	for _, other := range sources {
		if other.ID == sourceID {
			continue
		}
		candidates = append(candidates, d.scorePair(target, other)...)
	}

	result := d.rank(candidates)
	d.logger.Debug("Relationship detection finished",
		zap.String("source_id", sourceID.String()),
		zap.Int("candidates", len(result)))
	return result, nil
}

func (d *relationshipDetector) DetectAll(ctx context.Context) ([]models.RelationshipCandidate, error) {
	sources, err := d.usableSources(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []models.RelationshipCandidate
	for i := range sources {
		for j := i + 1; j < len(sources); j++ {
			candidates = append(candidates, d.scorePair(sources[i], sources[j])...)
		}
	}
	return d.rank(candidates), nil
}

// scorePair scores every column of a against every column of b and keeps those
// at or above the minimum confidence.
func (d *relationshipDetector) scorePair(a, b *models.DataSource) []models.RelationshipCandidate {
	var out []models.RelationshipCandidate
	for i := range a.SchemaInfo.Columns {
		for j := range b.SchemaInfo.Columns {
			c := ScoreColumns(&a.SchemaInfo.Columns[i], &b.SchemaInfo.Columns[j])
			if c.Confidence < d.minConfidence {
				continue
			}
			c.SourceA = a.ID
			c.SourceB = b.ID
			out = append(out, c)
		}
	}
	return out
}

func (d *relationshipDetector) rank(candidates []models.RelationshipCandidate) []models.RelationshipCandidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.Confidence != cj.Confidence {
			return ci.Confidence > cj.Confidence
		}
		if ci.SourceA != cj.SourceA {
			return ci.SourceA.String() < cj.SourceA.String()
		}
		if ci.ColumnA != cj.ColumnA {
			return ci.ColumnA < cj.ColumnA
		}
		if ci.SourceB != cj.SourceB {
			return ci.SourceB.String() < cj.SourceB.String()
		}
		return ci.ColumnB < cj.ColumnB
	})
	if len(candidates) > d.topN {
		candidates = candidates[:d.topN]
	}
	if candidates == nil {
		return []models.RelationshipCandidate{}
	}
	return candidates
}

// ScoreColumns rates how likely two columns join. The score does not depend on
// argument order; Kind and SuggestedJoin are read from a to b.
func ScoreColumns(a, b *models.ColumnSchema) models.RelationshipCandidate {
	name := NameSimilarity(a.Name, b.Name)
	compatible := TypesCompatible(a.Type, b.Type)

	score := nameWeight * name
	if compatible {
		score += typeWeight
	}
	keySides := 0
	if a.PotentialKey || a.PotentialForeignKey {
		keySides++
	}
	if b.PotentialKey || b.PotentialForeignKey {
		keySides++
	}
	score += keyIndicatorBonus * float64(keySides)
	score += uniqueRatioWeight * uniqueRatio(a.UniqueCount, b.UniqueCount)

	return models.RelationshipCandidate{
		ColumnA:        a.Name,
		ColumnB:        b.Name,
		Kind:           relationshipKind(a, b),
		Confidence:     round4(math.Max(0, math.Min(1, score))),
		SuggestedJoin:  suggestedJoin(a.NullCount > 0, b.NullCount > 0),
		NameSimilarity: name,
		TypeCompatible: compatible,
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func uniqueRatio(a, b int) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	return float64(min(a, b)) / float64(max(a, b))
}

// NameSimilarity compares two column names, case and separator insensitive.
func NameSimilarity(a, b string) float64 {
	na, nb := compactName(a), compactName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return nameExact
	}

	stemA, stemB := nameStem(a), nameStem(b)
	if key := inference.KeyToken(a); key != "" && key == inference.KeyToken(b) {
		if stemA == stemB || stemA == "" || stemB == "" {
			return nameKeyToken
		}
	}

	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return nameSubstring
	}

	if stemA == "" {
		stemA = na
	}
	if stemB == "" {
		stemB = nb
	}
	if commonPrefix(stemA, stemB) >= minAffixLength || commonSuffix(stemA, stemB) >= minAffixLength {
		return nameAffix
	}
	return 0
}

func compactName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// nameStem joins the singularized non-key tokens: "customers_id" -> "customer".
func nameStem(name string) string {
	var parts []string
	for _, t := range inference.NameTokens(name) {
		if inference.KeyToken(t) != "" {
			continue
		}
		parts = append(parts, inflection.Singular(t))
	}
	return strings.Join(parts, "")
}

func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func commonSuffix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}

// typeFamily maps inferred and raw storage type names onto a comparison family.
func typeFamily(t models.ColumnType) string {
	switch strings.ToLower(string(t)) {
	case "integer", "int", "int8", "int16", "int32", "int64", "bigint", "smallint":
		return "integer"
	case "float", "float32", "float64", "double", "real", "decimal", "numeric":
		return "float"
	case "string", "object", "text", "varchar", "char", "str":
		return "string"
	}
	return ""
}

// TypesCompatible reports whether two column types can be compared in a join.
func TypesCompatible(a, b models.ColumnType) bool {
	fa, fb := typeFamily(a), typeFamily(b)
	if fa != "" || fb != "" {
		return fa == fb
	}
	return a == b && a != ""
}

func relationshipKind(a, b *models.ColumnSchema) models.RelationshipKind {
	switch {
	case a.PotentialKey && b.PotentialKey:
		return models.RelationshipOneToOne
	case a.PotentialKey:
		return models.RelationshipOneToMany
	case b.PotentialKey:
		return models.RelationshipManyToOne
	}

	ua, ub := a.UniqueCount, b.UniqueCount
	switch {
	case ua == ub:
		return models.RelationshipOneToOne
	case ua >= 2*ub:
		return models.RelationshipOneToMany
	case ub >= 2*ua:
		return models.RelationshipManyToOne
	}
	return models.RelationshipManyToMany
}

// suggestedJoin keeps the side without nulls.
func suggestedJoin(aNulls, bNulls bool) models.JoinKind {
	switch {
	case aNulls && !bNulls:
		return models.JoinRight
	case bNulls && !aNulls:
		return models.JoinLeft
	case aNulls && bNulls:
		return models.JoinFull
	}
	return models.JoinInner
}
