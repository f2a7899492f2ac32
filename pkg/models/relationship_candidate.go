package models

import "github.com/google/uuid"

// RelationshipKind is the cardinality of a detected relationship, read from A to B.
type RelationshipKind string

const (
	RelationshipOneToOne   RelationshipKind = "one_to_one"
	RelationshipOneToMany  RelationshipKind = "one_to_many"
	RelationshipManyToOne  RelationshipKind = "many_to_one"
	RelationshipManyToMany RelationshipKind = "many_to_many"
)

// JoinKind is the suggested SQL join for a relationship.
type JoinKind string

const (
	JoinInner JoinKind = "INNER"
	JoinLeft  JoinKind = "LEFT"
	JoinRight JoinKind = "RIGHT"
	JoinFull  JoinKind = "FULL"
)

// RelationshipCandidate is a derived, non-persisted join suggestion between two sources.
type RelationshipCandidate struct {
	SourceA        uuid.UUID        `json:"source_a"`
	ColumnA        string           `json:"column_a"`
	SourceB        uuid.UUID        `json:"source_b"`
	ColumnB        string           `json:"column_b"`
	Kind           RelationshipKind `json:"kind"`
	Confidence     float64          `json:"confidence"`
	SuggestedJoin  JoinKind         `json:"suggested_join"`
	NameSimilarity float64          `json:"name_similarity"`
	TypeCompatible bool             `json:"type_compatible"`
}
