// Package api defines the messages exchanged with the policy backend.
//
// Backend statuses are carried as gRPC statuses. A nil *status.Status means OK.
package api

import (
	"time"

	"google.golang.org/grpc/status"
)

// Condition is how a referenced attribute participated in a decision.
type Condition int32

const (
	ConditionUnspecified Condition = iota
	// Absence means the decision depended on the attribute being absent.
	Absence
	// Exact means the decision depended on the attribute's exact value.
	Exact
	// Regex means the decision depended on a regex match of the value.
	Regex
)

func (c Condition) String() string {
	switch c {
	case Absence:
		return "ABSENCE"
	case Exact:
		return "EXACT"
	case Regex:
		return "REGEX"
	default:
		return "CONDITION_UNSPECIFIED"
	}
}

// AttributeMatch names one referenced attribute by word index.
// Non-negative indices refer to the global word list; negative indices
// refer to ReferencedAttributes.Words at position -(index+1).
type AttributeMatch struct {
	Name      int32
	Condition Condition
	// MapKey selects an entry when the attribute is a string map.
	MapKey int32
}

// ReferencedAttributes is the backend's declaration of what it examined.
type ReferencedAttributes struct {
	Words            []string
	AttributeMatches []AttributeMatch
}

// MessageIndex converts a position in a per-message word list into a word index.
func MessageIndex(i int) int32 {
	return int32(-(i + 1))
}

// HeaderOperationKind is the action a route directive applies to a header.
type HeaderOperationKind int32

const (
	HeaderReplace HeaderOperationKind = iota
	HeaderRemove
	HeaderAppend
)

// HeaderOperation mutates a single header.
type HeaderOperation struct {
	Name      string
	Value     string
	Operation HeaderOperationKind
}

// RouteDirective carries header rewrites and optional direct responses.
type RouteDirective struct {
	RequestHeaderOperations  []HeaderOperation
	ResponseHeaderOperations []HeaderOperation
	DirectResponseCode       uint32
	DirectResponseBody       string
}

// PreconditionResult is the policy portion of a check response.
type PreconditionResult struct {
	Status *status.Status
	// ValidDuration bounds how long the result may be reused. Zero means no time limit.
	ValidDuration time.Duration
	// ValidUseCount bounds how many times the result may be reused. Negative means no limit.
	ValidUseCount        int32
	ReferencedAttributes ReferencedAttributes
	RouteDirective       *RouteDirective
}

// QuotaParams requests an allocation for one quota.
type QuotaParams struct {
	Amount     int64
	BestEffort bool
}

// QuotaResult is the backend's answer for one quota.
type QuotaResult struct {
	Status               *status.Status
	ValidDuration        time.Duration
	GrantedAmount        int64
	ReferencedAttributes ReferencedAttributes
}

// CompressedAttributes is a bag encoded against a word dictionary.
// Map keys and string values are word indices.
type CompressedAttributes struct {
	Words      []string
	Strings    map[int32]int32
	Int64s     map[int32]int64
	Doubles    map[int32]float64
	Bools      map[int32]bool
	Timestamps map[int32]time.Time
	Durations  map[int32]time.Duration
	Bytes      map[int32][]byte
	StringMaps map[int32]map[int32]int32
}

// CheckRequest asks the backend for a policy decision and quota allocations.
type CheckRequest struct {
	Attributes      CompressedAttributes
	GlobalWordCount int32
	DeduplicationID string
	Quotas          map[string]QuotaParams
}

// CheckResponse is the backend's reply to a CheckRequest.
type CheckResponse struct {
	Precondition *PreconditionResult
	Quotas       map[string]QuotaResult
}

// ReportRequest carries a batch of compressed bags.
type ReportRequest struct {
	Attributes      []CompressedAttributes
	DefaultWords    []string
	GlobalWordCount int32
}
