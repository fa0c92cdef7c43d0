// Package routing implements the OSP routing engine: validation, an
// escape hatch for operator overrides, a bounded decision cache, a BM25
// lexical stage, a pluggable semantic rerank stage, and deterministic
// conflict resolution between tied candidates.
package routing

import (
	"crypto/md5" //nolint:gosec // cache key only, not a security boundary
	"encoding/hex"
	"math"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openskills/ospd/internal/osp/safety"
)

const (
	maxQueryCodeUnits = 4096
	escapeHatchToken  = "@override"
	tieEpsilon        = 1e-6
	bm25K1            = 1.5
	bm25B             = 0.75
	decisionCacheSize = 256
)

// RiskLevel mirrors the Candidate Skill risk taxonomy.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func riskRank(r RiskLevel) int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh, RiskCritical:
		return 2
	default:
		return 2
	}
}

// CandidateSkill is one entry in the caller-supplied candidate pool.
type CandidateSkill struct {
	SkillID             string    `json:"skill_id"`
	DisplayName         string    `json:"display_name"`
	Description         string    `json:"description"`
	ActivationKeywords  []string  `json:"activation_keywords"`
	RiskLevel           RiskLevel `json:"risk_level"`
	SafetyClearance     string    `json:"safety_clearance,omitempty"`
}

// TraceEvent is an ordered, terminal observability record.
type TraceEvent = safety.TraceEvent

// Decision is the Routing Decision produced for a non-refusal path.
type Decision struct {
	SkillRef          *string      `json:"skill_ref"`
	SafetyClearance   string       `json:"safety_clearance"`
	Approximate       bool         `json:"approximate"`
	DecisionStability string       `json:"decision_stability"`
	TieBreakApplied   bool         `json:"tie_break_applied"`
	TraceEvents       []TraceEvent `json:"trace_events"`
}

// RoutingConditions are optional per-request overrides.
type RoutingConditions struct {
	SkipSemantic bool `json:"skip_semantic,omitempty"`
}

// Embedder is the capability interface for the semantic rerank stage. It
// must return one unit-norm vector per input string, in order.
type Embedder interface {
	Embed(texts []string) ([][]float64, error)
}

var tokenizer = regexp.MustCompile(`\w+`)

// Engine is the routing pipeline's single entry point, route().
type Engine struct {
	safetyEngine *safety.Engine
	embedder     Embedder
	cache        *lru.Cache[string, Decision]
}

// NewEngine constructs a routing engine. embedder may be nil, in which
// case Stage 2 is always treated as an embedder failure and the pipeline
// falls back to lexical-only scoring.
func NewEngine(safetyEngine *safety.Engine, embedder Embedder) *Engine {
	cache, err := lru.New[string, Decision](decisionCacheSize)
	if err != nil {
		// lru.New only errors on a non-positive size; decisionCacheSize is a
		// fixed positive constant, so this path is unreachable.
		panic(err)
	}
	return &Engine{safetyEngine: safetyEngine, embedder: embedder, cache: cache}
}

// Route executes the full pipeline and returns either a Decision or a
// Refusal (Safe Fallback), matching spec.md §4.3's route() contract.
func (e *Engine) Route(query string, candidates []CandidateSkill, conditions RoutingConditions) (*Decision, *safety.Refusal) {
	var events []TraceEvent

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		events = append(events, TraceEvent{Code: "INVALID_REQUEST_EMPTY_QUERY", StageAttempted: "validation"})
		return nil, &safety.Refusal{
			Refusal:     true,
			ReasonCode:  "INVALID_REQUEST_EMPTY_QUERY",
			Message:     "the query was empty after trimming whitespace",
			TraceEvents: events,
		}
	}
	if utf16Len(trimmed) > maxQueryCodeUnits {
		trimmed = truncateToCodeUnits(trimmed, maxQueryCodeUnits)
	}

	if strings.Contains(trimmed, escapeHatchToken) && len(candidates) > 0 {
		events = append(events,
			TraceEvent{Code: "ROUTING_ESCAPE_HATCH_DETECTED", StageAttempted: "escape_hatch"},
			TraceEvent{Code: "ROUTING_SKILL_ID_PARSED", StageAttempted: "escape_hatch", Context: map[string]any{"skill_id": candidates[0].SkillID}},
			TraceEvent{Code: "ROUTING_DIRECT_DISPATCH", StageAttempted: "escape_hatch"},
			TraceEvent{Code: "ROUTING_DECISION_FINAL", StageAttempted: "escape_hatch"},
		)
		ref := candidates[0].SkillID
		return &Decision{
			SkillRef:          &ref,
			SafetyClearance:   "allow",
			Approximate:       false,
			DecisionStability: "escape_hatch_direct",
			TraceEvents:       events,
		}, nil
	}

	if len(candidates) == 0 {
		events = append(events,
			TraceEvent{Code: "ROUTING_POOL_EMPTY", StageAttempted: "pool_check"},
			TraceEvent{Code: "ROUTING_ESCALATION_REQUIRED", StageAttempted: "pool_check"},
		)
		return &Decision{
			SkillRef:          nil,
			SafetyClearance:   "escalate",
			DecisionStability: "no_candidates",
			TraceEvents:       events,
		}, nil
	}

	if refusal, safetyEvents := e.safetyEngine.CheckSafety(trimmed); refusal != nil {
		refusal.TraceEvents = append(safetyEvents, refusal.TraceEvents...)
		return nil, refusal
	} else {
		events = append(events, safetyEvents...)
	}

	cacheKey := decisionCacheKey(trimmed, candidates)
	if cached, ok := e.cache.Get(cacheKey); ok {
		cached.TraceEvents = []TraceEvent{{Code: "CACHE_HIT", StageAttempted: "cache"}}
		return &cached, nil
	}

	decision := e.runPipeline(trimmed, candidates, conditions, events)
	e.cache.Add(cacheKey, *decision)
	return decision, nil
}

type scored struct {
	candidate CandidateSkill
	bm25      float64
	semantic  float64
	combined  float64
}

func (e *Engine) runPipeline(query string, candidates []CandidateSkill, conditions RoutingConditions, events []TraceEvent) *Decision {
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Description + " " + strings.Join(c.ActivationKeywords, " ")
		if c.DisplayName != "" {
			docs[i] = c.DisplayName + " " + docs[i]
		}
	}

	bm25Scores := bm25Score(query, docs)
	events = append(events, TraceEvent{Code: "STAGE1_LEXICAL_MATCH", StageAttempted: "lexical", Context: map[string]any{"backend_version": "bm25-okapi-v1"}})

	topBM25 := 0.0
	for _, s := range bm25Scores {
		if s > topBM25 {
			topBM25 = s
		}
	}

	results := make([]scored, len(candidates))
	for i, c := range candidates {
		results[i] = scored{candidate: c, bm25: bm25Scores[i]}
	}

	fallbackDefault := false
	if topBM25 == 0 {
		fallbackDefault = true
		events = append(events, TraceEvent{Code: "ROUTING_FALLBACK_LEXICAL_DEFAULT", StageAttempted: "lexical"})
	} else if identicalTop(bm25Scores, topBM25) {
		events = append(events, TraceEvent{Code: "STAGE1_IDENTICAL_SCORES", StageAttempted: "lexical"})
	}

	semanticSkipped := conditions.SkipSemantic
	var semanticScores []float64
	if semanticSkipped {
		events = append(events, TraceEvent{Code: "STAGE2_SKIPPED", StageAttempted: "semantic"})
		semanticScores = make([]float64, len(candidates))
	} else if e.embedder == nil {
		events = append(events,
			TraceEvent{Code: "STAGE2_EMBEDDING_TIMEOUT", StageAttempted: "semantic"},
			TraceEvent{Code: "ROUTING_FALLBACK_LEXICAL", StageAttempted: "semantic"},
		)
		semanticScores = make([]float64, len(candidates))
	} else {
		vectors, err := e.embedder.Embed(append([]string{query}, docs...))
		if err != nil || len(vectors) != len(docs)+1 {
			events = append(events,
				TraceEvent{Code: "STAGE2_EMBEDDING_TIMEOUT", StageAttempted: "semantic"},
				TraceEvent{Code: "ROUTING_FALLBACK_LEXICAL", StageAttempted: "semantic"},
			)
			semanticScores = make([]float64, len(candidates))
		} else {
			queryVec := vectors[0]
			semanticScores = make([]float64, len(docs))
			best := 0.0
			for i, v := range vectors[1:] {
				sim := dot(queryVec, v)
				semanticScores[i] = sim
				if sim > best {
					best = sim
				}
			}
			switch {
			case best < 0.3:
				events = append(events, TraceEvent{Code: "STAGE2_SEMANTIC_SIMILARITY_LOW", StageAttempted: "semantic"})
			case best >= 0.7:
				events = append(events, TraceEvent{Code: "STAGE2_SEMANTIC_THRESHOLD_MET", StageAttempted: "semantic"})
			default:
				events = append(events, TraceEvent{Code: "STAGE2_CONFIDENCE_MEDIUM", StageAttempted: "semantic"})
			}
		}
	}

	for i := range results {
		results[i].semantic = semanticScores[i]
		norm := results[i].bm25 / (results[i].bm25 + 1)
		results[i].combined = 0.4*norm + 0.6*results[i].semantic
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].combined > results[j].combined })

	if fallbackDefault {
		ref := candidates[0].SkillID
		events = append(events, TraceEvent{Code: "ROUTING_DECISION_FINAL", StageAttempted: "final"})
		return &Decision{
			SkillRef:          &ref,
			SafetyClearance:   clearanceFor(candidates[0].RiskLevel),
			Approximate:       true,
			DecisionStability: "fallback_default",
			TraceEvents:       events,
		}
	}

	return e.resolveConflicts(results, events)
}

func (e *Engine) resolveConflicts(results []scored, events []TraceEvent) *Decision {
	topScore := results[0].combined
	var tied []scored
	for _, r := range results {
		if math.Abs(r.combined-topScore) <= tieEpsilon {
			tied = append(tied, r)
		}
	}

	tieBreakApplied := false
	var stability string
	clearance := clearanceFor(results[0].candidate.RiskLevel)

	if len(tied) > 1 {
		events = append(events, TraceEvent{Code: "STAGE3_CONFLICT_DETECTED", StageAttempted: "conflict_resolution"})

		minRank := 2
		for _, t := range tied {
			if rank := riskRank(t.candidate.RiskLevel); rank < minRank {
				minRank = rank
			}
		}
		var narrowed []scored
		for _, t := range tied {
			if riskRank(t.candidate.RiskLevel) == minRank {
				narrowed = append(narrowed, t)
			}
		}
		if len(narrowed) < len(tied) {
			events = append(events, TraceEvent{Code: "STAGE3_LOWER_RISK_SELECTED", StageAttempted: "conflict_resolution"})
		}

		anyMediumOrHigh := false
		for _, t := range tied {
			if t.candidate.RiskLevel == RiskMedium || t.candidate.RiskLevel == RiskHigh || t.candidate.RiskLevel == RiskCritical {
				anyMediumOrHigh = true
			}
		}

		if len(narrowed) == 1 {
			stability = "conflict_resolved"
			results[0] = narrowed[0]
		} else {
			sort.Slice(narrowed, func(i, j int) bool { return narrowed[i].candidate.SkillID < narrowed[j].candidate.SkillID })
			events = append(events, TraceEvent{Code: "STAGE3_TIE_BREAK_SKILL_ID", StageAttempted: "conflict_resolution"})
			tieBreakApplied = true
			stability = "tie_break_lexical_order"
			results[0] = narrowed[0]
		}

		if anyMediumOrHigh {
			clearance = "restricted"
		}
	} else {
		switch {
		case results[0].semantic > 0.5:
			stability = "semantic_supported"
		case results[0].semantic > 0:
			stability = "approximate_match"
		default:
			stability = "deterministic"
		}
	}

	approximate := results[0].semantic < 0.3 && results[0].bm25 < 1.0
	events = append(events, TraceEvent{Code: "ROUTING_DECISION_FINAL", StageAttempted: "final"})

	ref := results[0].candidate.SkillID
	return &Decision{
		SkillRef:          &ref,
		SafetyClearance:   clearance,
		Approximate:       approximate,
		DecisionStability: stability,
		TieBreakApplied:   tieBreakApplied,
		TraceEvents:       events,
	}
}

func clearanceFor(risk RiskLevel) string {
	if risk == RiskMedium || risk == RiskHigh || risk == RiskCritical {
		return "restricted"
	}
	return "allow"
}

func identicalTop(scores []float64, top float64) bool {
	count := 0
	for _, s := range scores {
		if math.Abs(s-top) <= tieEpsilon {
			count++
		}
	}
	return count > 1
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func tokenize(s string) []string {
	return tokenizer.FindAllString(strings.ToLower(s), -1)
}

// bm25Score scores each document in docs against query using Okapi BM25
// with an IDF computed over this request's own candidate pool and the
// single-document-length approximation (avg_doc_len = doc_len for every
// document, per spec).
func bm25Score(query string, docs []string) []float64 {
	queryTerms := tokenize(query)
	tokenizedDocs := make([][]string, len(docs))
	for i, d := range docs {
		tokenizedDocs[i] = tokenize(d)
	}

	n := len(docs)
	df := map[string]int{}
	for _, terms := range tokenizedDocs {
		seen := map[string]bool{}
		for _, t := range terms {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}

	idf := map[string]float64{}
	for t, d := range df {
		idf[t] = math.Log((float64(n)-float64(d)+0.5)/(float64(d)+0.5) + 1)
	}

	scores := make([]float64, n)
	for i, terms := range tokenizedDocs {
		tf := map[string]int{}
		for _, t := range terms {
			tf[t]++
		}
		var score float64
		for _, qt := range queryTerms {
			freq, ok := tf[qt]
			if !ok {
				continue
			}
			numerator := float64(freq) * (bm25K1 + 1)
			// avg_doc_len = doc_len per the single-document-length
			// approximation, so the length-normalization term collapses to 1
			// regardless of b.
			denominator := float64(freq) + bm25K1
			score += idf[qt] * (numerator / denominator)
		}
		scores[i] = score
	}
	return scores
}

func decisionCacheKey(query string, candidates []CandidateSkill) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.SkillID
	}
	sort.Strings(ids)
	sum := md5.Sum([]byte(query + strings.Join(ids, ","))) //nolint:gosec // cache key only
	return hex.EncodeToString(sum[:])
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func truncateToCodeUnits(s string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		width := 1
		if r > 0xFFFF {
			width = 2
		}
		if n+width > limit {
			break
		}
		b.WriteRune(r)
		n += width
	}
	return b.String()
}
