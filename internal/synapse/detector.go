// Package synapse implements the two-tier synapse classifier: given a
// newly finalized message and a window of recent messages from other
// participants, it decides whether the new message builds on, synthesizes,
// reinforces, or clarifies one of them.
//
// The preferred tier uses sentence embeddings for semantic similarity; when
// no embeddings backend is configured, or the backend errs, the detector
// degrades to a keyword/regex/lexical-overlap tier. Degradation is silent —
// Detect never surfaces an embeddings failure to its caller.
package synapse

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/kestrelai/synapse/pkg/embeddings"
)

// Kind identifies the type of collaborative relationship a Classification
// describes.
type Kind string

const (
	KindBuilding      Kind = "building"
	KindSynthesis     Kind = "synthesis"
	KindReinforcement Kind = "reinforcement"
	KindClarification Kind = "clarification"
)

// kindPrecedence orders kinds for the tie-break rule: on equal scores,
// prefer BUILDING > SYNTHESIS > REINFORCEMENT > CLARIFICATION.
var kindPrecedence = []Kind{KindBuilding, KindSynthesis, KindReinforcement, KindClarification}

// pattern holds the keyword and regex cues, plus the multiplicative weight,
// for one synapse kind.
type pattern struct {
	keywords []string
	regexes  []*regexp.Regexp
	weight   float64
}

var synapsePatterns = map[Kind]pattern{
	KindBuilding: {
		keywords: []string{"building on", "expanding", "adding to", "furthermore", "additionally", "moreover"},
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`as \w+ mentioned`),
			regexp.MustCompile(`following up on`),
			regexp.MustCompile(`to add to`),
		},
		weight: 0.8,
	},
	KindSynthesis: {
		keywords: []string{"combining", "synthesizing", "bringing together", "integrating", "merging"},
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`taking both .* and`),
			regexp.MustCompile(`synthesis of`),
			regexp.MustCompile(`integrated approach`),
		},
		weight: 0.9,
	},
	KindReinforcement: {
		keywords: []string{"agree", "absolutely", "exactly", "reinforcing", "supporting", "confirm"},
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`i (?:strongly )?agree`),
			regexp.MustCompile(`exactly right`),
			regexp.MustCompile(`spot on`),
		},
		weight: 0.7,
	},
	KindClarification: {
		keywords: []string{"clarifying", "specifically", "precisely", "to be clear", "in other words"},
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`to clarify`),
			regexp.MustCompile(`more specifically`),
			regexp.MustCompile(`what i mean is`),
		},
		weight: 0.6,
	},
}

// Similarity thresholds and emission floors for the two tiers.
const (
	simHigh    = 0.85
	simMedium  = 0.70
	simLow     = 0.55
	simMinimum = 0.40

	semanticEmitFloor     = 0.5
	keywordEmitFloor      = 0.3
	semanticBuildFallback = 0.70
)

// Candidate is the minimal view of a message the detector needs: enough to
// compare authorship and content without depending on the memory package's
// richer Message type.
type Candidate struct {
	ID      string
	Author  string
	Content string
}

// Classification is a positive synapse detection: M built on the message
// identified by AnchorID in the way described by Kind, with the given
// Strength in [0,1].
type Classification struct {
	Kind     Kind
	Strength float64
	AnchorID string
}

// Detector classifies the relationship between a new message and a recent
// window of candidates from other participants.
//
// Detector is safe for concurrent use; it holds no per-call mutable state.
type Detector struct {
	embeddings embeddings.Provider
}

// New creates a Detector. Pass a nil embeddings.Provider to run the detector
// permanently in keyword-only mode.
func New(emb embeddings.Provider) *Detector {
	return &Detector{embeddings: emb}
}

// Detect classifies newMsg against recent, which should be the last N
// messages preceding newMsg in log order (N=10 for the authoritative call
// made on message finalization). Candidates authored by newMsg's own author
// are ignored. Returns nil, nil when no classification clears the emission
// threshold for the active tier.
//
// Detect never returns an error for an embeddings failure: it logs a
// warning and falls back to the keyword tier instead.
func (d *Detector) Detect(ctx context.Context, newMsg Candidate, recent []Candidate) (*Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates := filterCandidates(newMsg, recent)
	if len(candidates) == 0 {
		return nil, nil
	}

	if d.embeddings != nil {
		result, err := d.semanticTier(ctx, newMsg, candidates)
		if err != nil {
			slog.Warn("synapse: embedding backend unavailable, degrading to keyword tier", "error", err)
		} else if result != nil {
			return result, nil
		} else {
			return nil, nil
		}
	}

	return d.keywordTier(newMsg, candidates), nil
}

// filterCandidates drops self-authored and anonymous-author candidates,
// matching the "author of to must differ from author of from" invariant.
func filterCandidates(newMsg Candidate, recent []Candidate) []Candidate {
	out := make([]Candidate, 0, len(recent))
	for _, c := range recent {
		if c.ID == newMsg.ID || c.Author == "" || c.Author == newMsg.Author {
			continue
		}
		out = append(out, c)
	}
	return out
}

// semanticTier runs the embedding-based comparison. A nil, nil result means
// the tier ran successfully but found nothing to emit; a non-nil error
// means the embeddings backend itself failed and the caller should degrade.
func (d *Detector) semanticTier(ctx context.Context, newMsg Candidate, candidates []Candidate) (*Classification, error) {
	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, newMsg.Content)
	for _, c := range candidates {
		texts = append(texts, c.Content)
	}
	vectors, err := d.embeddings.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, nil
	}
	newVec := vectors[0]

	var best Candidate
	bestSim := simMinimum
	found := false
	for i, c := range candidates {
		sim := cosineSimilarity(newVec, vectors[i+1])
		if sim >= bestSim {
			bestSim = sim
			best = c
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	kind, score := classify(newMsg.Content, bestSim, similarityBonusSemantic)
	if score >= semanticEmitFloor {
		return &Classification{Kind: kind, Strength: clampUnit(score), AnchorID: best.ID}, nil
	}
	if bestSim >= semanticBuildFallback {
		return &Classification{Kind: KindBuilding, Strength: clampUnit(bestSim * 0.7), AnchorID: best.ID}, nil
	}
	return nil, nil
}

// keywordTier runs the keyword/regex cue scoring plus lexical-overlap
// comparison used when embeddings are unavailable.
func (d *Detector) keywordTier(newMsg Candidate, candidates []Candidate) *Classification {
	var (
		bestScore float64
		bestKind  Kind
		bestID    string
		has       bool
	)

	newLower := strings.ToLower(newMsg.Content)
	newTerms := termSet(newLower)

	for _, c := range candidates {
		overlap := jaccardOverlap(newTerms, termSet(strings.ToLower(c.Content)))
		kind, score := classify(newMsg.Content, overlap, func(_ float64) float64 { return 0.3 * overlap })
		if score > bestScore || (score == bestScore && has && precedes(kind, bestKind)) {
			bestScore = score
			bestKind = kind
			bestID = c.ID
			has = true
		}
	}

	if !has || bestScore < keywordEmitFloor {
		return nil
	}
	return &Classification{Kind: bestKind, Strength: clampUnit(bestScore), AnchorID: bestID}
}

// similarityBonusSemantic maps cosine similarity to the additive bonus:
// +0.3 at high similarity, +0.2 at medium, +0.1 at low.
func similarityBonusSemantic(sim float64) float64 {
	switch {
	case sim >= simHigh:
		return 0.3
	case sim >= simMedium:
		return 0.2
	case sim >= simLow:
		return 0.1
	default:
		return 0
	}
}

// classify scores every synapse kind for newContent and returns the
// highest-scoring kind, applying the tie-break precedence order. bonus
// computes component (c) — the similarity bonus in the semantic tier, or
// the lexical-overlap contribution in the keyword tier — from the supplied
// similarity/overlap value.
func classify(newContent string, simOrOverlap float64, bonus func(float64) float64) (Kind, float64) {
	lower := strings.ToLower(newContent)

	var bestKind Kind
	var bestScore float64
	first := true

	for _, kind := range kindPrecedence {
		p := synapsePatterns[kind]
		score := 0.0
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				score += 0.3
			}
		}
		for _, re := range p.regexes {
			if re.MatchString(lower) {
				score += 0.4
			}
		}
		score += bonus(simOrOverlap)
		score *= p.weight

		if first || score > bestScore {
			bestKind = kind
			bestScore = score
			first = false
		}
	}
	return bestKind, bestScore
}

// precedes reports whether a outranks b in the BUILDING > SYNTHESIS >
// REINFORCEMENT > CLARIFICATION tie-break order.
func precedes(a, b Kind) bool {
	ai, bi := -1, -1
	for i, k := range kindPrecedence {
		if k == a {
			ai = i
		}
		if k == b {
			bi = i
		}
	}
	return ai < bi
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func termSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// jaccardOverlap computes |A∩B| / max(|A|,|B|), the lexical overlap measure
// used by the keyword-only tier in place of cosine similarity.
func jaccardOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return float64(inter) / float64(maxLen)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
