package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	weightArtist    = 0.30
	weightTrack     = 0.35
	weightAlbum     = 0.15
	weightDuration  = 0.15
	weightBonus     = 0.05
	baselineNeutral = 0.60
)

var (
	featRe       = regexp.MustCompile(`\b(featuring|feat\.?|ft\.?)\b`)
	bracketRe    = regexp.MustCompile(`[\(\[\{][^)\]\}]*[\)\]\}]`)
	whitespaceRe = regexp.MustCompile(`\s+`)

	penaltyTerms  = map[string]bool{"cover": true, "tribute": true, "karaoke": true, "reaction": true, "8d": true, "nightcore": true, "slowed": true}
	liveTerms     = map[string]bool{"live": true}
	remasterTerms = map[string]bool{"remaster": true, "remastered": true}
)

// ScoreBreakdown is the full per-candidate score decomposition, persisted
// alongside the candidate.
type ScoreBreakdown struct {
	ScoreArtist       float64
	ScoreTrack        float64
	ScoreAlbum        float64
	ScoreDuration     float64
	BonusScore        float64
	WeightedSum       float64
	SourceModifier    float64
	PenaltyMultiplier float64
	FinalScore        float64
}

// NormalizeText lowercases, Unicode-normalizes, strips bracketed noise,
// collapses featuring markers to "feat" and drops punctuation except / and &.
func NormalizeText(value string) string {
	if value == "" {
		return ""
	}
	text := norm.NFKD.String(value)
	text = strings.ToLower(strings.TrimSpace(text))
	text = featRe.ReplaceAllString(text, "feat")
	text = bracketRe.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "_", " ")
	text = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '/' || r == '&' {
			return r
		}
		return ' '
	}, text)
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Tokenize splits the normalized form on whitespace.
func Tokenize(value string) []string {
	normalized := NormalizeText(value)
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}

// tokenizeRaw is Tokenize without bracket stripping. Penalty detection uses
// it so a "(cover)" or "[live]" marker still counts even though similarity
// scoring ignores bracketed noise.
func tokenizeRaw(value string) []string {
	if value == "" {
		return nil
	}
	text := norm.NFKD.String(value)
	text = strings.ToLower(strings.TrimSpace(text))
	text = featRe.ReplaceAllString(text, "feat")
	text = strings.ReplaceAll(text, "_", " ")
	text = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '/' || r == '&' {
			return r
		}
		return ' '
	}, text)
	return strings.Fields(whitespaceRe.ReplaceAllString(text, " "))
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// TokenSimilarity is |intersection| / max(|a|,|b|) over token sets: 1 for
// identical sets, 0 for disjoint or empty.
func TokenSimilarity(target, candidate []string) float64 {
	if len(target) == 0 || len(candidate) == 0 {
		return 0
	}
	targetSet := toSet(target)
	candidateSet := toSet(candidate)
	common := 0
	for token := range targetSet {
		if candidateSet[token] {
			common++
		}
	}
	max := len(targetSet)
	if len(candidateSet) > max {
		max = len(candidateSet)
	}
	return float64(common) / float64(max)
}

// DurationScore is a step function of the absolute delta in seconds.
// Unknown duration on either side returns the neutral baseline.
func DurationScore(targetSec, candidateSec *int) float64 {
	if targetSec == nil || candidateSec == nil {
		return baselineNeutral
	}
	delta := *targetSec - *candidateSec
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta <= 2:
		return 1.00
	case delta <= 5:
		return 0.90
	case delta <= 10:
		return 0.75
	case delta <= 20:
		return 0.50
	}
	return 0.20
}

func hasTerms(tokens []string, terms map[string]bool) bool {
	for _, token := range tokens {
		if terms[token] {
			return true
		}
	}
	return false
}

func penaltyMultiplier(targetTrackTokens, candidateTokens []string, artistScore float64) float64 {
	multiplier := 1.0
	if hasTerms(candidateTokens, penaltyTerms) && !hasTerms(targetTrackTokens, penaltyTerms) {
		multiplier *= 0.10
	}
	if hasTerms(candidateTokens, liveTerms) != hasTerms(targetTrackTokens, liveTerms) {
		multiplier *= 0.85
	}
	if hasTerms(candidateTokens, remasterTerms) != hasTerms(targetTrackTokens, remasterTerms) {
		multiplier *= 0.92
	}
	if artistScore < 0.50 {
		multiplier *= 0.50
	}
	return multiplier
}

// Target is what the requester asked for.
type Target struct {
	Artist          string
	Track           string
	Album           string
	DurationHintSec *int
}

// ScoreCandidate computes the full breakdown for one candidate.
func ScoreCandidate(target Target, candidate *Candidate, sourceModifier float64) ScoreBreakdown {
	candidateArtist := candidate.ArtistDetected
	if candidateArtist == "" {
		candidateArtist = candidate.Uploader
	}
	candidateTrack := candidate.TrackDetected
	if candidateTrack == "" {
		candidateTrack = candidate.Title
	}

	targetArtistTokens := Tokenize(target.Artist)
	targetTrackTokens := Tokenize(target.Track)
	targetAlbumTokens := Tokenize(target.Album)
	candidateArtistTokens := Tokenize(candidateArtist)
	candidateTrackTokens := Tokenize(candidateTrack)
	candidateAlbumTokens := Tokenize(candidate.AlbumDetected)

	scoreArtist := TokenSimilarity(targetArtistTokens, candidateArtistTokens)
	scoreTrack := baselineNeutral
	if len(targetTrackTokens) > 0 {
		scoreTrack = TokenSimilarity(targetTrackTokens, candidateTrackTokens)
	}
	scoreAlbum := baselineNeutral
	if len(targetAlbumTokens) > 0 && len(candidateAlbumTokens) > 0 {
		scoreAlbum = TokenSimilarity(targetAlbumTokens, candidateAlbumTokens)
	}
	scoreDuration := DurationScore(target.DurationHintSec, candidate.DurationSec)
	bonusScore := 0.0

	weighted := clamp01(
		weightArtist*scoreArtist +
			weightTrack*scoreTrack +
			weightAlbum*scoreAlbum +
			weightDuration*scoreDuration +
			weightBonus*bonusScore,
	)

	penaltyTokens := unionTokens(tokenizeRaw(candidateTrack), tokenizeRaw(candidate.Title))
	penalty := penaltyMultiplier(tokenizeRaw(target.Track), penaltyTokens, scoreArtist)
	final := weighted * sourceModifier * penalty

	return ScoreBreakdown{
		ScoreArtist:       scoreArtist,
		ScoreTrack:        scoreTrack,
		ScoreAlbum:        scoreAlbum,
		ScoreDuration:     scoreDuration,
		BonusScore:        bonusScore,
		WeightedSum:       weighted,
		SourceModifier:    sourceModifier,
		PenaltyMultiplier: penalty,
		FinalScore:        final,
	}
}

// Ranked pairs a candidate with its breakdown and 1-based rank.
type Ranked struct {
	Candidate *Candidate
	Breakdown ScoreBreakdown
	Rank      int
}

// RankCandidates scores and orders candidates: final score descending, ties
// broken by source_priority index then URL lexicographic order.
func RankCandidates(target Target, candidates []*Candidate, sourcePriority []string) []Ranked {
	sourceRank := map[string]int{}
	for idx, name := range sourcePriority {
		sourceRank[name] = idx
	}
	rankOf := func(source string) int {
		if r, ok := sourceRank[source]; ok {
			return r
		}
		return 999
	}

	ranked := make([]Ranked, 0, len(candidates))
	for _, candidate := range candidates {
		breakdown := ScoreCandidate(target, candidate, candidate.SourceModifier)
		ranked = append(ranked, Ranked{Candidate: candidate, Breakdown: breakdown})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Breakdown.FinalScore != b.Breakdown.FinalScore {
			return a.Breakdown.FinalScore > b.Breakdown.FinalScore
		}
		ra, rb := rankOf(a.Candidate.Source), rankOf(b.Candidate.Source)
		if ra != rb {
			return ra < rb
		}
		return a.Candidate.URL < b.Candidate.URL
	})
	for idx := range ranked {
		ranked[idx].Rank = idx + 1
	}
	return ranked
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		set[token] = true
	}
	return set
}

func unionTokens(a, b []string) []string {
	set := toSet(a)
	for _, token := range b {
		set[token] = true
	}
	out := make([]string, 0, len(set))
	for token := range set {
		out = append(out, token)
	}
	return out
}
