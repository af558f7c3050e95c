package search

import (
	"math"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"Song Title (Official Video)", "song title"},
		{"Artist feat. Other", "artist feat other"},
		{"Artist featuring Other", "artist feat other"},
		{"AC/DC & Friends", "ac/dc & friends"},
		{"Under_score  and\tspace", "under score and space"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.input); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTokenSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1.0},
		{"disjoint", []string{"a"}, []string{"b"}, 0.0},
		{"partial", []string{"a", "b"}, []string{"a", "b", "c", "d"}, 0.5},
		{"empty target", nil, []string{"a"}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TokenSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("TokenSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDurationScoreSteps(t *testing.T) {
	tests := []struct {
		delta int
		want  float64
	}{
		{0, 1.00}, {2, 1.00}, {3, 0.90}, {5, 0.90},
		{6, 0.75}, {10, 0.75}, {11, 0.50}, {20, 0.50}, {21, 0.20},
	}
	for _, tt := range tests {
		got := DurationScore(intPtr(200), intPtr(200+tt.delta))
		if got != tt.want {
			t.Errorf("delta %d: score = %v, want %v", tt.delta, got, tt.want)
		}
	}
	if got := DurationScore(nil, intPtr(200)); got != 0.60 {
		t.Errorf("unknown target duration: %v, want neutral 0.60", got)
	}
	if got := DurationScore(intPtr(200), nil); got != 0.60 {
		t.Errorf("unknown candidate duration: %v, want neutral 0.60", got)
	}
}

func TestScoreCandidateSelectionScenario(t *testing.T) {
	// Official catalog hit vs a cover from a general source.
	target := Target{Artist: "Artist", Track: "Track"}

	official := &Candidate{
		Source: "bandcamp", URL: "https://bandcamp.test/t",
		Title: "Track", ArtistDetected: "Artist", TrackDetected: "Track",
		SourceModifier: 1.05, IsOfficial: true,
	}
	cover := &Candidate{
		Source: "soundcloud", URL: "https://soundcloud.test/t",
		Title: "Track (cover)", ArtistDetected: "Artist",
		SourceModifier: 0.95,
	}

	officialScore := ScoreCandidate(target, official, 1.05)
	coverScore := ScoreCandidate(target, cover, 0.95)

	if officialScore.PenaltyMultiplier != 1.0 {
		t.Errorf("official penalty = %v, want 1.0", officialScore.PenaltyMultiplier)
	}
	// The bracketed cover marker still triggers the penalty even though
	// similarity scoring strips bracketed noise.
	if math.Abs(coverScore.PenaltyMultiplier-0.10) > 1e-9 {
		t.Errorf("cover penalty = %v, want 0.10", coverScore.PenaltyMultiplier)
	}

	// Perfect artist+track with neutral album/duration baselines:
	// 0.30 + 0.35 + 0.15*0.6 + 0.15*0.6 = 0.83, times the 1.05 modifier.
	if math.Abs(officialScore.WeightedSum-0.83) > 1e-9 {
		t.Errorf("official weighted sum = %v, want 0.83", officialScore.WeightedSum)
	}
	if math.Abs(officialScore.FinalScore-0.83*1.05) > 1e-9 {
		t.Errorf("official final = %v, want %v", officialScore.FinalScore, 0.83*1.05)
	}
	if coverScore.FinalScore >= 0.10 {
		t.Errorf("cover final = %v, want under 0.10", coverScore.FinalScore)
	}
}

func TestPenaltyMultipliers(t *testing.T) {
	target := Target{Artist: "Artist", Track: "Track"}
	base := func(title string) ScoreBreakdown {
		return ScoreCandidate(target, &Candidate{
			Title: title, ArtistDetected: "Artist", TrackDetected: title,
		}, 1.0)
	}

	if p := base("Track live").PenaltyMultiplier; math.Abs(p-0.85) > 1e-9 {
		t.Errorf("live mismatch penalty = %v", p)
	}
	if p := base("Track remastered").PenaltyMultiplier; math.Abs(p-0.92) > 1e-9 {
		t.Errorf("remaster mismatch penalty = %v", p)
	}
	// Live in both target and candidate: no penalty.
	liveTarget := Target{Artist: "Artist", Track: "Track live"}
	p := ScoreCandidate(liveTarget, &Candidate{
		Title: "Track live", ArtistDetected: "Artist", TrackDetected: "Track live",
	}, 1.0).PenaltyMultiplier
	if p != 1.0 {
		t.Errorf("matched live penalty = %v, want 1.0", p)
	}
	// Artist similarity below 0.5 halves the result.
	weak := ScoreCandidate(target, &Candidate{
		Title: "Track", ArtistDetected: "Somebody Else Entirely", TrackDetected: "Track",
	}, 1.0)
	if math.Abs(weak.PenaltyMultiplier-0.50) > 1e-9 {
		t.Errorf("weak-artist penalty = %v, want 0.50", weak.PenaltyMultiplier)
	}
}

func TestScoringMonotonicity(t *testing.T) {
	target := Target{Artist: "alpha beta", Track: "gamma delta"}
	partial := ScoreCandidate(target, &Candidate{
		Title: "gamma", ArtistDetected: "alpha", TrackDetected: "gamma",
	}, 1.0)
	full := ScoreCandidate(target, &Candidate{
		Title: "gamma delta", ArtistDetected: "alpha beta", TrackDetected: "gamma delta",
	}, 1.0)
	if full.FinalScore < partial.FinalScore {
		t.Errorf("increasing overlap decreased score: %v -> %v", partial.FinalScore, full.FinalScore)
	}

	clean := ScoreCandidate(target, &Candidate{
		Title: "gamma delta", ArtistDetected: "alpha beta", TrackDetected: "gamma delta",
	}, 1.0)
	penalized := ScoreCandidate(target, &Candidate{
		Title: "gamma delta karaoke", ArtistDetected: "alpha beta", TrackDetected: "gamma delta karaoke",
	}, 1.0)
	if penalized.FinalScore > clean.FinalScore {
		t.Errorf("penalty term increased score: %v -> %v", clean.FinalScore, penalized.FinalScore)
	}
}

func TestRankCandidatesTieBreaks(t *testing.T) {
	target := Target{Artist: "a", Track: "t"}
	mk := func(source, url string) *Candidate {
		return &Candidate{
			Source: source, URL: url, Title: "t",
			ArtistDetected: "a", TrackDetected: "t", SourceModifier: 1.0,
		}
	}
	ranked := RankCandidates(target, []*Candidate{
		mk("soundcloud", "https://s.test/2"),
		mk("bandcamp", "https://b.test/1"),
		mk("soundcloud", "https://s.test/1"),
	}, []string{"bandcamp", "soundcloud"})

	if ranked[0].Candidate.Source != "bandcamp" {
		t.Errorf("tie not broken by source priority: %s first", ranked[0].Candidate.Source)
	}
	if ranked[1].Candidate.URL != "https://s.test/1" || ranked[2].Candidate.URL != "https://s.test/2" {
		t.Errorf("URL tie-break order: %s then %s", ranked[1].Candidate.URL, ranked[2].Candidate.URL)
	}
	for i, r := range ranked {
		if r.Rank != i+1 {
			t.Errorf("rank[%d] = %d", i, r.Rank)
		}
	}
}
