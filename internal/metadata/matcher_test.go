package metadata

import (
	"testing"

	"tapedeck/pkg/models"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		name string
		meta *models.MediaMeta
		path string
		want Source
	}{
		{
			name: "full metadata",
			meta: &models.MediaMeta{Artist: "Artist", Track: "Song (Official Video)", Album: "Album"},
			path: "/lib/whatever.mp3",
			want: Source{Artist: "Artist", Title: "Song", Album: "Album"},
		},
		{
			name: "artist recovered from dashed title",
			meta: &models.MediaMeta{Title: "Some Artist - Some Song"},
			path: "/lib/x.mp3",
			want: Source{Artist: "Some Artist", Title: "Some Song"},
		},
		{
			name: "filename fallback",
			meta: nil,
			path: "/lib/Another Artist - Another Song.mp3",
			want: Source{Artist: "Another Artist", Title: "Another Song"},
		},
		{
			name: "vevo and handle cleanup",
			meta: &models.MediaMeta{Artist: "@SomeArtistVEVO", Title: "Song"},
			path: "/lib/x.mp3",
			want: Source{Artist: "SomeArtist", Title: "Song"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSource(tt.meta, tt.path)
			if got.Artist != tt.want.Artist || got.Title != tt.want.Title || got.Album != tt.want.Album {
				t.Errorf("ParseSource = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestScoreMatchWeights(t *testing.T) {
	source := Source{Artist: "Artist", Title: "Song", Album: "Album"}
	full := Candidate{Artist: "Artist", Title: "Song", Album: "Album", DurationSec: 200}

	tests := []struct {
		name      string
		source    Source
		candidate Candidate
		duration  int
		want      int
	}{
		{"everything matches", source, full, 200, 100},
		{"duration off by more than 2s", source, full, 210, 80},
		{"duration within 2s", source, full, 202, 100},
		{"no album on source drops album weight", Source{Artist: "Artist", Title: "Song"}, full, 200, 90},
		{"artist miss", source, Candidate{Artist: "Someone Else", Title: "Song", Album: "Album", DurationSec: 200}, 200, 60},
		{"title miss", source, Candidate{Artist: "Artist", Title: "Different Thing", Album: "Album", DurationSec: 200}, 200, 70},
		{"nothing matches", source, Candidate{Artist: "X", Title: "Y", Album: "Z"}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScoreMatch(tt.source, tt.candidate, tt.duration); got != tt.want {
				t.Errorf("ScoreMatch = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFuzzyScoreGate(t *testing.T) {
	// Word order and noise words don't break the token-set ratio.
	if got := fuzzyScore("The Artist", "Artist, The"); got < 80 {
		t.Errorf("reordered tokens scored %d, want >= 80", got)
	}
	if got := fuzzyScore("Song", "Song"); got != 100 {
		t.Errorf("identical = %d, want 100", got)
	}
	if got := fuzzyScore("Completely Different", "Nothing Alike Here"); got >= 80 {
		t.Errorf("disjoint strings scored %d, want below the gate", got)
	}
	if got := fuzzyScore("", "Song"); got != 0 {
		t.Errorf("empty side = %d, want 0", got)
	}
}

func TestSelectBestMatch(t *testing.T) {
	source := Source{Artist: "Artist", Title: "Song"}
	candidates := []Candidate{
		{RecordingID: "weak", Artist: "Other", Title: "Song"},
		{RecordingID: "strong", Artist: "Artist", Title: "Song", DurationSec: 200},
	}
	best, score := SelectBestMatch(source, candidates, 200)
	if best == nil || best.RecordingID != "strong" {
		t.Fatalf("best = %+v", best)
	}
	if score != 90 {
		t.Fatalf("score = %d, want 90 (artist+title+duration, no album)", score)
	}

	if best, score := SelectBestMatch(source, nil, 0); best != nil || score != 0 {
		t.Fatalf("empty candidates: %+v / %d", best, score)
	}
}

func TestMergeCandidates(t *testing.T) {
	existing := []Candidate{{RecordingID: "a"}, {RecordingID: "b"}}
	extra := []Candidate{{RecordingID: "b", Title: "dupe"}, {RecordingID: "c"}}

	merged := MergeCandidates(existing, extra)
	if len(merged) != 3 {
		t.Fatalf("merged = %d candidates, want 3", len(merged))
	}
	// The first entry per recording id wins.
	for _, candidate := range merged {
		if candidate.RecordingID == "b" && candidate.Title == "dupe" {
			t.Error("duplicate replaced the original entry")
		}
	}
}
