package toolkit

import "testing"

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantOK      bool
		wantPercent float64
		wantETA     int
	}{
		{
			name:   "full progress line",
			line:   "[download]  45.3% of 3.33MiB at 512.34KiB/s ETA 00:12",
			wantOK: true, wantPercent: 45.3, wantETA: 12,
		},
		{
			name:   "estimate size",
			line:   "[download]  10.0% of ~ 120.00MiB at 1.00MiB/s ETA 01:40",
			wantOK: true, wantPercent: 10.0, wantETA: 100,
		},
		{
			name:   "percent only",
			line:   "[download]  99.8%",
			wantOK: true, wantPercent: 99.8,
		},
		{name: "unrelated line", line: "[info] Downloading format 251", wantOK: false},
		{name: "merger line", line: "[Merger] Merging formats", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := ParseProgressLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if p.Percent != tt.wantPercent {
				t.Errorf("percent = %v, want %v", p.Percent, tt.wantPercent)
			}
			if tt.wantETA != 0 && p.ETASeconds != tt.wantETA {
				t.Errorf("eta = %d, want %d", p.ETASeconds, tt.wantETA)
			}
		})
	}
}

func TestParseProgressBytes(t *testing.T) {
	p, ok := ParseProgressLine("[download]  50.0% of 4.00MiB at 512.00KiB/s ETA 00:04")
	if !ok {
		t.Fatal("line not parsed")
	}
	if p.TotalBytes != 4*1024*1024 {
		t.Errorf("total = %d", p.TotalBytes)
	}
	if p.DownloadedBytes != 2*1024*1024 {
		t.Errorf("downloaded = %d", p.DownloadedBytes)
	}
	if p.SpeedBytesSec != 512*1024 {
		t.Errorf("speed = %v", p.SpeedBytesSec)
	}
}

func TestParseSize(t *testing.T) {
	threeThirtyThreeMiB := 3.33
	tests := []struct {
		input string
		want  int64
	}{
		{"512B", 512},
		{"1.00KiB", 1024},
		{"3.33MiB", int64(threeThirtyThreeMiB * 1024 * 1024)},
		{"2GiB", 2 * 1024 * 1024 * 1024},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseSize(tt.input); got != tt.want {
			t.Errorf("parseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseETA(t *testing.T) {
	if got := parseETA("01:02:03"); got != 3723 {
		t.Errorf("hh:mm:ss = %d", got)
	}
	if got := parseETA("02:03"); got != 123 {
		t.Errorf("mm:ss = %d", got)
	}
	if got := parseETA("xx"); got != -1 {
		t.Errorf("malformed = %d", got)
	}
}

func TestNormalizeJSRuntime(t *testing.T) {
	if got := NormalizeJSRuntime(""); got != "" {
		t.Errorf("empty = %q", got)
	}
	if got := NormalizeJSRuntime("deno:/usr/bin/deno"); got != "deno:/usr/bin/deno" {
		t.Errorf("pre-qualified = %q", got)
	}
	if got := NormalizeJSRuntime("definitely-not-a-binary-on-path"); got != "" {
		t.Errorf("missing binary = %q", got)
	}
}
