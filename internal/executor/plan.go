package executor

// PlanStep is one extractor variant in the ordered attempt plan.
type PlanStep struct {
	Name          string
	ClientProfile string // yt-dlp player_client; empty = default client
	Headers       map[string]string
	Selector      string
	UseCookies    bool
	Permissive    bool
}

// Strict selectors: webm first, then mp4/m4a, capped at 1080p (then 720p)
// for video; an opus-first chain for music.
const (
	selectorStrictVideo = "bestvideo[ext=webm][height<=1080]+bestaudio[ext=webm]/" +
		"bestvideo[ext=webm][height<=720]+bestaudio[ext=webm]/" +
		"bestvideo[ext=mp4][height<=1080]+bestaudio[ext=m4a]/" +
		"bestvideo[ext=mp4][height<=720]+bestaudio[ext=m4a]"
	selectorStrictMusic = "bestaudio[acodec^=opus]/bestaudio[ext=webm]/bestaudio"
	selectorPermissive  = "bestvideo+bestaudio/best"
	selectorBest        = "best"
)

var hardenedProfiles = []struct {
	name    string
	headers map[string]string
}{
	{"android", map[string]string{
		"User-Agent":      "com.google.android.youtube/19.42.37 (Linux; Android 14)",
		"Accept-Language": "en-US,en;q=0.9",
	}},
	{"tv_embedded", map[string]string{
		"User-Agent":      "Mozilla/5.0 (SmartTV; Linux; Tizen 6.5) AppleWebKit/537.36",
		"Accept-Language": "en-US,en;q=0.9",
	}},
	{"web", map[string]string{
		"User-Agent":      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Safari/605.1.15",
		"Accept-Language": "en-US,en;q=0.9",
	}},
}

// BuildAttemptPlan assembles the ordered extractor variants for one job:
// three hardened client profiles under a strict selector, then the default
// client strict, then permissive, then (with cookies available) a plain
// best with cookies. The plan is truncated at maxSteps, but always keeps at
// least one default-client step and one permissive-format step.
func BuildAttemptPlan(musicMode, haveCookies bool, maxSteps int) []PlanStep {
	strict := selectorStrictVideo
	if musicMode {
		strict = selectorStrictMusic
	}
	permissive := selectorPermissive
	if musicMode {
		permissive = "bestaudio/best"
	}

	var plan []PlanStep
	for _, profile := range hardenedProfiles {
		plan = append(plan, PlanStep{
			Name:          profile.name + "-strict",
			ClientProfile: profile.name,
			Headers:       profile.headers,
			Selector:      strict,
		})
	}
	plan = append(plan, PlanStep{Name: "default-strict", Selector: strict})
	plan = append(plan, PlanStep{Name: "default-permissive", Selector: permissive, Permissive: true})
	if haveCookies {
		plan = append(plan, PlanStep{Name: "cookies-best", Selector: selectorBest, UseCookies: true, Permissive: true})
	}

	if maxSteps > 0 && len(plan) > maxSteps {
		plan = plan[:maxSteps]
	}

	hasDefault := false
	hasPermissive := false
	for _, step := range plan {
		if step.ClientProfile == "" {
			hasDefault = true
		}
		if step.Permissive {
			hasPermissive = true
		}
	}
	if !hasDefault {
		plan = append(plan, PlanStep{Name: "default-strict", Selector: strict})
	}
	if !hasPermissive {
		plan = append(plan, PlanStep{Name: "default-permissive", Selector: permissive, Permissive: true})
	}
	return plan
}
