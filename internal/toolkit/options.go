package toolkit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// downloadOptAllowlist is the closed set of caller-supplied option keys
// honored on download invocations. Anything else is dropped with a warning.
var downloadOptAllowlist = map[string]bool{
	"concurrent_fragment_downloads": true,
	"cookiefile":                    true,
	"cookiesfrombrowser":            true,
	"forceipv4":                     true,
	"forceipv6":                     true,
	"fragment_retries":              true,
	"geo_verification_proxy":        true,
	"http_headers":                  true,
	"max_sleep_interval":            true,
	"nocheckcertificate":            true,
	"noproxy":                       true,
	"proxy":                         true,
	"ratelimit":                     true,
	"retries":                       true,
	"sleep_interval":                true,
	"socket_timeout":                true,
	"source_address":                true,
	"throttledratelimit":            true,
	"user_agent":                    true,
}

// metadataOnlyKeys must never survive into a download invocation.
var metadataOnlyKeys = map[string]bool{
	"skip_download": true,
	"extract_flat":  true,
	"simulate":      true,
	"download":      true,
}

// FilterDownloadOpts applies the download allowlist to a caller-supplied
// option map and strips metadata-only flags. Dropped keys are logged.
func FilterDownloadOpts(opts map[string]any, logger *logrus.Logger) map[string]any {
	if len(opts) == 0 {
		return nil
	}
	filtered := make(map[string]any, len(opts))
	for key, value := range opts {
		if metadataOnlyKeys[key] {
			continue
		}
		if !downloadOptAllowlist[key] {
			logger.WithField("option", key).Warn("dropping yt-dlp option not on the download allowlist")
			continue
		}
		filtered[key] = value
	}
	return filtered
}

// assertNoMetadataFlags guards the invariant that FilterDownloadOpts upholds.
func assertNoMetadataFlags(opts map[string]any) error {
	for key := range opts {
		if metadataOnlyKeys[key] {
			return fmt.Errorf("metadata-only option %q leaked into a download invocation", key)
		}
	}
	return nil
}

// renderOptArgs translates an allowlisted option map into CLI arguments.
// Keys map onto yt-dlp's long flags; http_headers expands to repeated
// --add-header pairs.
func renderOptArgs(opts map[string]any) []string {
	if len(opts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(opts))
	for key := range opts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var args []string
	for _, key := range keys {
		value := opts[key]
		switch key {
		case "http_headers":
			headers, ok := value.(map[string]any)
			if !ok {
				continue
			}
			names := make([]string, 0, len(headers))
			for name := range headers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				args = append(args, "--add-header", fmt.Sprintf("%s:%v", name, headers[name]))
			}
		case "cookiefile":
			args = append(args, "--cookies", fmt.Sprint(value))
		case "cookiesfrombrowser":
			args = append(args, "--cookies-from-browser", fmt.Sprint(value))
		case "forceipv4":
			if truthy(value) {
				args = append(args, "--force-ipv4")
			}
		case "forceipv6":
			if truthy(value) {
				args = append(args, "--force-ipv6")
			}
		case "nocheckcertificate":
			if truthy(value) {
				args = append(args, "--no-check-certificates")
			}
		case "ratelimit":
			args = append(args, "--limit-rate", fmt.Sprint(value))
		case "throttledratelimit":
			args = append(args, "--throttled-rate", fmt.Sprint(value))
		case "user_agent":
			args = append(args, "--user-agent", fmt.Sprint(value))
		case "concurrent_fragment_downloads":
			args = append(args, "--concurrent-fragments", fmt.Sprint(value))
		case "noproxy":
			args = append(args, "--proxy", "")
		default:
			args = append(args, "--"+strings.ReplaceAll(key, "_", "-"), fmt.Sprint(value))
		}
	}
	return args
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		}
		return false
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}
