package gate

import "regexp"

// loopPatterns maps runtime keys to precompiled infinite-loop heuristics.
// Detection is advisory only: a hit logs a warning and never blocks the
// run. The runner's wall-clock timeout is the authoritative safeguard.
var loopPatterns = map[string][]*regexp.Regexp{
	"python": {
		regexp.MustCompile(`while\s+True\s*:`),
		regexp.MustCompile(`while\s+1\s*:`),
		regexp.MustCompile(`for\s+\w+\s+in\s+iter\(\s*int\s*,\s*1\s*\)`),
	},
	"node": {
		regexp.MustCompile(`while\s*\(\s*true\s*\)`),
		regexp.MustCompile(`while\s*\(\s*1\s*\)`),
		regexp.MustCompile(`for\s*\(\s*;\s*;\s*\)`),
	},
	"gcc": {
		regexp.MustCompile(`while\s*\(\s*1\s*\)`),
		regexp.MustCompile(`while\s*\(\s*true\s*\)`),
		regexp.MustCompile(`for\s*\(\s*;\s*;\s*\)`),
	},
	"g++": {
		regexp.MustCompile(`while\s*\(\s*1\s*\)`),
		regexp.MustCompile(`while\s*\(\s*true\s*\)`),
		regexp.MustCompile(`for\s*\(\s*;\s*;\s*\)`),
	},
}

// ScanLoopPatterns checks the source for known infinite-loop constructs.
// Runtimes without a pattern table are never flagged.
func (g *Gate) ScanLoopPatterns(source, runtimeKey string) (detected bool, pattern string) {
	for _, re := range loopPatterns[runtimeKey] {
		if re.MatchString(source) {
			return true, re.String()
		}
	}
	return false, ""
}
