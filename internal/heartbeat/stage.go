package heartbeat

import "regexp"

// StagePattern pairs a matcher against recent output with the stage label
// to report when it matches. The table is ordered; the first match wins.
// Translated in meaning from the original Python heartbeat.py's
// STAGE_PATTERNS table. Exported so callers can supply a localized or
// extended table to NewService instead of the default.
type StagePattern struct {
	Label   string
	Matcher *regexp.Regexp
}

// DefaultStagePatterns is the static classification table. It is data, not
// control flow, per the spec's "provided as a configuration table, not
// hardcoded in the supervisor algorithm" requirement.
var DefaultStagePatterns = []StagePattern{
	{"exploring", regexp.MustCompile(`(?i)\b(read|glob|grep|searching)\b`)},
	{"writing code", regexp.MustCompile(`(?i)\b(write|edit(ing)?|creating file)\b`)},
	{"running tests", regexp.MustCompile(`(?i)\b(pytest|npm test|jest|make test)\b`)},
	{"committing", regexp.MustCompile(`(?i)\b(git commit|git push)\b`)},
	{"planning", regexp.MustCompile(`(?i)\b(thinking|planning|analyzing)\b`)},
	{"installing deps", regexp.MustCompile(`(?i)\b(pip install|npm install|poetry)\b`)},
}

const defaultStageLabel = "working"

// classifyStage returns the label of the first pattern in patterns that
// matches output, or defaultStageLabel if none match.
func classifyStage(patterns []StagePattern, output string) string {
	for _, p := range patterns {
		if p.Matcher.MatchString(output) {
			return p.Label
		}
	}
	return defaultStageLabel
}
