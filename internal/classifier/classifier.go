// Package classifier turns raw step failure logs into a typed
// model.FailureSignal: a failure type, severity, and retry/replan
// disposition, derived from pattern tables rather than invoking a model.
// This keeps auto-fix decisions deterministic and reproducible.
package classifier

import (
	"regexp"
	"strings"

	"github.com/forgebase/orchestrator/internal/model"
)

type pattern struct {
	re             *regexp.Regexp
	severity       model.Severity
	canRetry       bool
	requiresReplan bool
}

// confidenceFloor is the minimum pattern-match confidence a classification
// must clear before it is trusted over the unknown default.
const confidenceFloor = 0.3

var patternTable = map[model.FailureType][]pattern{
	model.FailureTransient: {
		mustPattern(`(?i)connection.*timeout|timeout.*error|connection.*refused|timeout.*after`, model.SeverityLow, true, false),
		mustPattern(`(?i)network.*unreachable|dns.*resolution.*failed`, model.SeverityLow, true, false),
		mustPattern(`(?i)temporary.*failure|service.*unavailable.*temporarily`, model.SeverityLow, true, false),
	},
	model.FailureInfra: {
		mustPattern(`(?i)docker.*error|container.*failed|deployment.*failed`, model.SeverityMedium, true, false),
		mustPattern(`(?i)kubernetes.*error|pod.*failed|service.*unavailable`, model.SeverityMedium, true, false),
		mustPattern(`(?i)disk.*full|memory.*exhausted|resource.*quota.*exceeded`, model.SeverityHigh, true, false),
	},
	model.FailureTestAssert: {
		mustPattern(`(?i)assertionerror|assert.*==|test.*failed|FAIL:`, model.SeverityMedium, false, false),
		mustPattern(`(?i)expected.*but.*got|actual.*does.*not.*equal.*expected`, model.SeverityMedium, false, false),
	},
	model.FailureLint: {
		mustPattern(`\bE\d{3}\b|\bW\d{3}\b|\bF\d{3}\b`, model.SeverityLow, false, false),
		mustPattern(`(?i)gofmt.*error|goimports.*error|formatting.*error`, model.SeverityLow, false, false),
		mustPattern(`(?i)golangci-lint.*error|vet.*error`, model.SeverityLow, false, false),
	},
	model.FailureTypecheck: {
		mustPattern(`(?i)cannot use.*as.*type|undefined:|type.*mismatch`, model.SeverityMedium, false, false),
		mustPattern(`(?i)incompatible.*type|type.*annotation.*error`, model.SeverityMedium, false, false),
	},
	model.FailureSecurity: {
		mustPattern(`(?i)security.*vulnerability|cve-\d{4}-\d+`, model.SeverityHigh, false, false),
		mustPattern(`(?i)authentication.*failed|unauthorized.*access`, model.SeverityHigh, false, false),
		mustPattern(`(?i)injection.*attack|xss|csrf|sql.*injection`, model.SeverityCritical, false, false),
	},
	model.FailurePolicy: {
		mustPattern(`(?i)permission.*denied|access.*denied|forbidden`, model.SeverityHigh, false, false),
		mustPattern(`(?i)policy.*violation|compliance.*error`, model.SeverityMedium, false, false),
		mustPattern(`(?i)license.*error|terms.*violation`, model.SeverityMedium, false, false),
	},
	model.FailureRuntime: {
		mustPattern(`(?i)panic:|runtime error|nil pointer dereference`, model.SeverityMedium, false, false),
		mustPattern(`(?i)index out of range|goroutine.*exit status`, model.SeverityMedium, false, false),
	},
	model.FailureSchemaMigration: {
		mustPattern(`(?i)migration.*failed|schema.*error`, model.SeverityHigh, false, false),
		mustPattern(`(?i)table.*does.*not.*exist|column.*does.*not.*exist`, model.SeverityHigh, false, false),
		mustPattern(`(?i)foreign.*key.*constraint|integrity.*error`, model.SeverityHigh, false, false),
	},
	model.FailureRateLimit: {
		mustPattern(`\b429\b|too many requests`, model.SeverityLow, true, false),
		mustPattern(`(?i)quota.*exceeded|throttling.*error`, model.SeverityLow, true, false),
		mustPattern(`(?i)retry-after.*header|x-ratelimit-remaining.*0`, model.SeverityLow, true, false),
	},
}

func mustPattern(expr string, severity model.Severity, canRetry, requiresReplan bool) pattern {
	return pattern{re: regexp.MustCompile(expr), severity: severity, canRetry: canRetry, requiresReplan: requiresReplan}
}

// Classify derives a FailureSignal for one step failure, given its recent
// logs and the signals already seen for this build so the meta-rules can
// detect runs of unknown or wildly mixed failure types.
func Classify(stepName, logs string, previous []model.FailureSignal) model.FailureSignal {
	best := findBestPatternMatch(stepName, logs)

	candidates := previous
	if best != nil {
		candidates = append(append([]model.FailureSignal{}, previous...), *best)
	}
	if ruled := applyMetaRules(candidates); ruled != nil {
		return *ruled
	}

	if best != nil {
		return *best
	}

	return model.FailureSignal{
		Type:           model.FailureUnknown,
		Source:         stepName,
		Message:        "unclassified failure",
		Evidence:       map[string]string{"logs": truncate(logs, 1000)},
		Severity:       model.SeverityMedium,
		CanRetry:       true,
		RequiresReplan: false,
		Confidence:     0,
	}
}

func findBestPatternMatch(stepName, logs string) *model.FailureSignal {
	var best *model.FailureSignal
	var bestConfidence float64

	for failureType, patterns := range patternTable {
		for _, p := range patterns {
			confidence := patternConfidence(logs, p.re)
			if confidence > bestConfidence {
				bestConfidence = confidence
				sig := model.FailureSignal{
					Type:           failureType,
					Source:         "pattern_match",
					Message:        "matched pattern: " + p.re.String(),
					Evidence:       map[string]string{"logs": truncate(logs, 1000)},
					Severity:       p.severity,
					CanRetry:       p.canRetry,
					RequiresReplan: p.requiresReplan,
					Confidence:     confidence,
				}
				best = &sig
			}
		}
	}

	if bestConfidence <= confidenceFloor {
		return nil
	}
	return best
}

// patternConfidence scores a regex match: more matches raise confidence,
// more alternation branches (a proxy for how generic the pattern is) lower
// it, clamped to the same envelope as the reference classifier.
func patternConfidence(logs string, re *regexp.Regexp) float64 {
	matches := re.FindAllString(logs, -1)
	if len(matches) == 0 {
		return 0
	}
	matchCount := len(matches)
	alternatives := strings.Count(re.String(), "|") + 1

	base := 0.5 + float64(matchCount)*0.1
	if base > 0.9 {
		base = 0.9
	}
	complexity := 1.0 - float64(alternatives)*0.1
	if complexity < 0.5 {
		complexity = 0.5
	}
	return base * complexity
}

// applyMetaRules looks across recent signals for patterns a single log
// snippet can't reveal: a run of unclassifiable failures, or failures
// bouncing between too many distinct types to keep retrying blindly.
func applyMetaRules(signals []model.FailureSignal) *model.FailureSignal {
	unknownRun := 0
	distinct := map[model.FailureType]bool{}
	for _, s := range signals {
		if s.Type == model.FailureUnknown {
			unknownRun++
		} else {
			unknownRun = 0
		}
		distinct[s.Type] = true
	}

	if unknownRun >= 2 {
		return &model.FailureSignal{
			Type:           model.FailureUnknown,
			Source:         "classification_rule",
			Message:        "applied rule: consecutive_unknown_failures",
			Evidence:       map[string]string{"rule": "consecutive_unknown_failures"},
			Severity:       model.SeverityMedium,
			CanRetry:       true,
			RequiresReplan: true,
		}
	}

	if len(distinct) > 3 {
		return &model.FailureSignal{
			Type:           model.FailureRuntime,
			Source:         "classification_rule",
			Message:        "applied rule: mixed_failure_types",
			Evidence:       map[string]string{"rule": "mixed_failure_types"},
			Severity:       model.SeverityMedium,
			CanRetry:       true,
			RequiresReplan: true,
		}
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ExtractBackoffHint looks for rate-limit headers in failure output so the
// retry controller can honor a server-provided delay instead of guessing.
func ExtractBackoffHint(logs string) (model.BackoffHint, bool) {
	if m := retryAfterRe.FindStringSubmatch(logs); m != nil {
		return model.BackoffHint{Seconds: parseSeconds(m[1]), Source: "retry_after_header"}, true
	}
	if m := rateLimitResetRe.FindStringSubmatch(logs); m != nil {
		return model.BackoffHint{Seconds: parseSeconds(m[1]), Source: "rate_limit_reset_header"}, true
	}
	return model.BackoffHint{}, false
}

var (
	retryAfterRe     = regexp.MustCompile(`(?i)retry-after:\s*(\d+)`)
	rateLimitResetRe = regexp.MustCompile(`(?i)x-ratelimit-reset:\s*(\d+)`)
)

func parseSeconds(digits string) float64 {
	var n float64
	for _, r := range digits {
		n = n*10 + float64(r-'0')
	}
	return n
}
