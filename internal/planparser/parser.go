// Package planparser turns free-text or section-structured spec input into
// a model.TaskGraph the graph store can persist and the orchestrator can
// execute. It never emits a graph with a cycle: ParseStructured and
// ParseFreeText both run cycle detection as a final guard.
package planparser

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/forgebase/orchestrator/internal/apierr"
	"github.com/forgebase/orchestrator/internal/graph"
	"github.com/forgebase/orchestrator/internal/model"
)

// conceptMappings maps a lowercase section-header keyword to the task type
// that section's content should expand into.
var conceptMappings = []struct {
	keyword  string
	taskType model.TaskType
}{
	{"repo skeleton", model.TaskSetupRepo},
	{"directory structure", model.TaskCreateDirectory},
	{"folder structure", model.TaskCreateDirectory},
	{"spec", model.TaskCreateSchema},
	{"schema", model.TaskCreateSchema},
	{"validation", model.TaskCreateSchema},
	{"generator", model.TaskGenerateModule},
	{"generators", model.TaskGenerateModule},
	{"module", model.TaskGenerateModule},
	{"component", model.TaskGenerateModule},
	{"acceptance criteria", model.TaskRunAcceptance},
	{"acceptance", model.TaskRunAcceptance},
	{"criteria", model.TaskRunAcceptance},
}

var sectionHeaderRe = regexp.MustCompile(`(?im)^\s*(repo skeleton|directory structure|folder structure|spec|schema|validation|generators?|components?|acceptance criteria|acceptance|criteria|roadmap)\s*:?\s*$`)

var (
	dirPatternRe    = regexp.MustCompile(`(?i)(?:create|add|setup)\s+(?:directory|folder|package)\s+([^\s]+)`)
	pathLikeRe      = regexp.MustCompile(`\b([a-zA-Z_][a-zA-Z0-9_]*/[a-zA-Z_][a-zA-Z0-9_/]*)\b`)
	fileExtRe       = regexp.MustCompile(`\b([a-zA-Z_][a-zA-Z0-9_]*\.[a-zA-Z0-9]+)\b`)
	schemaNameRe    = regexp.MustCompile(`(?i)(?:schema|spec|zod)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	generatorNameRe = regexp.MustCompile(`(?i)(?:generator|module|component)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	criterionRe     = regexp.MustCompile(`(?i)(?:test|assert|verify|should|must)\s+([^.\n]+)`)
)

// criterionTaskID derives a stable, short task ID for an acceptance
// criterion so the same criterion text always maps to the same node across
// replans.
func criterionTaskID(criterion string) string {
	sum := sha256.Sum256([]byte(criterion))
	return "test_" + hex.EncodeToString(sum[:4])
}

// ParseFreeText parses unstructured prose with no recognizable section
// headers. It falls through repo-skeleton-style heuristics and, failing
// those, emits a single create_file fallback node so a plan is never empty.
func ParseFreeText(content string) (model.TaskGraph, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return model.TaskGraph{}, apierr.InvalidInputf("spec content is empty")
	}

	var nodes []model.TaskNode
	lower := strings.ToLower(trimmed)

	if strings.Contains(lower, "create") && (strings.Contains(lower, "directory") || strings.Contains(trimmed, "/")) {
		if m := pathLikeRe.FindStringSubmatch(trimmed); m != nil {
			nodes = append(nodes, model.TaskNode{
				TaskID:    "create_dir_" + sanitizeID(m[1]),
				TaskType:  model.TaskCreateDirectory,
				Directory: m[1],
				Metadata:  map[string]string{"source": "freeform"},
			})
		}
	}

	if strings.Contains(lower, "create") && (strings.Contains(lower, "file") || strings.Contains(trimmed, ".")) {
		if m := fileExtRe.FindStringSubmatch(trimmed); m != nil {
			nodes = append(nodes, model.TaskNode{
				TaskID:   "create_file_" + sanitizeID(m[1]),
				TaskType: model.TaskCreateFile,
				File:     m[1],
				Content:  "// TODO: implement based on spec",
				Metadata: map[string]string{"source": "freeform"},
			})
		}
	}

	if len(nodes) == 0 {
		nodes = append(nodes, model.TaskNode{
			TaskID:   "simple_task",
			TaskType: model.TaskCreateFile,
			File:     "NOTES.md",
			Content:  trimmed,
			Metadata: map[string]string{"source": "freeform_fallback"},
		})
	}

	g := model.TaskGraph{Nodes: nodes, Metadata: map[string]string{"source": "freeform"}}
	return finalize(g)
}

// ParseStructured parses content containing case-insensitive section
// headers (Repo Skeleton, Spec, Generators, Acceptance Criteria, Roadmap)
// and expands each section's body into task nodes.
func ParseStructured(content string) (model.TaskGraph, error) {
	sections := extractSections(content)
	if len(sections) == 0 {
		return ParseFreeText(content)
	}

	var nodes []model.TaskNode
	var seenSections []string
	for _, s := range sections {
		seenSections = append(seenSections, s.name)
		nodes = append(nodes, parseSection(s.name, s.body)...)
	}

	if len(nodes) == 0 {
		return ParseFreeText(content)
	}

	g := model.TaskGraph{Nodes: nodes, Metadata: map[string]string{
		"source":   "structured",
		"sections": strings.Join(seenSections, ","),
	}}
	return finalize(g)
}

// ParseDomainSpec parses input carrying domain-specific patterns the caller
// already knows how to map (e.g. a guided-mode form submission serialized
// into a small pattern library). Unrecognized input falls back to a single
// create_file node rather than an empty graph.
func ParseDomainSpec(patterns map[string]model.TaskNode, content string) (model.TaskGraph, error) {
	var nodes []model.TaskNode
	lower := strings.ToLower(content)
	for key, node := range patterns {
		if strings.Contains(lower, strings.ToLower(key)) {
			nodes = append(nodes, node)
		}
	}
	if len(nodes) == 0 {
		nodes = append(nodes, model.TaskNode{
			TaskID:   "create_file_fallback",
			TaskType: model.TaskCreateFile,
			File:     "NOTES.md",
			Content:  content,
			Metadata: map[string]string{"source": "domain_spec_fallback"},
		})
	}
	g := model.TaskGraph{Nodes: nodes, Metadata: map[string]string{"source": "domain_spec"}}
	return finalize(g)
}

type section struct {
	name string
	body string
}

// extractSections splits content on recognized section-header lines,
// case-insensitively, assigning everything up to the next header (or EOF)
// to the preceding header's body.
func extractSections(content string) []section {
	matches := sectionHeaderRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil
	}

	var sections []section
	for i, m := range matches {
		name := strings.ToLower(strings.TrimSpace(content[m[2]:m[3]]))
		bodyStart := m[1]
		bodyEnd := len(content)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		sections = append(sections, section{name: name, body: strings.TrimSpace(content[bodyStart:bodyEnd])})
	}
	return sections
}

func mapConceptToTaskType(name string) model.TaskType {
	lower := strings.ToLower(name)
	for _, m := range conceptMappings {
		if strings.Contains(lower, m.keyword) {
			return m.taskType
		}
	}
	return model.TaskCreateFile
}

func parseSection(name, body string) []model.TaskNode {
	switch mapConceptToTaskType(name) {
	case model.TaskSetupRepo, model.TaskCreateDirectory:
		return parseRepoSkeleton(body)
	case model.TaskCreateSchema:
		return parseSpecSection(body)
	case model.TaskGenerateModule:
		return parseGeneratorsSection(body)
	case model.TaskRunAcceptance:
		return parseAcceptanceSection(body)
	default:
		return nil
	}
}

func parseRepoSkeleton(content string) []model.TaskNode {
	var nodes []model.TaskNode
	seen := map[string]bool{}

	for _, m := range dirPatternRe.FindAllStringSubmatch(content, -1) {
		dir := strings.Trim(m[1], "/")
		if dir == "" || seen["dir:"+dir] {
			continue
		}
		seen["dir:"+dir] = true
		nodes = append(nodes, model.TaskNode{
			TaskID:    "create_dir_" + sanitizeID(dir),
			TaskType:  model.TaskCreateDirectory,
			Directory: dir,
			Metadata:  map[string]string{"source": "repo_skeleton"},
		})
	}

	for _, m := range fileExtRe.FindAllStringSubmatch(content, -1) {
		file := m[1]
		if seen["file:"+file] {
			continue
		}
		seen["file:"+file] = true
		nodes = append(nodes, model.TaskNode{
			TaskID:   "create_file_" + sanitizeID(file),
			TaskType: model.TaskCreateFile,
			File:     file,
			Content:  "// TODO: implement based on plan",
			Metadata: map[string]string{"source": "repo_skeleton"},
		})
	}
	return nodes
}

func parseSpecSection(content string) []model.TaskNode {
	var nodes []model.TaskNode
	seen := map[string]bool{}
	for _, m := range schemaNameRe.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		nodes = append(nodes, model.TaskNode{
			TaskID:   "create_schema_" + sanitizeID(name),
			TaskType: model.TaskCreateSchema,
			File:     "internal/schema/" + name + ".go",
			Content:  "// " + name + " schema definition\n// TODO: implement based on plan",
			Metadata: map[string]string{"schema_name": name, "source": "spec"},
		})
	}
	return nodes
}

func parseGeneratorsSection(content string) []model.TaskNode {
	var nodes []model.TaskNode
	seen := map[string]bool{}
	for _, m := range generatorNameRe.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		nodes = append(nodes, model.TaskNode{
			TaskID:   "generate_module_" + sanitizeID(name),
			TaskType: model.TaskGenerateModule,
			File:     "internal/" + name + "/" + name + ".go",
			Content:  "// " + name + " module\n// TODO: implement based on plan",
			Metadata: map[string]string{"module_name": name, "source": "generators"},
		})
	}
	return nodes
}

func parseAcceptanceSection(content string) []model.TaskNode {
	var nodes []model.TaskNode
	seen := map[string]bool{}
	for _, m := range criterionRe.FindAllStringSubmatch(content, -1) {
		criterion := strings.TrimSpace(m[1])
		if criterion == "" || seen[criterion] {
			continue
		}
		seen[criterion] = true
		nodes = append(nodes, model.TaskNode{
			TaskID:             criterionTaskID(criterion),
			TaskType:           model.TaskRunAcceptance,
			File:               "acceptance_test.go",
			Content:            "// acceptance: " + criterion,
			AcceptanceCriteria: criterion,
			Metadata:           map[string]string{"source": "acceptance"},
		})
	}
	return nodes
}

func sanitizeID(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ".", "_")
	return s
}

// finalize runs cycle detection over the assembled graph before handing it
// back to the caller. A cyclic graph is a hard failure, never a silently
// truncated or empty one.
func finalize(g model.TaskGraph) (model.TaskGraph, error) {
	if id, ok := graph.DetectCycle(g); ok {
		return model.TaskGraph{}, apierr.Conflictf("parsed plan has a dependency cycle through task %q", id)
	}
	return g, nil
}
