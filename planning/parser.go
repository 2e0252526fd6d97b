package planning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// Parser decodes plan markdown into a ParsedPlan. Two dialects are
// recognized: simple numbered steps and phase-based plans. When both match,
// phase-based wins.
type Parser struct {
	logger core.Logger

	// now is injectable so plan ids are reproducible in tests.
	now func() time.Time
}

// NewParser creates a plan parser. A nil logger defaults to NoOp.
func NewParser(logger core.Logger) *Parser {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Parser{logger: logger, now: time.Now}
}

var (
	planTitlePattern   = regexp.MustCompile(`^#\s+Plan:\s*(.+)$`)
	titlePattern       = regexp.MustCompile(`^#\s+(.+)$`)
	stepsHeaderPattern = regexp.MustCompile(`^##\s+(Steps|Implementation)\s*$`)
	numberedPattern    = regexp.MustCompile(`^(\d+)\.\s+(.+)$`)
	phasePattern       = regexp.MustCompile(`^##\s+Phase\s+(\d+):\s*(.+)$`)
	subsectionPattern  = regexp.MustCompile(`^###\s+(\d+)\.(\d+)\s+(.+)$`)
	inferredFilePat    = regexp.MustCompile("[`/]([A-Za-z0-9_\\-./]+\\.[A-Za-z]+)")
)

// Parse decodes a UTF-8 plan document. It fails with a parse error on an
// empty body, a missing title line, or zero discovered steps.
func (p *Parser) Parse(content string) (*ParsedPlan, error) {
	if strings.TrimSpace(content) == "" {
		return nil, core.NewParseError("plan document is empty")
	}

	lines := strings.Split(content, "\n")

	format, ok := detectFormat(lines)
	if !ok {
		return nil, core.NewParseError("document matches no recognized plan dialect")
	}

	title, overview := extractTitle(lines)
	if title == "" {
		return nil, core.NewParseError("plan has no recognizable title line")
	}

	var steps []ParsedStep
	if format == FormatPhaseBased {
		steps = p.parsePhaseSteps(lines)
	} else {
		steps = p.parseSimpleSteps(lines)
	}
	if len(steps) == 0 {
		return nil, core.NewParseError("no steps discovered in plan")
	}

	for i := range steps {
		finalizeStep(&steps[i])
	}

	plan := &ParsedPlan{
		PlanID:     p.planID(content),
		Title:      title,
		Overview:   overview,
		FormatType: format,
		Steps:      steps,
	}

	p.logger.Info("Plan parsed", map[string]interface{}{
		"plan_id": plan.PlanID,
		"format":  string(format),
		"steps":   len(steps),
	})

	return plan, nil
}

// planID derives a deterministic 12-hex-digit id from the parse timestamp
// and the first 100 characters of the document.
func (p *Parser) planID(content string) string {
	head := content
	if len(head) > 100 {
		head = head[:100]
	}
	sum := sha256.Sum256([]byte(p.now().UTC().Format(time.RFC3339) + head))
	return hex.EncodeToString(sum[:])[:12]
}

// detectFormat applies the structural signals. Phase-based requires phase
// sections with N.M subsections; simple requires a "# Plan:" title or a
// Steps/Implementation section with numbered items.
func detectFormat(lines []string) (PlanFormat, bool) {
	hasPhase := false
	hasSubsection := false
	hasPlanTitle := false
	inStepsSection := false
	hasNumberedStep := false

	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		switch {
		case phasePattern.MatchString(line):
			hasPhase = true
			inStepsSection = false
		case subsectionPattern.MatchString(line):
			hasSubsection = true
		case planTitlePattern.MatchString(line):
			hasPlanTitle = true
		case stepsHeaderPattern.MatchString(line):
			inStepsSection = true
		case strings.HasPrefix(line, "## "):
			inStepsSection = false
		case inStepsSection && numberedPattern.MatchString(strings.TrimSpace(line)):
			hasNumberedStep = true
		}
	}

	if hasPhase && hasSubsection {
		return FormatPhaseBased, true
	}
	if hasPlanTitle || hasNumberedStep {
		return FormatSimpleSteps, true
	}
	return "", false
}

// extractTitle returns the document title and the overview text between the
// title and the first section header.
func extractTitle(lines []string) (string, string) {
	title := ""
	titleIdx := -1
	for i, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		if m := planTitlePattern.FindStringSubmatch(line); m != nil {
			title = strings.TrimSpace(m[1])
			titleIdx = i
			break
		}
		if m := titlePattern.FindStringSubmatch(line); m != nil {
			title = strings.TrimSpace(m[1])
			titleIdx = i
			break
		}
	}
	if titleIdx < 0 {
		return "", ""
	}

	var overview []string
	for _, raw := range lines[titleIdx+1:] {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "#") {
			break
		}
		if line != "" {
			overview = append(overview, line)
		}
	}
	return title, strings.Join(overview, "\n")
}

// parseSimpleSteps extracts numbered items anywhere in the document as steps.
func (p *Parser) parseSimpleSteps(lines []string) []ParsedStep {
	var steps []ParsedStep
	var current *ParsedStep

	flush := func() {
		if current != nil {
			steps = append(steps, *current)
			current = nil
		}
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)

		if m := numberedPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = &ParsedStep{
				ID:    fmt.Sprintf("step-%d", len(steps)+1),
				Title: strings.TrimSpace(m[2]),
			}
			continue
		}
		if current == nil {
			continue
		}
		if strings.HasPrefix(line, "## ") || strings.HasPrefix(line, "# ") {
			flush()
			continue
		}
		applyStepLine(current, line)
	}
	flush()
	return steps
}

// parsePhaseSteps extracts ### N.M subsections under ## Phase N: sections.
func (p *Parser) parsePhaseSteps(lines []string) []ParsedStep {
	var steps []ParsedStep
	var current *ParsedStep
	currentPhase := ""

	flush := func() {
		if current != nil {
			steps = append(steps, *current)
			current = nil
		}
	}

	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t")

		if m := phasePattern.FindStringSubmatch(line); m != nil {
			flush()
			currentPhase = strings.TrimSpace(m[2])
			continue
		}
		if m := subsectionPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = &ParsedStep{
				ID:    fmt.Sprintf("step-%d", len(steps)+1),
				Title: strings.TrimSpace(m[3]),
				Phase: currentPhase,
			}
			continue
		}
		if current == nil {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") || strings.HasPrefix(trimmed, "# ") {
			flush()
			continue
		}
		applyStepLine(current, trimmed)
	}
	flush()
	return steps
}

// applyStepLine folds one body line into the step, recognizing the
// case-sensitive metadata prefixes.
func applyStepLine(step *ParsedStep, line string) {
	switch {
	case line == "":
		return
	case strings.HasPrefix(line, "Files to create:"):
		step.Files = append(step.Files, splitList(strings.TrimPrefix(line, "Files to create:"))...)
	case strings.HasPrefix(line, "Files:"):
		step.Files = append(step.Files, splitList(strings.TrimPrefix(line, "Files:"))...)
	case strings.HasPrefix(line, "Dependencies:"):
		step.Dependencies = append(step.Dependencies, splitList(strings.TrimPrefix(line, "Dependencies:"))...)
	case strings.HasPrefix(line, "Depends:"):
		step.Dependencies = append(step.Dependencies, splitList(strings.TrimPrefix(line, "Depends:"))...)
	case strings.HasPrefix(line, "Tags:"):
		for _, tag := range splitList(strings.TrimPrefix(line, "Tags:")) {
			step.Tags = append(step.Tags, strings.ToLower(tag))
		}
	case strings.HasPrefix(line, "Create: "):
		if path := strings.TrimSpace(strings.TrimPrefix(line, "Create: ")); path != "" {
			step.Files = append(step.Files, path)
		}
	case strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* "):
		appendDescription(step, strings.TrimSpace(line[2:]))
	default:
		appendDescription(step, line)
	}
}

func appendDescription(step *ParsedStep, text string) {
	if text == "" {
		return
	}
	if step.Description == "" {
		step.Description = text
		return
	}
	step.Description += "\n" + text
}

// finalizeStep infers files from the description when none were declared and
// computes the parallelizable flag.
func finalizeStep(step *ParsedStep) {
	if len(step.Files) == 0 && step.Description != "" {
		seen := make(map[string]bool)
		for _, m := range inferredFilePat.FindAllStringSubmatch(step.Description, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				step.Files = append(step.Files, m[1])
			}
		}
	}
	step.Parallelizable = len(step.Dependencies) == 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
