// prompts.go builds the prompts each session type starts from.
package orchestrator

import (
	"fmt"
	"strings"

	"github.com/foreman-dev/foreman/internal/detect"
	"github.com/foreman-dev/foreman/internal/store"
)

func (o *Orchestrator) buildPrompt(project *store.Project, sess *store.Session, resume *ResumeContext) string {
	if resume != nil && resume.Prompt != "" {
		return resume.Prompt
	}

	switch sess.Type {
	case store.TypeInitializer:
		return initializerPrompt(project.Dir)

	case store.TypeReview:
		return "Review the work done so far against the plan in the progress " +
			"notes. Flag anything incomplete, broken, or diverging from the plan. " +
			"Do not make code changes."
	}

	return fmt.Sprintf("Continue working through the plan (this is session %d). "+
		"Read the progress notes first, pick the next incomplete task, finish it, "+
		"run the tests, and update the progress notes before stopping. Each time "+
		"a task is done and its tests pass, report it on its own line exactly as:\n"+
		"TASK COMPLETE: <task title as planned>", sess.Number)
}

// initializerPrompt asks for a plan, seeded with whatever stack detection
// found so the plan names real commands instead of guessing. The closing
// message must follow the shape parsePlan understands.
func initializerPrompt(projectDir string) string {
	var b strings.Builder
	b.WriteString("Study this repository and produce an implementation plan: a short " +
		"list of epics, each broken into concrete tasks. Record the plan in the " +
		"progress notes, then restate it in your final message using exactly this " +
		"shape and stop. Do not start implementing.\n\n" +
		"## Epic: <epic title>\n" +
		"- [ ] <task>\n" +
		"- [ ] <task>")

	if !detect.HasExistingCode(projectDir) {
		b.WriteString("\n\nThe directory is empty: plan the project from scratch, " +
			"including an epic for the initial scaffolding.")
		return b.String()
	}

	stack := detect.DetectStack(projectDir)
	if stack.Empty() {
		return b.String()
	}
	fmt.Fprintf(&b, "\n\nDetected stack: %s (%s).", stack.Language, stack.PackageManager)
	if stack.TestCmd != "" {
		fmt.Fprintf(&b, " Tests run with %q.", stack.TestCmd)
	}
	if stack.BuildCmd != "" {
		fmt.Fprintf(&b, " Builds run with %q.", stack.BuildCmd)
	}
	return b.String()
}

func systemPrompt(sessionType string) string {
	var b strings.Builder
	b.WriteString("You are an autonomous engineering agent working inside a sandboxed checkout. ")
	b.WriteString("Work incrementally, keep the build green, and record progress durably. ")

	switch sessionType {
	case store.TypeInitializer:
		b.WriteString("This is the planning session: produce the plan, nothing else.")
	case store.TypeReview:
		b.WriteString("This is a review session: report findings, change nothing.")
	default:
		b.WriteString("This is a coding session: implement the next planned task end to end.")
	}
	return b.String()
}
