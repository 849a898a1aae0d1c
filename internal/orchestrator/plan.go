// plan.go turns session output into persisted planning state: the
// initializer's plan becomes epic and task rows, and coding sessions flip
// tasks to completed through an explicit marker line.
package orchestrator

import (
	"errors"
	"strings"

	"github.com/foreman-dev/foreman/internal/store"
)

// errNoPlan means the planning output contained no parseable epics or tasks.
var errNoPlan = errors.New("no epics with tasks found in planning output")

// taskCompleteMarker is the line prefix a coding session emits when it
// finishes a plan task.
const taskCompleteMarker = "TASK COMPLETE:"

// planEpic is one parsed epic with its task titles in order.
type planEpic struct {
	Title string
	Tasks []string
}

// parsePlan extracts the epic/task structure from the planning session's
// markdown output. Epics are "## Epic: Title" headings (any heading level);
// the bullets beneath a heading are its tasks. Lines outside that shape are
// ignored.
func parsePlan(output string) ([]planEpic, error) {
	var epics []planEpic
	var current *planEpic

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			// Any heading closes the open epic; only epic headings open one.
			if current != nil {
				epics = append(epics, *current)
				current = nil
			}
			if title, ok := epicHeading(trimmed); ok {
				current = &planEpic{Title: title}
			}
			continue
		}
		if current == nil {
			continue
		}
		if task, ok := taskBullet(trimmed); ok {
			current.Tasks = append(current.Tasks, task)
		}
	}
	if current != nil {
		epics = append(epics, *current)
	}

	total := 0
	for _, e := range epics {
		total += len(e.Tasks)
	}
	if len(epics) == 0 || total == 0 {
		return nil, errNoPlan
	}
	return epics, nil
}

// epicHeading matches headings of the form "## Epic: Title" or
// "### Epic 2: Title" and returns the title.
func epicHeading(line string) (string, bool) {
	if !strings.HasPrefix(line, "#") {
		return "", false
	}
	rest := strings.TrimSpace(strings.TrimLeft(line, "#"))
	if len(rest) < 4 || !strings.EqualFold(rest[:4], "epic") {
		return "", false
	}
	rest = rest[4:]
	if i := strings.Index(rest, ":"); i >= 0 {
		rest = rest[i+1:]
	}
	title := strings.TrimSpace(rest)
	if title == "" {
		return "", false
	}
	return title, true
}

// taskBullet matches "- [ ] task", "- [x] task" and plain "- task" bullets.
func taskBullet(line string) (string, bool) {
	if !strings.HasPrefix(line, "- ") && !strings.HasPrefix(line, "* ") {
		return "", false
	}
	rest := strings.TrimSpace(line[2:])
	for _, box := range []string{"[ ]", "[x]", "[X]"} {
		if strings.HasPrefix(rest, box) {
			rest = strings.TrimSpace(rest[len(box):])
			break
		}
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// persistPlan stores the parsed plan as epic and task rows in plan order.
// A project that already has epics keeps them; the fresh plan is discarded.
func (o *Orchestrator) persistPlan(project *store.Project, output string) error {
	epics, err := parsePlan(output)
	if err != nil {
		return err
	}

	existing, err := o.store.CountEpics(project.ID)
	if err != nil {
		return err
	}
	if existing > 0 {
		o.log.Warnw("project already planned, keeping the existing plan",
			"project", project.Name, "epics", existing)
		return nil
	}

	taskPos := 0
	for i, pe := range epics {
		epic, err := o.store.CreateEpic(project.ID, pe.Title, i)
		if err != nil {
			return err
		}
		for _, title := range pe.Tasks {
			if _, err := o.store.CreateTask(project.ID, epic.ID, title, taskPos); err != nil {
				return err
			}
			taskPos++
		}
	}
	o.log.Infow("plan persisted", "project", project.Name, "epics", len(epics), "tasks", taskPos)
	return nil
}

// scanTaskCompletions returns the task titles a block of session text marks
// complete, one marker line per task.
func scanTaskCompletions(text string) []string {
	var titles []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, taskCompleteMarker) {
			continue
		}
		title := strings.TrimSpace(strings.TrimPrefix(trimmed, taskCompleteMarker))
		if title != "" {
			titles = append(titles, title)
		}
	}
	return titles
}

// completeTasks flips the named tasks to completed, matching titles
// case-insensitively. Titles not in the plan are logged and skipped.
func (o *Orchestrator) completeTasks(projectID string, titles []string) {
	if len(titles) == 0 {
		return
	}
	tasks, err := o.store.ListTasks(projectID)
	if err != nil {
		o.log.Warnw("task list unavailable", "project", projectID, "error", err)
		return
	}
	byTitle := make(map[string]store.Task, len(tasks))
	for _, t := range tasks {
		byTitle[strings.ToLower(t.Title)] = t
	}

	for _, title := range titles {
		task, ok := byTitle[strings.ToLower(title)]
		if !ok {
			o.log.Warnw("completed task not in the plan", "project", projectID, "title", title)
			continue
		}
		if task.Status == store.TaskCompleted {
			continue
		}
		if err := o.store.UpdateTaskStatus(task.ID, store.TaskCompleted); err != nil {
			o.log.Warnw("task completion not persisted", "task", task.ID, "error", err)
			continue
		}
		o.log.Infow("task completed", "task", task.ID, "title", task.Title)
	}
}
