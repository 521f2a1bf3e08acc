package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/tools"
)

const createTasksSchema = `{
  "type": "object",
  "properties": {
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        },
        "required": ["title"]
      }
    }
  },
  "required": ["tasks"]
}`

const updateTaskSchema = `{
  "type": "object",
  "properties": {
    "ticket_id": {"type": "string"},
    "status": {"type": "string", "enum": ["pending", "in_progress", "completed"]}
  },
  "required": ["ticket_id", "status"]
}`

// taskTools returns the task tools of the run's current phase: planning
// creates tasks, implementation reports progress on them.
func (e *Engine) taskTools(rc *runContext) []*tools.Tool {
	switch {
	case rc.run.Mode == model.ModeReview:
		return nil
	case rc.run.Mode == model.ModePlan && !rc.writes():
		return []*tools.Tool{createTasksTool(rc), updateTaskTool(rc)}
	default:
		return []*tools.Tool{updateTaskTool(rc)}
	}
}

func createTasksTool(rc *runContext) *tools.Tool {
	return tools.New("create_tasks",
		"Record the plan as an ordered list of tasks. Calling it again replaces the list.",
		createTasksSchema,
		func(_ context.Context, raw json.RawMessage) (tools.Result, error) {
			var args struct {
				Tasks []struct {
					Title       string `json:"title"`
					Description string `json:"description"`
				} `json:"tasks"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return tools.ErrorResult("invalid arguments: %v", err), nil
			}
			tasks := make([]model.Task, len(args.Tasks))
			for i, t := range args.Tasks {
				tasks[i] = model.Task{
					TicketID:    fmt.Sprintf("T%d", i+1),
					Title:       strings.TrimSpace(t.Title),
					Description: strings.TrimSpace(t.Description),
					Status:      model.TaskPending,
				}
			}
			rc.mu.Lock()
			rc.tasks = tasks
			rc.mu.Unlock()
			rc.bridge.Emit(model.TasksEvent{Tasks: tasks})
			return tools.TextResult(fmt.Sprintf("Recorded %d tasks.\n\n%s", len(tasks), formatTasks(tasks)), tasks), nil
		})
}

func updateTaskTool(rc *runContext) *tools.Tool {
	return tools.New("update_task",
		"Set the status of a task by its ticket id.",
		updateTaskSchema,
		func(_ context.Context, raw json.RawMessage) (tools.Result, error) {
			var args struct {
				TicketID string           `json:"ticket_id"`
				Status   model.TaskStatus `json:"status"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return tools.ErrorResult("invalid arguments: %v", err), nil
			}
			if !args.Status.Valid() {
				return tools.ErrorResult("unknown status %q", args.Status), nil
			}
			rc.mu.Lock()
			found := false
			for i := range rc.tasks {
				if rc.tasks[i].TicketID == args.TicketID {
					rc.tasks[i].Status = args.Status
					found = true
				}
			}
			tasks := append([]model.Task(nil), rc.tasks...)
			rc.mu.Unlock()
			if !found {
				return tools.ErrorResult("no task %q", args.TicketID), nil
			}
			rc.bridge.Emit(model.TasksEvent{Tasks: tasks})
			return tools.TextResult(fmt.Sprintf("%s is %s.", args.TicketID, args.Status), nil), nil
		})
}
