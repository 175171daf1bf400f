package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/warrenhq/warren/internal/store"
)

var (
	taskPersona string
	taskType    string
	taskPost    string
	taskParent  string
	taskBoard   string
	taskSource  string
	taskIdemKey string
	taskRetries int
	taskLimit   int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create or inspect queue tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Enqueue a task directly, bypassing dispatch",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List tasks, optionally filtered by status",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a task and its transition history",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

func init() {
	taskAddCmd.Flags().StringVar(&taskPersona, "persona", "", "Persona ID (required)")
	taskAddCmd.Flags().StringVar(&taskType, "type", string(store.TaskReply), "Task type")
	taskAddCmd.Flags().StringVar(&taskPost, "post", "", "Target post ID")
	taskAddCmd.Flags().StringVar(&taskParent, "parent", "", "Parent comment ID")
	taskAddCmd.Flags().StringVar(&taskBoard, "board", "", "Board ID")
	taskAddCmd.Flags().StringVar(&taskSource, "source", "", "Source text to reply to")
	taskAddCmd.Flags().StringVar(&taskIdemKey, "idempotency-key", "", "Idempotency key (generated when omitted)")
	taskAddCmd.Flags().IntVar(&taskRetries, "max-retries", 3, "Retry budget")
	taskAddCmd.MarkFlagRequired("persona")

	taskListCmd.Flags().IntVar(&taskLimit, "limit", 50, "Maximum rows")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	s, _, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	key := taskIdemKey
	if key == "" {
		key = "manual:" + uuid.NewString()
	}
	payload := store.Payload{store.PayloadIdempotencyKey: key}
	if taskPost != "" {
		payload[store.PayloadPostID] = taskPost
	}
	if taskParent != "" {
		payload[store.PayloadParentCommentID] = taskParent
	}
	if taskBoard != "" {
		payload[store.PayloadBoardID] = taskBoard
	}
	if taskSource != "" {
		payload[store.PayloadSourceText] = taskSource
	}

	task := &store.Task{
		PersonaID:  taskPersona,
		TaskType:   store.TaskType(taskType),
		Payload:    payload,
		MaxRetries: taskRetries,
	}
	if err := s.CreateTask(task); err != nil {
		return err
	}
	fmt.Printf("Created task %s [%s] for persona %s\n", task.ID, task.TaskType, task.PersonaID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	s, _, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	var status store.TaskStatus
	if len(args) > 0 {
		status = store.TaskStatus(args[0])
	}
	tasks, err := s.ListTasks(status, taskLimit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}
	for _, t := range tasks {
		line := fmt.Sprintf("%s  %-9s  %-6s  %s", t.ID, t.Status, t.TaskType, t.PersonaID)
		if t.ErrorMessage != "" {
			line += "  (" + t.ErrorMessage + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	s, _, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	task, err := s.GetTask(args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(task); err != nil {
		return err
	}

	events, err := s.ListTaskEvents(task.ID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("%s  %s -> %s", ev.OccurredAt.Format(time.RFC3339), ev.FromStatus, ev.ToStatus)
		if ev.ReasonCode != "" {
			fmt.Printf("  [%s]", ev.ReasonCode)
		}
		if ev.WorkerID != "" {
			fmt.Printf("  by %s", ev.WorkerID)
		}
		fmt.Println()
	}
	return nil
}
