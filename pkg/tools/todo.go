package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Conventional todo statuses. UpdateTodo accepts any string; these are what
// the tool descriptions advertise.
const (
	TodoPending    = "PENDING"
	TodoInProgress = "IN_PROGRESS"
	TodoCompleted  = "COMPLETED"
	TodoCancelled  = "CANCELLED"
)

type TodoItem struct {
	ID          string    `json:"id"`
	Description string    `json:"short_task_description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TodoStore persists one session's todo list as a JSON file under the todos
// store directory.
type TodoStore struct {
	mu   sync.Mutex
	path string
}

func NewTodoStore(dir, sessionID string) *TodoStore {
	return &TodoStore{path: filepath.Join(dir, sessionID+".json")}
}

func (s *TodoStore) load() ([]TodoItem, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read todos: %w", err)
	}

	var items []TodoItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse todos: %w", err)
	}
	return items, nil
}

func (s *TodoStore) save(items []TodoItem) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create todos directory: %w", err)
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal todos: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write todos: %w", err)
	}
	return nil
}

// Add appends a new PENDING item and returns it.
func (s *TodoStore) Add(description string) (TodoItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return TodoItem{}, err
	}

	now := time.Now().UTC()
	item := TodoItem{
		ID:          nextTodoID(items),
		Description: description,
		Status:      TodoPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	items = append(items, item)
	if err := s.save(items); err != nil {
		return TodoItem{}, err
	}
	return item, nil
}

// Update transitions an item's status. Returns the previous status.
func (s *TodoStore) Update(id, newStatus string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return "", err
	}

	for i := range items {
		if items[i].ID == id {
			previous := items[i].Status
			items[i].Status = newStatus
			items[i].UpdatedAt = time.Now().UTC()
			if err := s.save(items); err != nil {
				return "", err
			}
			return previous, nil
		}
	}
	return "", fmt.Errorf("no todo with id %q", id)
}

func (s *TodoStore) List() ([]TodoItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// nextTodoID picks the next sequential id (todo_1, todo_2, ...).
func nextTodoID(items []TodoItem) string {
	max := 0
	for _, item := range items {
		if n, err := strconv.Atoi(strings.TrimPrefix(item.ID, "todo_")); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("todo_%d", max+1)
}

type AddTodoTool struct {
	store *TodoStore
}

func NewAddTodoTool(store *TodoStore) *AddTodoTool {
	return &AddTodoTool{store: store}
}

func (t *AddTodoTool) GetName() string        { return "AddTodo" }
func (t *AddTodoTool) GetDescription() string { return "Add a task to the session todo list" }

func (t *AddTodoTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "AddTodo",
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{
				Name:        "task_description",
				Type:        "string",
				Description: "Short description of the task",
				Required:    true,
			},
		},
	}
}

func (t *AddTodoTool) Execute(ctx context.Context, args map[string]interface{}) (Result, error) {
	description, ok := args["task_description"].(string)
	if !ok || strings.TrimSpace(description) == "" {
		return Result{Content: "Error: 'task_description' is required", IsError: true}, nil
	}

	item, err := t.store.Add(description)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	return Result{Content: fmt.Sprintf("Added todo %s with status %s: %s", item.ID, item.Status, item.Description)}, nil
}

type UpdateTodoTool struct {
	store *TodoStore
}

func NewUpdateTodoTool(store *TodoStore) *UpdateTodoTool {
	return &UpdateTodoTool{store: store}
}

func (t *UpdateTodoTool) GetName() string        { return "UpdateTodo" }
func (t *UpdateTodoTool) GetDescription() string { return "Update the status of a todo item" }

func (t *UpdateTodoTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "UpdateTodo",
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{
				Name:        "todo_id",
				Type:        "string",
				Description: "Id of the todo to update",
				Required:    true,
			},
			{
				Name:        "new_status",
				Type:        "string",
				Description: "New status (PENDING, IN_PROGRESS, COMPLETED or CANCELLED)",
				Required:    true,
			},
		},
	}
}

func (t *UpdateTodoTool) Execute(ctx context.Context, args map[string]interface{}) (Result, error) {
	id, ok := args["todo_id"].(string)
	if !ok || id == "" {
		return Result{Content: "Error: 'todo_id' is required", IsError: true}, nil
	}
	newStatus, ok := args["new_status"].(string)
	if !ok || newStatus == "" {
		return Result{Content: "Error: 'new_status' is required", IsError: true}, nil
	}

	previous, err := t.store.Update(id, newStatus)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	return Result{Content: fmt.Sprintf("Updated %s: %s -> %s", id, previous, newStatus)}, nil
}

type ShowTodosTool struct {
	store *TodoStore
}

func NewShowTodosTool(store *TodoStore) *ShowTodosTool {
	return &ShowTodosTool{store: store}
}

func (t *ShowTodosTool) GetName() string        { return "ShowTodos" }
func (t *ShowTodosTool) GetDescription() string { return "List the session todo items" }

func (t *ShowTodosTool) GetInfo() ToolInfo {
	return ToolInfo{Name: "ShowTodos", Description: t.GetDescription()}
}

func (t *ShowTodosTool) Execute(ctx context.Context, args map[string]interface{}) (Result, error) {
	items, err := t.store.List()
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	if len(items) == 0 {
		return Result{Content: "No todos"}, nil
	}

	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

	var sb strings.Builder
	for _, item := range items {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", item.Status, item.ID, item.Description)
	}
	sb.WriteString("\n")

	dump, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	sb.Write(dump)

	return Result{Content: sb.String()}, nil
}
