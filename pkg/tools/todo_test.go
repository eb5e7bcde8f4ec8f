package tools

import (
	"context"
	"strings"
	"testing"
)

func TestTodoStore_AddUpdateList(t *testing.T) {
	store := NewTodoStore(t.TempDir(), "sess_test")

	first, err := store.Add("write the parser")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if first.ID != "todo_1" {
		t.Errorf("ID = %q", first.ID)
	}
	if first.Status != TodoPending {
		t.Errorf("Status = %q", first.Status)
	}

	second, err := store.Add("wire the registry")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if second.ID != "todo_2" {
		t.Errorf("ID = %q", second.ID)
	}

	previous, err := store.Update("todo_1", TodoInProgress)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if previous != TodoPending {
		t.Errorf("previous = %q", previous)
	}

	if _, err := store.Update("todo_99", TodoCompleted); err == nil {
		t.Error("expected error for unknown id")
	}

	items, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d", len(items))
	}
	if items[0].Status != TodoInProgress {
		t.Errorf("items[0].Status = %q", items[0].Status)
	}
}

func TestAddTodoTool(t *testing.T) {
	store := NewTodoStore(t.TempDir(), "sess_test")
	tool := NewAddTodoTool(store)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"task_description": "refactor the loop",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	if !strings.Contains(result.Content, "todo_1") || !strings.Contains(result.Content, TodoPending) {
		t.Errorf("Content = %q", result.Content)
	}

	result, err = tool.Execute(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("expected error for missing description")
	}
}

func TestUpdateTodoTool(t *testing.T) {
	store := NewTodoStore(t.TempDir(), "sess_test")
	if _, err := store.Add("task"); err != nil {
		t.Fatal(err)
	}

	tool := NewUpdateTodoTool(store)
	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"todo_id":    "todo_1",
		"new_status": TodoCompleted,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	if !strings.Contains(result.Content, "PENDING -> COMPLETED") {
		t.Errorf("Content = %q", result.Content)
	}

	result, err = tool.Execute(context.Background(), map[string]interface{}{
		"todo_id":    "todo_9",
		"new_status": TodoCompleted,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("expected error for unknown id")
	}
}

func TestShowTodosTool(t *testing.T) {
	store := NewTodoStore(t.TempDir(), "sess_test")
	tool := NewShowTodosTool(store)

	result, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Content != "No todos" {
		t.Errorf("Content = %q", result.Content)
	}

	if _, err := store.Add("first"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Add("second"); err != nil {
		t.Fatal(err)
	}

	result, err = tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(result.Content, "[PENDING] todo_1: first") {
		t.Errorf("Content missing enumeration: %q", result.Content)
	}
	// The raw JSON dump follows the listing.
	if !strings.Contains(result.Content, `"id": "todo_1"`) {
		t.Errorf("Content missing JSON dump: %q", result.Content)
	}
}
