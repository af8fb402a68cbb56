package task

import "errors"

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrDuplicateTask = errors.New("task id already exists")
	ErrQueueClosed   = errors.New("task queue is closed")
	ErrQueueFull     = errors.New("task queue is full")
)
