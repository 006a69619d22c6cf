package queue

import "errors"

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned when a memory queue has no room left
	ErrQueueFull = errors.New("queue is full")

	// ErrItemNotFound is returned when a dead letter item is not found
	ErrItemNotFound = errors.New("item not found")
)
