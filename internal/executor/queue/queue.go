// Package queue implements the priority queue feeding the worker pool.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrJobExists is returned when a job for the task is already queued
	ErrJobExists = errors.New("job already exists in queue")
)

// Job is one queued unit of work: a deferred call with its arguments bound.
type Job struct {
	TaskID     string
	Priority   v1.TaskPriority
	EnqueuedAt time.Time
	Run        func()

	seq   uint64 // arrival order, breaks ties within a priority tier
	index int    // index in the heap (used by container/heap)
}

// jobHeap implements heap.Interface for the priority queue
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	// Higher priority first, then arrival order. A monotonic sequence
	// number keeps FIFO strict even for equal-instant submissions.
	if h[i].Priority.Weight() != h[j].Priority.Weight() {
		return h[i].Priority.Weight() > h[j].Priority.Weight()
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*Job)
	item.index = n
	*h = append(*h, item)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// JobQueue manages the priority queue of pending jobs
type JobQueue struct {
	mu      sync.RWMutex
	heap    jobHeap
	jobMap  map[string]*Job // for quick lookup by task ID
	maxSize int
	nextSeq uint64
}

// NewJobQueue creates a new job queue. A maxSize of 0 means unbounded.
func NewJobQueue(maxSize int) *JobQueue {
	q := &JobQueue{
		heap:    make(jobHeap, 0),
		jobMap:  make(map[string]*Job),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a job to the queue.
// Returns an error if the queue is full or the task already has a queued job.
func (q *JobQueue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobMap[job.TaskID]; exists {
		return ErrJobExists
	}

	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	job.EnqueuedAt = time.Now()
	job.seq = q.nextSeq
	q.nextSeq++

	heap.Push(&q.heap, job)
	q.jobMap[job.TaskID] = job
	return nil
}

// Dequeue removes and returns the highest priority job.
// Returns nil if the queue is empty.
func (q *JobQueue) Dequeue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}

	job := heap.Pop(&q.heap).(*Job)
	delete(q.jobMap, job.TaskID)
	return job
}

// Peek returns the highest priority job without removing it
func (q *JobQueue) Peek() *Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Remove removes a specific job from the queue
func (q *JobQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.jobMap[taskID]
	if !exists {
		return false
	}

	heap.Remove(&q.heap, job.index)
	delete(q.jobMap, taskID)
	return true
}

// Contains checks if a job for the task is in the queue
func (q *JobQueue) Contains(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.jobMap[taskID]
	return exists
}

// Len returns the number of jobs in the queue
func (q *JobQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// IsFull returns true if the queue is at max capacity
func (q *JobQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns all queued jobs (for status reporting)
func (q *JobQueue) List() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*Job, len(q.heap))
	copy(result, q.heap)
	return result
}

// Clear removes all jobs from the queue
func (q *JobQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = make(jobHeap, 0)
	q.jobMap = make(map[string]*Job)
	heap.Init(&q.heap)
}
