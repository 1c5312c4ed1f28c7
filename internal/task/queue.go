package task

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/kelden/warden/pkg/types"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity
var ErrQueueFull = errors.New("task queue is at capacity")

// Queue is a bounded priority queue with FIFO ordering among equal
// priorities and a front lane for interrupted work. Lower numeric
// priority dequeues first; front-lane tasks dequeue before any heap
// task regardless of priority, FIFO among themselves.
type Queue struct {
	mu       sync.Mutex
	capacity int
	front    []*types.Task
	pq       priorityQueue
	seq      uint64
	notEmpty chan struct{}
}

// NewQueue creates a queue holding at most capacity tasks
func NewQueue(capacity int) *Queue {
	q := &Queue{
		capacity: capacity,
		pq:       make(priorityQueue, 0),
		notEmpty: make(chan struct{}, 1),
	}
	heap.Init(&q.pq)
	return q
}

// Enqueue adds a task at the tail. Only external admission is bounded;
// internal requeues use Requeue or EnqueueFront and always succeed.
func (q *Queue) Enqueue(task *types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size() >= q.capacity {
		return ErrQueueFull
	}

	q.push(task)
	return nil
}

// Requeue adds a retried task at the tail, bypassing the capacity bound
func (q *Queue) Requeue(task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(task)
}

// EnqueueFront adds an interrupted task to the front lane
func (q *Queue) EnqueueFront(task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.front = append(q.front, task)
	q.signalNotEmpty()
}

// Dequeue returns the next task, or nil when the queue is empty
func (q *Queue) Dequeue() *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.front) > 0 {
		task := q.front[0]
		q.front[0] = nil
		q.front = q.front[1:]
		return task
	}

	if q.pq.Len() == 0 {
		return nil
	}

	item := heap.Pop(&q.pq).(*queueItem)
	return item.task
}

// Len returns the number of queued tasks, front lane included
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Cap returns the admission capacity
func (q *Queue) Cap() int {
	return q.capacity
}

// FrontLen returns the number of interrupted tasks waiting in the front lane
func (q *Queue) FrontLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.front)
}

// NotEmpty returns a signal channel that receives after an enqueue.
// The signal is coalesced; consumers must drain the queue, not count.
func (q *Queue) NotEmpty() <-chan struct{} {
	return q.notEmpty
}

func (q *Queue) size() int {
	return len(q.front) + q.pq.Len()
}

func (q *Queue) push(task *types.Task) {
	q.seq++
	heap.Push(&q.pq, &queueItem{task: task, priority: task.Priority, seq: q.seq})
	q.signalNotEmpty()
}

func (q *Queue) signalNotEmpty() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// queueItem wraps a task with its priority and arrival order for the heap
type queueItem struct {
	task     *types.Task
	priority int
	seq      uint64
	index    int
}

// priorityQueue implements heap.Interface
type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	// Lower priority value first; earlier arrival breaks ties
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*queueItem)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}
