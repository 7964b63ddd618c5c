package executor

import (
	"sort"
	"sync"
	"time"
)

// RunningSet tracks the task ids that currently have a run in flight
type RunningSet struct {
	tasks sync.Map
}

// NewRunningSet creates an empty RunningSet
func NewRunningSet() *RunningSet {
	return &RunningSet{}
}

// TryAdd marks id as running. It returns false when id already was.
func (s *RunningSet) TryAdd(id int64) bool {
	_, loaded := s.tasks.LoadOrStore(id, time.Now())
	return !loaded
}

// Remove clears id
func (s *RunningSet) Remove(id int64) {
	s.tasks.Delete(id)
}

// Contains reports whether id is running
func (s *RunningSet) Contains(id int64) bool {
	_, ok := s.tasks.Load(id)
	return ok
}

// Since returns when the run of id started
func (s *RunningSet) Since(id int64) (time.Time, bool) {
	v, ok := s.tasks.Load(id)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// IDs returns the running task ids in ascending order
func (s *RunningSet) IDs() []int64 {
	var ids []int64
	s.tasks.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(int64))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of running tasks
func (s *RunningSet) Len() int {
	n := 0
	s.tasks.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
