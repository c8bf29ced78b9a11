package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

// JobIDLength is the size of a deferred-job ticket:
// A####-P####-O####-S####-T####-O####-L#### with # a lowercase hex digit.
// Session tokens are 40 characters; the two namespaces never collide.
const JobIDLength = 41

var jobIDLiterals = map[int]byte{
	0: 'A', 6: 'P', 12: 'O', 18: 'S', 24: 'T', 30: 'O', 36: 'L',
	5: '-', 11: '-', 17: '-', 23: '-', 29: '-', 35: '-',
}

// NewJobID generates a fresh job ticket.
func NewJobID() string {
	buf := make([]byte, JobIDLength/2+1)
	rand.Read(buf)

	id := []byte(hex.EncodeToString(buf))[:JobIDLength]
	for pos, ch := range jobIDLiterals {
		id[pos] = ch
	}
	return string(id)
}

// ValidJobID reports whether s matches the job ticket format exactly.
func ValidJobID(s string) bool {
	if len(s) != JobIDLength {
		return false
	}
	for i := 0; i < JobIDLength; i++ {
		if want, fixed := jobIDLiterals[i]; fixed {
			if s[i] != want {
				return false
			}
			continue
		}
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Job buffers the reply of a deferred v2 query until a later GET drains it.
type Job struct {
	ID        string
	Reply     *Reply
	CreatedAt time.Time
}

// JobRegistry is the process-wide job table. All access is serialized by a
// single mutex (the dispatcher and the engine callbacks run on different
// goroutines).
type JobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[string]*Job)}
}

// Create registers a new job and returns its ticket.
func (r *JobRegistry) Create() *Job {
	job := &Job{ID: NewJobID(), CreatedAt: time.Now()}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return job
}

// Deposit stores the reply for the job, if it still exists. It reports
// whether the job was found; a drained or unknown job discards the result.
func (r *JobRegistry) Deposit(id string, reply *Reply) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false
	}
	job.Reply = reply
	return true
}

// Drain returns the job's buffered reply. The job is deleted only when the
// drain hands out a 200: a pending job returns (nil, true), and a job whose
// reply carries any other status stays registered so a polling client can
// tell "no content yet" apart from "gone".
func (r *JobRegistry) Drain(id string) (*Reply, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	if job.Reply == nil {
		return nil, true
	}
	if job.Reply.Status == http.StatusOK {
		delete(r.jobs, id)
	}
	return job.Reply, true
}

// Remove discards a job whose query was never accepted.
func (r *JobRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

// Len reports the number of registered jobs.
func (r *JobRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
