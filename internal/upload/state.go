package upload

import (
	"github.com/heimdex/heimdex-transcriber/internal/media"
)

type FileState string

const (
	StateQueued     FileState = "queued"
	StateUploading  FileState = "uploading"
	StateExtracting FileState = "extracting"
	StateAdding     FileState = "adding"
	StateCompleted  FileState = "completed"
	StateFailed     FileState = "failed"
	StateCancelled  FileState = "cancelled"
)

var transitions = map[FileState][]FileState{
	StateQueued:     {StateUploading, StateCancelled},
	StateUploading:  {StateExtracting, StateCancelled, StateFailed},
	StateExtracting: {StateAdding, StateCancelled, StateFailed},
	StateAdding:     {StateCompleted, StateFailed},
}

func (s FileState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether a record may move from one state to another.
func CanTransition(from, to FileState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record tracks one file through upload, extraction and job registration.
type Record struct {
	ID           string     `json:"id"`
	BatchID      string     `json:"batch_id"`
	File         media.File `json:"-"`
	Filename     string     `json:"filename"`
	State        FileState  `json:"state"`
	Loaded       int64      `json:"loaded"`
	Total        int64      `json:"total"`
	Error        string     `json:"error,omitempty"`
	FileUploadID string     `json:"file_upload_id,omitempty"`
	AudioFileID  string     `json:"audio_file_id,omitempty"`
	JobID        string     `json:"job_id,omitempty"`
}

type Batch struct {
	ID        string   `json:"id"`
	Uploading bool     `json:"uploading"`
	Uploads   []Record `json:"uploads"`
}

// State is everything the orchestrator knows. Uploading follows the
// scheduler: true from its started signal until its empty signal.
type State struct {
	Uploading bool             `json:"uploading"`
	Batches   map[string]Batch `json:"batches"`
	Error     string           `json:"error,omitempty"`
}

func (s State) clone() State {
	out := State{Uploading: s.Uploading, Error: s.Error, Batches: make(map[string]Batch, len(s.Batches))}
	for id, b := range s.Batches {
		out.Batches[id] = b.clone()
	}
	return out
}

func (b Batch) clone() Batch {
	out := b
	out.Uploads = append([]Record(nil), b.Uploads...)
	return out
}

func (b Batch) find(id string) (Record, int, bool) {
	for i, r := range b.Uploads {
		if r.ID == id {
			return r, i, true
		}
	}
	return Record{}, -1, false
}

// anyActive reports whether a record is past queued and not yet terminal,
// or queued but already admitted.
func (b Batch) anyActive(admitted func(id string) bool) bool {
	for _, r := range b.Uploads {
		if r.State.Terminal() {
			continue
		}
		if r.State != StateQueued || admitted(r.ID) {
			return true
		}
	}
	return false
}

// The helpers below are pure: each returns a new State and leaves its
// input untouched.

func withBatch(s State, batchID string, fn func(Batch) Batch) State {
	out := s
	out.Batches = make(map[string]Batch, len(s.Batches)+1)
	for id, b := range s.Batches {
		out.Batches[id] = b
	}
	b, ok := out.Batches[batchID]
	if !ok {
		b = Batch{ID: batchID}
	}
	b = fn(b.clone())
	out.Batches[batchID] = b
	return out
}

// withRecord applies fn to one record. fn returns false to leave the state
// unchanged, in which case withRecord also reports false.
func withRecord(s State, batchID, id string, fn func(Record) (Record, bool)) (State, bool) {
	b, ok := s.Batches[batchID]
	if !ok {
		return s, false
	}
	rec, i, ok := b.find(id)
	if !ok {
		return s, false
	}
	next, ok := fn(rec)
	if !ok {
		return s, false
	}
	return withBatch(s, batchID, func(b Batch) Batch {
		b.Uploads[i] = next
		return b
	}), true
}

// transition moves a record to state to, applying mutate on the way. Edges
// not allowed by CanTransition are dropped.
func transition(s State, batchID, id string, to FileState, mutate func(*Record)) (State, bool) {
	return withRecord(s, batchID, id, func(r Record) (Record, bool) {
		if !CanTransition(r.State, to) {
			return r, false
		}
		r.State = to
		if mutate != nil {
			mutate(&r)
		}
		return r, true
	})
}

// progress updates byte counts on a record that is still uploading.
func progress(s State, batchID, id string, loaded, total int64) (State, bool) {
	return withRecord(s, batchID, id, func(r Record) (Record, bool) {
		if r.State != StateUploading {
			return r, false
		}
		r.Loaded, r.Total = loaded, total
		return r, true
	})
}
