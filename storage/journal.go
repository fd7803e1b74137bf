package storage

import "errors"

var errJournalClosed = errors.New("storage: journal already committed or discarded")

// Journal stages writes on top of a parent database. Reads observe staged
// writes first. Nothing reaches the parent until Commit; Discard drops every
// staged mutation.
//
// Journal is not safe for concurrent use.
type Journal struct {
	parent  Database
	writes  map[string][]byte
	deletes map[string]struct{}
	closed  bool
}

// NewJournal creates an empty journal over parent.
func NewJournal(parent Database) *Journal {
	return &Journal{
		parent:  parent,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (j *Journal) Put(key []byte, value []byte) error {
	if j.closed {
		return errJournalClosed
	}
	k := string(key)
	delete(j.deletes, k)
	j.writes[k] = append([]byte(nil), value...)
	return nil
}

func (j *Journal) Get(key []byte) ([]byte, error) {
	k := string(key)
	if _, deleted := j.deletes[k]; deleted {
		return nil, ErrNotFound
	}
	if value, ok := j.writes[k]; ok {
		return append([]byte(nil), value...), nil
	}
	return j.parent.Get(key)
}

func (j *Journal) Delete(key []byte) error {
	if j.closed {
		return errJournalClosed
	}
	k := string(key)
	delete(j.writes, k)
	j.deletes[k] = struct{}{}
	return nil
}

// Pending reports the number of staged mutations.
func (j *Journal) Pending() int {
	return len(j.writes) + len(j.deletes)
}

// Commit flushes staged mutations to the parent. When the parent implements
// Batcher the flush is a single atomic write.
func (j *Journal) Commit() error {
	if j.closed {
		return errJournalClosed
	}
	ops := make([]Op, 0, j.Pending())
	for k, v := range j.writes {
		ops = append(ops, Op{Key: []byte(k), Value: v})
	}
	for k := range j.deletes {
		ops = append(ops, Op{Key: []byte(k), Delete: true})
	}
	sortOps(ops)
	j.closed = true
	if batcher, ok := j.parent.(Batcher); ok {
		return batcher.WriteBatch(ops)
	}
	for _, op := range ops {
		var err error
		if op.Delete {
			err = j.parent.Delete(op.Key)
		} else {
			err = j.parent.Put(op.Key, op.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Discard drops all staged mutations.
func (j *Journal) Discard() {
	j.writes = make(map[string][]byte)
	j.deletes = make(map[string]struct{})
	j.closed = true
}

// Close satisfies Database. The parent is owned by the caller and stays open.
func (j *Journal) Close() {}
