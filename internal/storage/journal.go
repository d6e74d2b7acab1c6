package storage

import (
	"bufio"
	"encoding/json"
	"os"
)

// journal is a key/value map persisted as a JSON snapshot plus an
// append-only jsonl journal that is folded into the snapshot every
// compactEvery writes.
type journal[V any] struct {
	snapshotPath string
	file         *os.File
	data         map[string]V
	writes       int
	compactEvery int
}

type journalRecord[V any] struct {
	Key string `json:"key"`
	Val V      `json:"val"`
	Del bool   `json:"del,omitempty"`
}

func openJournal[V any](prefix string, compactEvery int) (*journal[V], error) {
	j := &journal[V]{
		snapshotPath: prefix + ".snapshot.json",
		data:         map[string]V{},
		compactEvery: compactEvery,
	}
	if f, err := os.Open(j.snapshotPath); err == nil {
		_ = json.NewDecoder(f).Decode(&j.data)
		_ = f.Close()
		if j.data == nil {
			j.data = map[string]V{}
		}
	}

	path := prefix + ".journal.jsonl"
	if f, err := os.Open(path); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var r journalRecord[V]
			if json.Unmarshal(sc.Bytes(), &r) != nil || r.Key == "" {
				continue
			}
			if r.Del {
				delete(j.data, r.Key)
			} else {
				j.data[r.Key] = r.Val
			}
		}
		_ = f.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.file = f
	return j, nil
}

func (j *journal[V]) put(key string, v V) error {
	j.data[key] = v
	return j.append(journalRecord[V]{Key: key, Val: v})
}

func (j *journal[V]) del(key string) error {
	if _, ok := j.data[key]; !ok {
		return nil
	}
	delete(j.data, key)
	return j.append(journalRecord[V]{Key: key, Del: true})
}

func (j *journal[V]) append(r journalRecord[V]) error {
	if j.file == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(j.file).Encode(r); err != nil {
		return err
	}
	j.writes++
	if j.compactEvery > 0 && j.writes%j.compactEvery == 0 {
		return j.compact()
	}
	return nil
}

func (j *journal[V]) compact() error {
	tmp := j.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(j.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapshotPath); err != nil {
		return err
	}
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	_, err = j.file.Seek(0, 2)
	return err
}

func (j *journal[V]) close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
