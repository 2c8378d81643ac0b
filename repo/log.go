package repo

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/schema"
)

// ErrCorruptLog is returned by openAppendLog's caller when the log's prefix
// checksum does not match the last durably recorded one in repo-state.json
// (spec.md §6 "a rolling checksum of the log prefix for corruption
// detection").
var ErrCorruptLog = errors.New("commit log prefix checksum mismatch")

// appendLog is the append-only, newline-delimited-JSON commit log of
// spec.md §6 "On-disk layout": "one append-only log file per repository
// path, containing newline-delimited canonical JSON records, each record
// being a serialised Commit." checksum and length track rollingChecksum
// over every record written so far, mirrored into repoState on append.
type appendLog struct {
	path     string
	f        *os.File
	checksum uint64
	length   int64
}

func openAppendLog(path string) (*appendLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open commit log")
	}
	return &appendLog{path: path, f: f}, nil
}

// loadAll reads every record of the log in order, tolerating a truncated
// final line (a partial write from a prior crash), and recomputes the
// rolling checksum over every record it reads. It verifies that checksum
// against (priorChecksum, priorLength) — the last values durably recorded
// in repo-state.json — at the byte offset where the prior run left off,
// returning ErrCorruptLog if the log's prefix no longer matches.
func (l *appendLog) loadAll(reg *schema.Registry, priorChecksum uint64, priorLength int64) ([]*commit.Commit, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open commit log for read")
	}
	defer f.Close()

	var out []*commit.Commit
	var checksum uint64
	var length int64
	matched := priorLength == 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		c, err := commit.DeserializeNew(line, reg)
		if err != nil {
			// A truncated or corrupt trailing record stops replay but does
			// not fail the open; everything before it is still durable.
			break
		}
		record := make([]byte, 0, len(line)+1)
		record = append(record, line...)
		record = append(record, '\n')
		checksum = rollingChecksum(checksum, record)
		length += int64(len(record))
		out = append(out, c)
		if length == priorLength {
			if checksum != priorChecksum {
				return nil, errors.Wrap(ErrCorruptLog, "log prefix no longer matches repo-state.json")
			}
			matched = true
		}
	}
	if !matched {
		return nil, errors.Wrap(ErrCorruptLog, "commit log shorter than last durably recorded prefix")
	}
	l.checksum = checksum
	l.length = length
	return out, nil
}

func (l *appendLog) append(c *commit.Commit) error {
	data, err := c.Serialize()
	if err != nil {
		return err
	}
	record := append(data, '\n')
	if _, err := l.f.Write(record); err != nil {
		return errors.Wrap(err, "append commit log")
	}
	if err := l.f.Sync(); err != nil {
		return errors.Wrap(err, "sync commit log")
	}
	l.checksum = rollingChecksum(l.checksum, record)
	l.length += int64(len(record))
	return nil
}

func (l *appendLog) close() error {
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}

// repoState is the `repo-state.json` sidecar of spec.md §6: "latest durable
// head per key and a rolling checksum of the log prefix for corruption
// detection."
type repoState struct {
	Heads         map[string]string `json:"heads"`
	LogChecksum   uint64            `json:"logChecksum"`
	LogByteLength int64             `json:"logByteLength"`
}

func loadRepoState(path string) (*repoState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &repoState{Heads: map[string]string{}}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read repo-state.json")
	}
	var rs repoState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, errors.Wrap(err, "decode repo-state.json")
	}
	if rs.Heads == nil {
		rs.Heads = map[string]string{}
	}
	return &rs, nil
}

func (rs *repoState) save(path string) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// rollingChecksum extends the sidecar's log-prefix checksum with one more
// serialized record, letting corruption detection notice a log file whose
// prefix no longer matches what was last durably acknowledged.
func rollingChecksum(prior uint64, record []byte) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(prior >> (8 * i))
	}
	h.Write(buf[:])
	h.Write(record)
	return h.Sum64()
}
