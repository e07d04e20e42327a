package statestore

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

// StateVersion stamps every state file.
const StateVersion uint16 = 1

// File names under the state directory.
const (
	NodeStateFile = "node_state"
	PartStateFile = "part_state"
	JobStateFile  = "job_state"
)

// RecoveryMode selects how much persisted state a restart replays.
type RecoveryMode uint8

const (
	// RecoverNone discards all state; configuration only.
	RecoverNone RecoveryMode = iota
	// RecoverJobs replays jobs and reconciles against current nodes.
	RecoverJobs
	// RecoverFull replays nodes, partitions, and jobs.
	RecoverFull
)

// Store serializes the controller registries to one directory. Each file
// is a version stamp, a cluster id, a save time, a record count, the
// packed records, and a CRC over the preceding bytes. A partial write
// leaves the previous file untouched.
type Store struct {
	Dir       string
	ClusterID string
}

// New returns a store rooted at dir.
func New(dir, clusterID string) *Store {
	return &Store{Dir: dir, ClusterID: clusterID}
}

func (s *Store) writeFile(name string, records []func(*wire.Buffer)) error {
	b := wire.NewBuffer()
	b.PutU16(StateVersion)
	b.PutString(s.ClusterID)
	b.PutTime(time.Now())
	b.PutU32(uint32(len(records)))
	for _, pack := range records {
		pack(b)
	}
	crc := crc32.ChecksumIEEE(b.Bytes())
	b.PutU32(crc)

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	final := filepath.Join(s.Dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

func (s *Store) readFile(name string) (*wire.Buffer, int, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, name))
	if err != nil {
		return nil, 0, err
	}
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("%s: %w", name, wire.ErrMalformedFrame)
	}
	payload := data[:len(data)-4]
	want := wire.NewBufferFrom(data[len(data)-4:]).GetU32()
	if crc32.ChecksumIEEE(payload) != want {
		return nil, 0, fmt.Errorf("%s: crc mismatch", name)
	}
	b := wire.NewBufferFrom(payload)
	version := b.GetU16()
	if version != StateVersion {
		return nil, 0, fmt.Errorf("%s: state version %d: %w", name, version, wire.ErrVersionMismatch)
	}
	b.GetString() // cluster id
	b.GetTime()   // save time
	count := int(b.GetU32())
	if err := b.Err(); err != nil {
		return nil, 0, err
	}
	return b, count, nil
}

// SaveNodes persists node state and reasons.
func (s *Store) SaveNodes(nodes []*types.Node) error {
	packs := make([]func(*wire.Buffer), 0, len(nodes))
	for _, n := range nodes {
		n := n
		packs = append(packs, func(b *wire.Buffer) { packNode(n, b) })
	}
	return s.writeFile(NodeStateFile, packs)
}

// LoadNodes reads the persisted node records.
func (s *Store) LoadNodes() ([]*types.Node, error) {
	b, count, err := s.readFile(NodeStateFile)
	if err != nil {
		return nil, err
	}
	nodes := make([]*types.Node, 0, count)
	for i := 0; i < count; i++ {
		n, err := unpackNode(b)
		if err != nil {
			return nil, fmt.Errorf("node record %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// SavePartitions persists the partition registry.
func (s *Store) SavePartitions(parts []*types.Partition) error {
	packs := make([]func(*wire.Buffer), 0, len(parts))
	for _, p := range parts {
		p := p
		packs = append(packs, func(b *wire.Buffer) { packPartition(p, b) })
	}
	return s.writeFile(PartStateFile, packs)
}

// LoadPartitions reads the persisted partition records.
func (s *Store) LoadPartitions() ([]*types.Partition, error) {
	b, count, err := s.readFile(PartStateFile)
	if err != nil {
		return nil, err
	}
	parts := make([]*types.Partition, 0, count)
	for i := 0; i < count; i++ {
		p, err := unpackPartition(b)
		if err != nil {
			return nil, fmt.Errorf("partition record %d: %w", i, err)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// SaveJobs persists the job registry including step records and their
// credentials.
func (s *Store) SaveJobs(jobs []*types.Job) error {
	packs := make([]func(*wire.Buffer), 0, len(jobs))
	for _, j := range jobs {
		j := j
		packs = append(packs, func(b *wire.Buffer) { packJob(j, b) })
	}
	return s.writeFile(JobStateFile, packs)
}

// LoadJobs reads the persisted job records.
func (s *Store) LoadJobs() ([]*types.Job, error) {
	b, count, err := s.readFile(JobStateFile)
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.Job, 0, count)
	for i := 0; i < count; i++ {
		j, err := unpackJob(b)
		if err != nil {
			return nil, fmt.Errorf("job record %d: %w", i, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
