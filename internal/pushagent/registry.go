/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package pushagent keeps the table of external agents that asked to be
// handed queue entries as they reach a given stage.
//
// The table is persisted as a flat array of fixed-size records so it
// survives restarts. Each mutation rewrites the whole file.
package pushagent

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/foxcpp/spoolq/framework/log"
	"github.com/foxcpp/spoolq/internal/spool"
)

const (
	// MaxIdentifier is the exclusive upper bound on identifier length.
	MaxIdentifier = 100

	// DefaultMaxErrors is the number of consecutive failures after which
	// an agent is evicted.
	DefaultMaxErrors = 25

	// NumRegisteredStages is the number of stages agents may subscribe to.
	NumRegisteredStages = 8

	recordSize = 116
)

var (
	ErrBadIdentifier = errors.New("pushagent: identifier must be non-empty and shorter than 100 bytes")
	ErrBadStage      = errors.New("pushagent: stage out of range")
	ErrBadAddress    = errors.New("pushagent: not an IPv4 address")
)

// Agent is one registration. Agents returned by the Registry are copies.
type Agent struct {
	Addr       net.IP
	Port       uint16
	Stage      spool.Stage
	Identifier string

	// Usage is the number of handoffs currently in progress. It is not
	// persisted.
	Usage  int
	Errors int
}

func (a Agent) key() agentKey {
	var k agentKey
	copy(k.addr[:], a.Addr.To4())
	k.port = a.Port
	k.stage = a.Stage
	return k
}

// HostPort returns the dialable address of the agent.
func (a Agent) HostPort() string {
	return net.JoinHostPort(a.Addr.String(), fmt.Sprint(a.Port))
}

func (a Agent) String() string {
	return fmt.Sprintf("%s@%s/%03d", a.Identifier, a.HostPort(), int(a.Stage))
}

type agentKey struct {
	addr  [4]byte
	port  uint16
	stage spool.Stage
}

type diskRecord struct {
	Addr       [4]byte
	Port       uint16
	Stage      uint16
	Errors     uint32
	Reserved   uint32
	Identifier [MaxIdentifier]byte
}

type Registry struct {
	// MaxErrors is the failure threshold, see DefaultMaxErrors.
	MaxErrors int
	// OnChange, if set, is called with the table size after each
	// mutation, with the registry lock held.
	OnChange func(n int)

	path string
	log  log.Logger

	lock   sync.Mutex
	agents []*Agent
	gen    uint64

	// persistMu serializes writes of the table file. savedGen is the
	// generation of the last snapshot written.
	persistMu sync.Mutex
	savedGen  uint64
}

// snapshot is an encoded copy of the table taken under the registry
// lock.
type snapshot struct {
	gen  uint64
	data []byte
}

// New creates a registry persisted at path. The file is not read until
// Load is called.
func New(path string, logger log.Logger) *Registry {
	return &Registry{
		MaxErrors: DefaultMaxErrors,
		path:      path,
		log:       logger,
	}
}

// Load replaces the in-memory table with the persisted one. A missing
// file is an empty table.
func (r *Registry) Load() error {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pushagent: %w", err)
	}
	defer f.Close()

	agents, err := readAgents(f)
	if err != nil {
		return fmt.Errorf("pushagent: %s: %w", r.path, err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.agents = agents
	r.changed()
	return nil
}

func readAgents(rd io.Reader) ([]*Agent, error) {
	var agents []*Agent
	for {
		var rec diskRecord
		if err := binary.Read(rd, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return agents, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return agents, fmt.Errorf("truncated record %d", len(agents))
			}
			return agents, err
		}

		ident := rec.Identifier[:]
		if i := bytes.IndexByte(ident, 0); i >= 0 {
			ident = ident[:i]
		}
		if rec.Stage >= NumRegisteredStages || len(ident) == 0 {
			continue
		}
		agents = append(agents, &Agent{
			Addr:       net.IPv4(rec.Addr[0], rec.Addr[1], rec.Addr[2], rec.Addr[3]).To4(),
			Port:       rec.Port,
			Stage:      spool.Stage(rec.Stage),
			Identifier: string(ident),
			Errors:     int(rec.Errors),
		})
	}
}

func writeAgents(w io.Writer, agents []*Agent) error {
	for _, a := range agents {
		rec := diskRecord{
			Port:   a.Port,
			Stage:  uint16(a.Stage),
			Errors: uint32(a.Errors),
		}
		copy(rec.Addr[:], a.Addr.To4())
		copy(rec.Identifier[:], a.Identifier)
		if err := binary.Write(w, binary.LittleEndian, &rec); err != nil {
			return err
		}
	}
	return nil
}

// snapshotLocked encodes the current table. r.lock must be held.
func (r *Registry) snapshotLocked() snapshot {
	if r.path == "" {
		return snapshot{}
	}
	r.gen++
	var buf bytes.Buffer
	buf.Grow(recordSize * len(r.agents))
	_ = writeAgents(&buf, r.agents)
	return snapshot{gen: r.gen, data: buf.Bytes()}
}

// persist writes snap through a temporary file. It must be called
// without r.lock held. Snapshots older than the last written one are
// skipped. Failures are logged and the in-memory table stays
// authoritative.
func (r *Registry) persist(snap snapshot) {
	if snap.gen == 0 {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if snap.gen <= r.savedGen {
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".tmp*")
	if err != nil {
		r.log.Error("failed to save agent table", err)
		return
	}
	if _, err := tmp.Write(snap.data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		r.log.Error("failed to save agent table", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		r.log.Error("failed to save agent table", err)
		return
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		r.log.Error("failed to save agent table", err)
		return
	}
	r.savedGen = snap.gen
}

func (r *Registry) changed() {
	if r.OnChange != nil {
		r.OnChange(len(r.agents))
	}
}

func (r *Registry) find(k agentKey) int {
	for i, a := range r.agents {
		if a.key() == k {
			return i
		}
	}
	return -1
}

func (r *Registry) evict(i int) {
	a := r.agents[i]
	r.log.Msg("push agent removed", "agent", a.Identifier, "addr", a.HostPort(),
		"stage", int(a.Stage), "errors", a.Errors)
	r.agents = append(r.agents[:i], r.agents[i+1:]...)
}

// Register adds an agent for stage. Existing registrations with the same
// identifier are removed first unless a handoff to them is in progress.
// Registering the same address, port and stage twice keeps one entry.
func (r *Registry) Register(addr net.IP, port uint16, stage spool.Stage, ident string) error {
	if ident == "" || len(ident) >= MaxIdentifier {
		return ErrBadIdentifier
	}
	if stage < 0 || stage >= NumRegisteredStages {
		return ErrBadStage
	}
	v4 := addr.To4()
	if v4 == nil {
		return ErrBadAddress
	}

	r.lock.Lock()
	for i := 0; i < len(r.agents); i++ {
		if r.agents[i].Identifier != ident {
			continue
		}
		if r.removeLocked(i, true) {
			i--
		}
	}

	a := &Agent{Addr: v4, Port: port, Stage: stage, Identifier: ident}
	if r.find(a.key()) == -1 {
		r.agents = append(r.agents, a)
		r.log.Msg("push agent registered", "agent", ident, "addr", a.HostPort(), "stage", int(stage))
	}
	snap := r.snapshotLocked()
	r.changed()
	r.lock.Unlock()

	r.persist(snap)
	return nil
}

// removeLocked ends one outstanding use of agent i, counting a failure
// unless force is set. The agent is evicted once nothing else uses it and
// either force is set or the failure threshold is exceeded.
func (r *Registry) removeLocked(i int, force bool) bool {
	a := r.agents[i]
	if !force {
		a.Errors++
	}
	if a.Usage > 1 {
		a.Usage--
		return false
	}
	if force || a.Errors > r.MaxErrors {
		r.evict(i)
		return true
	}
	a.Usage = 0
	return false
}

// CheckOut returns the agents registered for stage that are still below
// the failure threshold and marks each of them as in use. Every returned
// agent must be passed to exactly one of Release, RecordFailure or
// ForceRemove.
//
// Agents over the threshold that are not in use are evicted.
func (r *Registry) CheckOut(stage spool.Stage) []Agent {
	r.lock.Lock()
	var out []Agent
	evicted := false
	for i := 0; i < len(r.agents); i++ {
		a := r.agents[i]
		if a.Stage != stage {
			continue
		}
		if a.Errors > r.MaxErrors {
			if a.Usage == 0 {
				r.evict(i)
				i--
				evicted = true
			}
			continue
		}
		a.Usage++
		out = append(out, *a)
	}
	if !evicted {
		r.lock.Unlock()
		return out
	}
	snap := r.snapshotLocked()
	r.changed()
	r.lock.Unlock()

	r.persist(snap)
	return out
}

// Release ends a successful use of a checked out agent.
func (r *Registry) Release(a Agent) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if i := r.find(a.key()); i != -1 && r.agents[i].Usage > 0 {
		r.agents[i].Usage--
	}
}

// Connected resets the failure count of the agent.
func (r *Registry) Connected(a Agent) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if i := r.find(a.key()); i != -1 {
		r.agents[i].Errors = 0
	}
}

// RecordFailure ends a failed use of a checked out agent. It reports
// whether the agent was evicted.
func (r *Registry) RecordFailure(a Agent) bool {
	return r.remove(a, false)
}

// ForceRemove ends the use of a checked out agent and evicts it unless
// another handoff to it is in progress. It reports whether the agent was
// evicted.
func (r *Registry) ForceRemove(a Agent) bool {
	return r.remove(a, true)
}

func (r *Registry) remove(a Agent, force bool) bool {
	r.lock.Lock()
	i := r.find(a.key())
	if i == -1 {
		r.lock.Unlock()
		return false
	}
	removed := r.removeLocked(i, force)
	snap := r.snapshotLocked()
	if removed {
		r.changed()
	}
	r.lock.Unlock()

	r.persist(snap)
	return removed
}

// Registered reports which stages have at least one agent. Stages 0, 1,
// 6 and 7 are always reported since the queue processes them itself.
func (r *Registry) Registered() [NumRegisteredStages]bool {
	var reg [NumRegisteredStages]bool
	reg[spool.StageIncoming] = true
	reg[spool.StageIncomingClean] = true
	reg[spool.StageDeliver] = true
	reg[spool.StageOutgoing] = true

	r.lock.Lock()
	defer r.lock.Unlock()
	for _, a := range r.agents {
		if a.Stage >= 0 && a.Stage < NumRegisteredStages {
			reg[a.Stage] = true
		}
	}
	return reg
}

// NextStage returns the first registered stage after s. It returns false
// if s is not below StageOutgoing.
func (r *Registry) NextStage(s spool.Stage) (spool.Stage, bool) {
	if s < 0 || s >= spool.StageOutgoing {
		return s, false
	}
	reg := r.Registered()
	for next := s + 1; next < NumRegisteredStages; next++ {
		if reg[next] {
			return next, true
		}
	}
	return s, false
}

func (r *Registry) List() []Agent {
	r.lock.Lock()
	defer r.lock.Unlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}

func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.agents)
}

// ReadFile reads a persisted agent table without creating a registry.
func ReadFile(path string) ([]Agent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	agents, err := readAgents(f)
	out := make([]Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, *a)
	}
	return out, err
}
