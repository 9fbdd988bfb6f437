package kernel

import "sort"

// ProcessInfo is a point-in-time view of one attached process.
type ProcessInfo struct {
	PID            int32  `json:"pid"`
	Name           string `json:"name"`
	OSPID          int32  `json:"os_pid"`
	Threads        int    `json:"threads"`
	Loopers        int    `json:"loopers"`
	IdleLoopers    int    `json:"idle_loopers"`
	MaxThreads     uint32 `json:"max_threads"`
	Nodes          int    `json:"nodes"`
	Refs           int    `json:"refs"`
	Buffers        int    `json:"buffers"`
	BufferBytes    int    `json:"buffer_bytes"`
	PendingWork    int    `json:"pending_work"`
	ContextManager bool   `json:"context_manager"`
}

// Snapshot is the admin view of the kernel.
type Snapshot struct {
	Processes []ProcessInfo `json:"processes"`
}

// RefInfo describes one handle.
type RefInfo struct {
	Handle    uint32 `json:"handle"`
	Strong    int    `json:"strong"`
	Weak      int    `json:"weak"`
	OwnerPID  int32  `json:"owner_pid"`
	OwnerDead bool   `json:"owner_dead"`
}

// NodeInfo describes one exported object.
type NodeInfo struct {
	Ptr       uint64 `json:"ptr"`
	Strong    int    `json:"strong"`
	Weak      int    `json:"weak"`
	HasStrong bool   `json:"has_strong"`
	HasWeak   bool   `json:"has_weak"`
}

func (k *Kernel) Snapshot() Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := Snapshot{Processes: make([]ProcessInfo, 0, len(k.procs))}
	for _, p := range k.procs {
		info := ProcessInfo{
			PID:            p.pid,
			Name:           p.name,
			OSPID:          p.osPID,
			Threads:        len(p.threads),
			IdleLoopers:    len(p.idle),
			MaxThreads:     p.maxThreads,
			Nodes:          len(p.nodes),
			Refs:           len(p.refs),
			Buffers:        len(p.buffers),
			BufferBytes:    p.bufferBytes,
			PendingWork:    len(p.todo),
			ContextManager: k.ctxMgr != nil && k.ctxMgr.owner == p,
		}
		for _, t := range p.threads {
			if t.isLooper() {
				info.Loopers++
			}
		}
		out.Processes = append(out.Processes, info)
	}
	sort.Slice(out.Processes, func(i, j int) bool {
		return out.Processes[i].PID < out.Processes[j].PID
	})
	return out
}

// Ref reports the counts process pid holds on handle.
func (k *Kernel) Ref(pid int32, handle uint32) (RefInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	if !ok {
		return RefInfo{}, false
	}
	r, ok := p.refs[handle]
	if !ok {
		return RefInfo{}, false
	}
	return RefInfo{
		Handle:    r.handle,
		Strong:    r.strong,
		Weak:      r.weak,
		OwnerPID:  r.node.owner.pid,
		OwnerDead: r.node.owner.dead,
	}, true
}

// Node reports the kernel's counts on the object ptr exported by pid.
func (k *Kernel) Node(pid int32, ptr uint64) (NodeInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	if !ok {
		return NodeInfo{}, false
	}
	n, ok := p.nodes[ptr]
	if !ok {
		return NodeInfo{}, false
	}
	return NodeInfo{
		Ptr:       n.ptr,
		Strong:    n.strong(),
		Weak:      n.weak(),
		HasStrong: n.hasStrong,
		HasWeak:   n.hasWeak,
	}, true
}
