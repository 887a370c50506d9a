package cs104

import (
	"sync"
	"time"

	"github.com/arloliu/go-iec104/asdu"
	"github.com/arloliu/go-iec104/locking"
)

type result struct {
	reply *asdu.ASDU
	err   error
}

// pendingCmd waits for the reply of one command. The reply slot is written at most once, under
// the table lock, so a caller that removed its entry can still find a reply delivered before.
type pendingCmd struct {
	key      asdu.Key
	deadline time.Time
	reply    chan result
}

// pendingTable holds the outstanding commands by correlation key. Its lock is independent of
// the session lock so resolving a reply never blocks senders.
type pendingTable struct {
	mu      sync.Locker
	entries map[asdu.Key]*pendingCmd
}

func newPendingTable(policy locking.Policy) *pendingTable {
	return &pendingTable{
		mu:      policy.NewMutex(),
		entries: make(map[asdu.Key]*pendingCmd),
	}
}

// register adds a command. It fails with ErrDuplicateCommand if key is outstanding.
func (p *pendingTable) register(key asdu.Key, deadline time.Time) (*pendingCmd, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[key]; ok {
		return nil, ErrDuplicateCommand
	}

	e := &pendingCmd{key: key, deadline: deadline, reply: make(chan result, 1)}
	p.entries[key] = e

	return e, nil
}

// resolve delivers reply to the command waiting on key and removes it.
// It returns false when no command waits for key.
func (p *pendingTable) resolve(key asdu.Key, reply *asdu.ASDU) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return false
	}

	delete(p.entries, key)
	e.reply <- result{reply: reply}

	return true
}

// remove drops e if it is still registered, e.g. after its caller gave up.
func (p *pendingTable) remove(e *pendingCmd) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.entries[e.key]; ok && cur == e {
		delete(p.entries, e.key)
	}
}

// failAll fails every outstanding command with err and empties the table.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	for key, e := range p.entries {
		e.reply <- result{err: err}
		delete(p.entries, key)
	}

	return n
}

// len returns the number of outstanding commands.
func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}

// PendingCommand describes an outstanding command.
type PendingCommand struct {
	Key      asdu.Key
	Deadline time.Time
}

func (p *pendingTable) list() []PendingCommand {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := make([]PendingCommand, 0, len(p.entries))
	for _, e := range p.entries {
		list = append(list, PendingCommand{Key: e.key, Deadline: e.deadline})
	}

	return list
}
