// Package queue implements the ordered command buffer mirrored by the robot
// controller. A non-empty queue always holds contiguous ids: every entry's id is
// exactly one more than its predecessor's.
package queue

import (
	"fmt"

	"github.com/banshee-data/armctl/internal/protocol"
)

// InvalidIDError is returned when a command carries an id that can never be
// placed in the queue.
type InvalidIDError struct {
	ID int32
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid command id %d", e.ID)
}

// RangeError is returned when an id or id range falls outside the queue.
type RangeError struct {
	From, To    int32
	First, Last int32
	Empty       bool
}

func (e *RangeError) Error() string {
	if e.Empty {
		return fmt.Sprintf("id range %d..%d: queue is empty", e.From, e.To)
	}
	return fmt.Sprintf("id range %d..%d outside queue %d..%d", e.From, e.To, e.First, e.Last)
}

// Queue is an id-contiguous sequence of commands. It is not safe for concurrent
// use; callers serialise access through the shared state lock.
type Queue struct {
	entries []protocol.Command
	// seq is the id given to the next command added to an empty queue.
	seq int32
}

// New returns an empty queue whose first entry will receive firstID.
func New(firstID int32) *Queue {
	return &Queue{seq: firstID}
}

// Len returns the number of queued commands.
func (q *Queue) Len() int { return len(q.entries) }

// NextID returns the id the next appended command would receive.
func (q *Queue) NextID() int32 {
	if len(q.entries) == 0 {
		return q.seq
	}
	return q.entries[len(q.entries)-1].ID + 1
}

// SetNextID moves the sequence counter of an empty queue. It has no effect on a
// non-empty queue, whose ids are fixed by its contents.
func (q *Queue) SetNextID(id int32) {
	if len(q.entries) == 0 {
		q.seq = id
	}
}

func (q *Queue) first() int32 { return q.entries[0].ID }
func (q *Queue) last() int32  { return q.entries[len(q.entries)-1].ID }

// Add places cmd according to its id:
//   - empty queue: cmd takes the sequence counter
//   - id 0 or past the end: appended as last+1
//   - negative id: InvalidIDError
//   - otherwise inserted at its id (clamped to the head) and every following
//     entry is shifted up by one.
func (q *Queue) Add(cmd protocol.Command) error {
	if cmd.ID < 0 {
		return &InvalidIDError{ID: cmd.ID}
	}
	if len(q.entries) == 0 {
		cmd.ID = q.seq
		q.entries = append(q.entries, cmd)
		return nil
	}
	if cmd.ID == 0 || cmd.ID > q.last() {
		cmd.ID = q.last() + 1
		q.entries = append(q.entries, cmd)
		return nil
	}

	pos := int(max(cmd.ID-q.first(), 0))
	cmd.ID = q.first() + int32(pos)
	q.entries = append(q.entries, protocol.Command{})
	copy(q.entries[pos+1:], q.entries[pos:])
	q.entries[pos] = cmd
	for i := pos + 1; i < len(q.entries); i++ {
		q.entries[i].ID++
	}
	return nil
}

// AddMany attaches cmds as one contiguous block. The block position follows the
// id of its first element the same way Add does: 0 or past the end appends, an
// id inside the queue inserts there, an id before the head prepends. Incoming
// ids are renumbered; existing followers shift by len(cmds).
func (q *Queue) AddMany(cmds []protocol.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	for _, c := range cmds {
		if c.ID < 0 {
			return &InvalidIDError{ID: c.ID}
		}
	}

	var pos int
	var start int32
	switch {
	case len(q.entries) == 0:
		pos, start = 0, q.seq
	case cmds[0].ID == 0 || cmds[0].ID > q.last():
		pos, start = len(q.entries), q.last()+1
	case cmds[0].ID < q.first():
		pos, start = 0, q.first()
	default:
		pos, start = int(cmds[0].ID-q.first()), cmds[0].ID
	}

	n := int32(len(cmds))
	merged := make([]protocol.Command, 0, len(q.entries)+len(cmds))
	merged = append(merged, q.entries[:pos]...)
	for i, c := range cmds {
		c.ID = start + int32(i)
		merged = append(merged, c)
	}
	for _, c := range q.entries[pos:] {
		c.ID += n
		merged = append(merged, c)
	}
	q.entries = merged
	return nil
}

// AppendAuto appends cmd as the new last entry regardless of its id.
func (q *Queue) AppendAuto(cmd protocol.Command) protocol.Command {
	cmd.ID = q.NextID()
	q.entries = append(q.entries, cmd)
	return cmd
}

// InsertFrontDuringResync makes cmd the new head. It takes first-1 while the
// head id is above zero; id 0 is a valid head after wraparound, so only then does
// cmd take the head id and the rest of the queue shift up by one. Used to put
// back a command that failed to send.
func (q *Queue) InsertFrontDuringResync(cmd protocol.Command) protocol.Command {
	if len(q.entries) == 0 {
		cmd.ID = q.seq
		q.entries = append(q.entries, cmd)
		return cmd
	}
	if q.first() > 0 {
		cmd.ID = q.first() - 1
	} else {
		cmd.ID = q.first()
		for i := range q.entries {
			q.entries[i].ID++
		}
	}
	q.entries = append([]protocol.Command{cmd}, q.entries...)
	return cmd
}

// PopFirst removes and returns the head of the queue.
func (q *Queue) PopFirst() (protocol.Command, bool) {
	if len(q.entries) == 0 {
		return protocol.Command{}, false
	}
	cmd := q.entries[0]
	q.entries = q.entries[1:]
	if len(q.entries) == 0 {
		q.seq = cmd.ID + 1
		q.entries = nil
	}
	return cmd, true
}

// DropBelow removes every leading entry whose id is less than id and returns
// them in order.
func (q *Queue) DropBelow(id int32) []protocol.Command {
	n := 0
	for n < len(q.entries) && q.entries[n].ID < id {
		n++
	}
	if n == 0 {
		return nil
	}
	dropped := make([]protocol.Command, n)
	copy(dropped, q.entries[:n])
	q.entries = q.entries[n:]
	if len(q.entries) == 0 {
		q.seq = dropped[n-1].ID + 1
		q.entries = nil
	}
	return dropped
}

// Clear removes every entry. The next added command reuses the id the old head
// had, since none of the removed commands reached the device.
func (q *Queue) Clear() {
	if len(q.entries) > 0 {
		q.seq = q.first()
	}
	q.entries = nil
}

// ClearID removes the single entry with the given id.
func (q *Queue) ClearID(id int32) error {
	return q.ClearRange(id, id)
}

// ClearRange removes the entries id1..id2 inclusive and renumbers the followers
// down by the number removed.
func (q *Queue) ClearRange(id1, id2 int32) error {
	if len(q.entries) == 0 {
		return &RangeError{From: id1, To: id2, Empty: true}
	}
	if id1 > id2 || id1 < q.first() || id2 > q.last() {
		return &RangeError{From: id1, To: id2, First: q.first(), Last: q.last()}
	}

	from := int(id1 - q.first())
	to := int(id2-q.first()) + 1
	removed := int32(to - from)
	if from == 0 && to == len(q.entries) {
		q.Clear()
		return nil
	}

	q.entries = append(q.entries[:from], q.entries[to:]...)
	for i := from; i < len(q.entries); i++ {
		q.entries[i].ID -= removed
	}
	return nil
}

// Increment shifts every id, and the sequence counter, by delta.
func (q *Queue) Increment(delta int32) {
	q.seq += delta
	for i := range q.entries {
		q.entries[i].ID += delta
	}
}

// First returns the head without removing it.
func (q *Queue) First() (protocol.Command, bool) {
	if len(q.entries) == 0 {
		return protocol.Command{}, false
	}
	return q.entries[0], true
}

// Last returns the final entry.
func (q *Queue) Last() (protocol.Command, bool) {
	if len(q.entries) == 0 {
		return protocol.Command{}, false
	}
	return q.entries[len(q.entries)-1], true
}

// IDPosition returns the index of id within the queue.
func (q *Queue) IDPosition(id int32) (int, error) {
	if len(q.entries) == 0 {
		return 0, &RangeError{From: id, To: id, Empty: true}
	}
	if id < q.first() || id > q.last() {
		return 0, &RangeError{From: id, To: id, First: q.first(), Last: q.last()}
	}
	return int(id - q.first()), nil
}

// Get returns the entry with the given id.
func (q *Queue) Get(id int32) (protocol.Command, bool) {
	pos, err := q.IDPosition(id)
	if err != nil {
		return protocol.Command{}, false
	}
	return q.entries[pos], true
}

// EntryBefore returns the entry immediately preceding id.
func (q *Queue) EntryBefore(id int32) (protocol.Command, error) {
	pos, err := q.IDPosition(id - 1)
	if err != nil {
		return protocol.Command{}, err
	}
	return q.entries[pos], nil
}

// Peek returns a copy of at most n entries from the head.
func (q *Queue) Peek(n int) []protocol.Command {
	n = min(max(n, 0), len(q.entries))
	out := make([]protocol.Command, n)
	copy(out, q.entries[:n])
	return out
}

// Snapshot returns a copy of the whole queue.
func (q *Queue) Snapshot() []protocol.Command {
	return q.Peek(len(q.entries))
}

// Contiguous reports whether the ids satisfy the queue invariant. It is cheap
// enough to assert in tests after every mutation.
func (q *Queue) Contiguous() bool {
	for i := 1; i < len(q.entries); i++ {
		if q.entries[i].ID != q.entries[i-1].ID+1 {
			return false
		}
	}
	return true
}
