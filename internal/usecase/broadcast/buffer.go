package broadcast

import "chatstream/internal/domain"

// entry is one buffered envelope. When consecutive deltas of a block were
// merged to make room, marks records where each original delta ended so a
// subscriber resuming inside the run receives only the part it missed.
type entry struct {
	env   domain.Envelope
	marks []mark
}

type mark struct {
	seq uint64
	end int // byte offset in the merged payload
}

// after returns what a subscriber that has seen afterSeq still needs from e.
func (e entry) after(afterSeq uint64) (domain.Envelope, bool) {
	if e.env.Seq <= afterSeq {
		return domain.Envelope{}, false
	}
	if len(e.marks) == 0 || afterSeq < e.marks[0].seq {
		return e.env, true
	}
	cut := 0
	for _, m := range e.marks {
		if m.seq > afterSeq {
			break
		}
		cut = m.end
	}
	d := e.env.Event.(domain.BlockDelta)
	if d.PartialJSON != "" {
		d.PartialJSON = d.PartialJSON[cut:]
	} else {
		d.Text = d.Text[cut:]
	}
	env := e.env
	env.Event = d
	return env, true
}

// payload returns the delta's fragment and whether it is tool input.
func payload(env domain.Envelope) (domain.BlockDelta, string, bool, bool) {
	d, ok := env.Event.(domain.BlockDelta)
	if !ok {
		return domain.BlockDelta{}, "", false, false
	}
	if d.PartialJSON != "" {
		return d, d.PartialJSON, true, true
	}
	return d, d.Text, false, true
}

// coalesce merges the oldest pair of adjacent deltas for the same block into
// one entry carrying the later seq. It reports false when no pair exists.
func (ch *channel) coalesce() bool {
	for i := 0; i+1 < len(ch.buffer); i++ {
		a, b := &ch.buffer[i], ch.buffer[i+1]
		da, pa, ja, ok := payload(a.env)
		if !ok {
			continue
		}
		db, pb, jb, ok := payload(b.env)
		if !ok || da.Index != db.Index || ja != jb {
			continue
		}

		if len(a.marks) == 0 {
			a.marks = []mark{{seq: a.env.Seq, end: len(pa)}}
		}
		if len(b.marks) == 0 {
			a.marks = append(a.marks, mark{seq: b.env.Seq, end: len(pa) + len(pb)})
		} else {
			for _, m := range b.marks {
				a.marks = append(a.marks, mark{seq: m.seq, end: len(pa) + m.end})
			}
		}
		if ja {
			da.PartialJSON = pa + pb
		} else {
			da.Text = pa + pb
		}
		a.env.Event = da
		a.env.Seq = b.env.Seq

		copy(ch.buffer[i+1:], ch.buffer[i+2:])
		ch.buffer = ch.buffer[:len(ch.buffer)-1]
		return true
	}
	return false
}
