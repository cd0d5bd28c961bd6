package realtime

import (
	"slices"
	"strings"
)

// QueryKind selects between a pairwise conversation and the inbox.
type QueryKind uint8

const (
	// QueryPair matches messages exchanged between Viewer and Counterpart.
	QueryPair QueryKind = iota + 1
	// QueryInbox matches every message Viewer sent or received.
	QueryInbox
)

func (k QueryKind) String() string {
	switch k {
	case QueryPair:
		return "pair"
	case QueryInbox:
		return "inbox"
	default:
		return "unknown"
	}
}

// Query is the filter, sort and limit a collection executes.
// Every backend orders matches by CreatedAt descending and returns at most Limit of them.
type Query struct {
	Kind        QueryKind
	Viewer      string
	Counterpart string
	// ListingRef narrows a pair query to one listing context. Empty means any.
	ListingRef string
	Limit      int
}

// PairQuery builds the conversation query between viewer and counterpart.
func PairQuery(viewer, counterpart, listingRef string) Query {
	return Query{
		Kind:        QueryPair,
		Viewer:      strings.TrimSpace(viewer),
		Counterpart: strings.TrimSpace(counterpart),
		ListingRef:  strings.TrimSpace(listingRef),
		Limit:       DefaultWindow,
	}
}

// InboxQuery builds the "all conversations involving viewer" query.
func InboxQuery(viewer string) Query {
	return Query{
		Kind:   QueryInbox,
		Viewer: strings.TrimSpace(viewer),
		Limit:  DefaultWindow,
	}
}

// WithLimit returns a copy of q with a clamped limit.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	q.Limit = q.limit()
	return q
}

// Executable reports whether the query may run at all.
// An absent viewer (unauthenticated) must never reach the store.
func (q Query) Executable() bool {
	if q.Viewer == "" {
		return false
	}
	switch q.Kind {
	case QueryPair:
		return q.Counterpart != "" && q.Counterpart != q.Viewer
	case QueryInbox:
		return true
	default:
		return false
	}
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultWindow
	case q.Limit > maxWindow:
		return maxWindow
	default:
		return q.Limit
	}
}

// Matches reports whether m belongs to the query's view.
func (q Query) Matches(m Message) bool {
	switch q.Kind {
	case QueryPair:
		pair := (m.SenderID == q.Viewer && m.ReceiverID == q.Counterpart) ||
			(m.SenderID == q.Counterpart && m.ReceiverID == q.Viewer)
		if !pair {
			return false
		}
		return q.ListingRef == "" || m.ListingRef == q.ListingRef
	case QueryInbox:
		return m.Involves(q.Viewer)
	default:
		return false
	}
}

// Apply filters, orders (CreatedAt desc) and limits msgs the way the store does.
// In-process collections use it directly; the Postgres collection expresses the same thing in SQL.
func (q Query) Apply(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if q.Matches(m) {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b Message) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if n := q.limit(); len(out) > n {
		out = out[:n]
	}
	return out
}

// Chronological stable-sorts a store-ordered (descending) result into ascending order.
// Messages sharing a timestamp keep their store-returned relative order.
func Chronological(msgs []Message) []Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// InboxEntry is one row of the conversation list.
type InboxEntry struct {
	Counterpart string  `json:"counterpart"`
	Last        Message `json:"last"`
	Unread      int     `json:"unread"`
}

// ReduceInbox keeps the latest message per counterpart, most recent conversation first.
// The reduction is a pure function of msgs and tie-breaks by timestamp only.
func ReduceInbox(viewer string, msgs []Message) []InboxEntry {
	idx := make(map[string]int)
	var out []InboxEntry

	for _, m := range msgs {
		if !m.Involves(viewer) {
			continue
		}
		cp := m.Counterpart(viewer)
		unread := 0
		if m.ReceiverID == viewer && !m.Read {
			unread = 1
		}

		i, ok := idx[cp]
		if !ok {
			idx[cp] = len(out)
			out = append(out, InboxEntry{Counterpart: cp, Last: m, Unread: unread})
			continue
		}
		out[i].Unread += unread
		if m.CreatedAt.After(out[i].Last.CreatedAt) {
			out[i].Last = m
		}
	}

	slices.SortStableFunc(out, func(a, b InboxEntry) int {
		return b.Last.CreatedAt.Compare(a.Last.CreatedAt)
	})
	return out
}
