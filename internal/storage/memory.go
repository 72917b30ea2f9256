package storage

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"launchbot/internal/launch"
)

type memoryStore struct {
	mu         sync.Mutex
	closed     bool
	events     map[string]launch.Event
	recipients map[int64]launch.Recipient
	stats      map[string]int64
	epoch      int64
}

// NewMemory returns an empty in-process Store.
func NewMemory() Store {
	return &memoryStore{
		events:     map[string]launch.Event{},
		recipients: map[int64]launch.Recipient{},
		stats:      map[string]int64{},
	}
}

func cloneEvent(e launch.Event) launch.Event {
	e.MutedBy = slices.Clone(e.MutedBy)
	e.SentMessages = slices.Clone(e.SentMessages)
	e.Details = slices.Clone(e.Details)
	return e
}

func cloneRecipient(r launch.Recipient) launch.Recipient {
	r.ProviderAllow = slices.Clone(r.ProviderAllow)
	r.ProviderDeny = slices.Clone(r.ProviderDeny)
	return r
}

func (m *memoryStore) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Upsert(_ context.Context, snap launch.Snapshot, epoch int64) (bool, launch.Event, error) {
	if snap.ID == "" {
		return false, launch.Event{}, errors.New("upsert: empty id")
	}
	if err := m.lock(); err != nil {
		return false, launch.Event{}, err
	}
	defer m.mu.Unlock()

	prev, ok := m.events[snap.ID]
	next := launch.Event{}
	if ok {
		next = cloneEvent(prev)
	}
	next.Snapshot = snap
	next.Details = slices.Clone(snap.Details)
	next.Launched = snap.IsLaunched()
	next.LastReconciledAt = epoch
	m.events[snap.ID] = next
	if !ok {
		return true, launch.Event{}, nil
	}
	return false, cloneEvent(prev), nil
}

func (m *memoryStore) Get(_ context.Context, id string) (launch.Event, error) {
	if err := m.lock(); err != nil {
		return launch.Event{}, err
	}
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return launch.Event{}, ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (m *memoryStore) ListUpcoming(_ context.Context, minNet int64) ([]launch.Event, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []launch.Event
	for _, ev := range m.events {
		if ev.NetUnix >= minNet {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NetUnix != out[j].NetUnix {
			return out[i].NetUnix < out[j].NetUnix
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) update(id string, fn func(*launch.Event)) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	fn(&ev)
	m.events[id] = ev
	return nil
}

func (m *memoryStore) SetNotified(_ context.Context, id string, class launch.Class) error {
	if !class.IsLead() {
		return nil
	}
	return m.update(id, func(ev *launch.Event) { ev.Notified.Set(class, true) })
}

func (m *memoryStore) ResetNotified(_ context.Context, id string, classes []launch.Class) error {
	return m.update(id, func(ev *launch.Event) {
		for _, c := range classes {
			ev.Notified.Set(c, false)
		}
	})
}

func (m *memoryStore) SetMuted(_ context.Context, id string, chatID int64, muted bool) error {
	return m.update(id, func(ev *launch.Event) { ev.MutedBy = toggleID(ev.MutedBy, chatID, muted) })
}

func (m *memoryStore) RecordSentMessages(_ context.Context, id string, receipts []launch.Receipt) error {
	// Same dedup as the sqlite encoding.
	decoded, _ := launch.DecodeReceipts(launch.EncodeReceipts(receipts))
	return m.update(id, func(ev *launch.Event) { ev.SentMessages = decoded })
}

func (m *memoryStore) DeleteUnreported(_ context.Context, reconciledBefore int64) ([]string, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var ids []string
	for id, ev := range m.events {
		if !ev.Launched && ev.LastReconciledAt < reconciledBefore {
			ids = append(ids, id)
			delete(m.events, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memoryStore) DeleteExpired(_ context.Context, netBefore, reconciledBefore int64) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for id, ev := range m.events {
		if ev.NetUnix < netBefore || ev.LastReconciledAt < reconciledBefore {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Epoch(context.Context) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	return m.epoch, nil
}

func (m *memoryStore) SetEpoch(_ context.Context, epoch int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.epoch = epoch
	return nil
}

func (m *memoryStore) Recipients(context.Context) ([]launch.Recipient, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]launch.Recipient, 0, len(m.recipients))
	for _, r := range m.recipients {
		out = append(out, cloneRecipient(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (m *memoryStore) GetRecipient(_ context.Context, chatID int64) (launch.Recipient, error) {
	if err := m.lock(); err != nil {
		return launch.Recipient{}, err
	}
	defer m.mu.Unlock()
	r, ok := m.recipients[chatID]
	if !ok {
		return launch.Recipient{}, ErrNotFound
	}
	return cloneRecipient(r), nil
}

func (m *memoryStore) PutRecipient(_ context.Context, r launch.Recipient) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.recipients[r.ChatID] = cloneRecipient(r)
	return nil
}

func (m *memoryStore) DeleteRecipient(_ context.Context, chatID int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.recipients, chatID)
	return nil
}

func (m *memoryStore) MigrateRecipient(_ context.Context, from, to int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	r, ok := m.recipients[from]
	if !ok {
		return ErrNotFound
	}
	delete(m.recipients, from)
	r.ChatID = to
	m.recipients[to] = r
	return nil
}

func (m *memoryStore) IncrStat(_ context.Context, name string, delta int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.stats[name] += delta
	return nil
}

func (m *memoryStore) Stats(context.Context) (map[string]int64, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.stats))
	for k, v := range m.stats {
		out[k] = v
	}
	return out, nil
}
