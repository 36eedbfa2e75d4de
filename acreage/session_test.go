package acreage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSessionStore_CreateGet(t *testing.T) {
	store := NewSessionStore(DefaultBuckets())

	id, state := store.Create()
	_, err := uuid.Parse(id)
	assert.NoError(t, err, "session id should be a UUID")
	assert.Equal(t, "11111", state.Mask())

	got, err := store.Get(id)
	assert.NoError(t, err)
	assert.Equal(t, state.Mask(), got.Mask())
	assert.Equal(t, 1, store.Len())

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_SessionsAreIndependent(t *testing.T) {
	store := NewSessionStore(DefaultBuckets())
	a, _ := store.Create()
	b, _ := store.Create()

	_, err := store.Update(a, func(s FilterState) (FilterState, error) {
		return s.SetAll(false), nil
	})
	assert.NoError(t, err)

	sa, _ := store.Get(a)
	sb, _ := store.Get(b)
	assert.Equal(t, "00000", sa.Mask())
	assert.Equal(t, "11111", sb.Mask())
}

func TestSessionStore_UpdateFailureKeepsState(t *testing.T) {
	store := NewSessionStore(DefaultBuckets())
	id, _ := store.Create()

	state, err := store.Update(id, func(s FilterState) (FilterState, error) {
		return s.Toggle(42)
	})
	assert.True(t, errors.Is(err, ErrUnknownBucket))
	assert.Equal(t, "11111", state.Mask())

	_, err = store.Update("missing", func(s FilterState) (FilterState, error) { return s, nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_ConcurrentToggles(t *testing.T) {
	store := NewSessionStore(DefaultBuckets())
	id, _ := store.Create()

	// An even number of toggles per bucket leaves the selection unchanged.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, bucket := range []int{1, 2, 3, 4, 5} {
			wg.Add(1)
			go func(b int) {
				defer wg.Done()
				_, _ = store.Update(id, func(s FilterState) (FilterState, error) {
					return s.Toggle(b)
				})
			}(bucket)
		}
	}
	wg.Wait()

	state, err := store.Get(id)
	assert.NoError(t, err)
	assert.Equal(t, "11111", state.Mask())
}

func TestSessionStore_DeleteAndPrune(t *testing.T) {
	store := NewSessionStore(DefaultBuckets())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	stale, _ := store.Create()
	now = now.Add(90 * time.Minute)
	fresh, _ := store.Create()
	now = now.Add(45 * time.Minute)

	pruned := store.Prune(time.Hour)
	assert.Equal(t, []string{stale}, pruned)
	assert.Equal(t, 1, store.Len())

	_, err := store.Get(fresh)
	assert.NoError(t, err)

	assert.True(t, store.Delete(fresh))
	assert.False(t, store.Delete(fresh))
	assert.Equal(t, 0, store.Len())
}

func TestSessionStore_GetRefreshesActivity(t *testing.T) {
	store := NewSessionStore(DefaultBuckets())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	id, _ := store.Create()
	now = now.Add(50 * time.Minute)
	_, _ = store.Get(id)
	now = now.Add(50 * time.Minute)

	assert.Empty(t, store.Prune(time.Hour))
}

func TestSessionStore_UpdateOrCreate(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		fn       func(FilterState) (FilterState, error)
		wantErr  error
		wantMask string
		wantLen  int
	}{
		{
			name:     "unknown id is created",
			id:       "kiosk-1",
			fn:       func(s FilterState) (FilterState, error) { return s.Toggle(2) },
			wantMask: "10111",
			wantLen:  1,
		},
		{
			name:    "failed command creates nothing",
			id:      "kiosk-2",
			fn:      func(s FilterState) (FilterState, error) { return s.Toggle(42) },
			wantErr: ErrUnknownBucket,
		},
		{
			name:    "empty id",
			id:      "",
			fn:      func(s FilterState) (FilterState, error) { return s, nil },
			wantErr: ErrInvalidSessionID,
		},
		{
			name:    "wildcard id",
			id:      "a/+",
			fn:      func(s FilterState) (FilterState, error) { return s, nil },
			wantErr: ErrInvalidSessionID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewSessionStore(DefaultBuckets())
			state, err := store.UpdateOrCreate(tt.id, tt.fn)
			assert.Equal(t, tt.wantLen, store.Len())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantMask, state.Mask())

			got, err := store.Get(tt.id)
			assert.NoError(t, err)
			assert.Equal(t, tt.wantMask, got.Mask())
		})
	}
}

func TestSessionStore_UpdateOrCreateExisting(t *testing.T) {
	store := NewSessionStore(DefaultBuckets())
	id, _ := store.Create()
	_, _ = store.Update(id, func(s FilterState) (FilterState, error) { return s.Toggle(1) })

	state, err := store.UpdateOrCreate(id, func(s FilterState) (FilterState, error) { return s.Toggle(5) })
	assert.NoError(t, err)
	assert.Equal(t, "01110", state.Mask())
	assert.Equal(t, 1, store.Len())
}

// eventLog collects the events a store emits
type eventLog struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (l *eventLog) record(ev SessionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func TestSessionStore_OnChange(t *testing.T) {
	store := NewSessionStore(DefaultBuckets())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	log := &eventLog{}
	store.OnChange(log.record)

	a, _ := store.Create()
	_, _ = store.Update(a, func(s FilterState) (FilterState, error) { return s.Toggle(1) })
	_, _ = store.Update(a, func(s FilterState) (FilterState, error) { return s.Toggle(42) })
	b, _ := store.Create()
	assert.True(t, store.Delete(a))
	assert.False(t, store.Delete(a))
	now = now.Add(2 * time.Hour)
	store.Prune(time.Hour)

	type summary struct {
		id     string
		mask   string
		rev    uint64
		closed bool
	}
	var got []summary
	for _, ev := range log.events {
		mask := ""
		if !ev.Closed {
			mask = ev.State.Mask()
		}
		got = append(got, summary{ev.ID, mask, ev.Revision, ev.Closed})
	}
	assert.Equal(t, []summary{
		{a, "11111", 1, false},
		{a, "01111", 2, false},
		{b, "11111", 3, false},
		{a, "", 4, true},
		{b, "", 5, true},
	}, got)
}

func TestSessionStore_ConcurrentRevisions(t *testing.T) {
	store := NewSessionStore(DefaultBuckets())
	log := &eventLog{}
	store.OnChange(log.record)
	id, _ := store.Create()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			_, _ = store.Update(id, func(s FilterState) (FilterState, error) {
				return s.Toggle(b%5 + 1)
			})
		}(i)
	}
	wg.Wait()

	// The highest revision carries the stored state.
	var latest SessionEvent
	seen := make(map[uint64]bool)
	for _, ev := range log.events {
		assert.False(t, seen[ev.Revision], "revision %d emitted twice", ev.Revision)
		seen[ev.Revision] = true
		if ev.Revision > latest.Revision {
			latest = ev
		}
	}
	assert.Len(t, log.events, 21)
	state, _ := store.Get(id)
	assert.Equal(t, state.Mask(), latest.State.Mask())
}
