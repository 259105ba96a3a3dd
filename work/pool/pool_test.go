package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stb-proxy/work/config"
	"stb-proxy/work/occupancy"
	"stb-proxy/work/types"
)

type memStore struct {
	mu       sync.Mutex
	requests map[string]int64
	playtime map[string]float64
	errors   map[string]int64
	order    []string
	fail     error
}

func newMemStore(macs ...string) *memStore {
	return &memStore{
		requests: make(map[string]int64),
		playtime: make(map[string]float64),
		errors:   make(map[string]int64),
		order:    append([]string(nil), macs...),
	}
}

func (m *memStore) IncrementRequests(_ context.Context, _, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[mac]++
	return m.fail
}

func (m *memStore) AddStreamStats(_ context.Context, _, mac string, playtime float64, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playtime[mac] += playtime
	if failed {
		m.errors[mac]++
	}
	return m.fail
}

func (m *memStore) MoveAccountToBack(_ context.Context, _, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	next := make([]string, 0, len(m.order))
	for _, o := range m.order {
		if o != mac {
			next = append(next, o)
		}
	}
	m.order = append(next, mac)
	return nil
}

func testSource(accounts ...types.Account) *types.Source {
	for i := range accounts {
		accounts[i].SourceID = "src"
		accounts[i].Enabled = true
	}
	return &types.Source{ID: "src", Name: "Portal", Enabled: true, Accounts: accounts}
}

func pollOptions(budget time.Duration) Options {
	return Options{WaitPolicy: config.WaitPolicyPoll, WaitInterval: 5 * time.Millisecond, WaitBudget: budget}
}

func TestSelectAccountNoAccounts(t *testing.T) {
	p := New(occupancy.NewRegistry(), newMemStore(), pollOptions(time.Second))

	src := testSource(types.Account{MAC: "A", MaxStreams: 1})
	src.Accounts[0].Enabled = false

	_, _, err := p.SelectAccount(context.Background(), src, nil, Request{ChannelID: "1"})
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestSelectAccountPriorityAndExclusion(t *testing.T) {
	p := New(occupancy.NewRegistry(), newMemStore(), pollOptions(0))
	src := testSource(types.Account{MAC: "A", MaxStreams: 1}, types.Account{MAC: "B", MaxStreams: 1})

	acc, lease, err := p.SelectAccount(context.Background(), src, nil, Request{ChannelID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "A", acc.MAC)
	defer lease.Release()

	acc, lease2, err := p.SelectAccount(context.Background(), src, nil, Request{ChannelID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "B", acc.MAC, "A is full, B is next")
	lease2.Release()

	acc, lease3, err := p.SelectAccount(context.Background(), src, map[string]bool{"B": true}, Request{ChannelID: "1"})
	assert.ErrorIs(t, err, ErrNoFreeAccount)
	assert.Nil(t, lease3)
	assert.Empty(t, acc.MAC)
}

func TestSelectAccountRemembersBusyAccounts(t *testing.T) {
	p := New(occupancy.NewRegistry(), newMemStore(), pollOptions(50*time.Millisecond))
	src := testSource(types.Account{MAC: "A", MaxStreams: 1}, types.Account{MAC: "B", MaxStreams: 1}, types.Account{MAC: "C", MaxStreams: 1})

	_, busy, err := p.SelectAccount(context.Background(), src, nil, Request{})
	require.NoError(t, err)
	defer busy.Release()

	exclude := map[string]bool{}
	acc, lease, err := p.SelectAccount(context.Background(), src, exclude, Request{})
	require.NoError(t, err)
	assert.Equal(t, "B", acc.MAC)
	assert.True(t, exclude["A"])
	lease.Release()

	// B failed upstream; the next pick must not wait on A again
	exclude["B"] = true
	start := time.Now()
	acc, lease, err = p.SelectAccount(context.Background(), src, exclude, Request{})
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, "C", acc.MAC)
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestSkipPolicyDoesNotWait(t *testing.T) {
	opts := pollOptions(5 * time.Second)
	opts.WaitPolicy = config.WaitPolicySkip
	p := New(occupancy.NewRegistry(), newMemStore(), opts)
	src := testSource(types.Account{MAC: "A", MaxStreams: 1})

	_, lease, err := p.SelectAccount(context.Background(), src, nil, Request{})
	require.NoError(t, err)
	defer lease.Release()

	start := time.Now()
	_, _, err = p.SelectAccount(context.Background(), src, nil, Request{})
	assert.ErrorIs(t, err, ErrNoFreeAccount)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSingleSlotSecondRequestGivesUpAfterBudget(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(occupancy.NewRegistry(), newMemStore(), pollOptions(60*time.Millisecond))
	src := testSource(types.Account{MAC: "A", MaxStreams: 1})

	_, lease, err := p.SelectAccount(context.Background(), src, nil, Request{})
	require.NoError(t, err)
	defer lease.Release()

	start := time.Now()
	_, _, err = p.SelectAccount(context.Background(), src, nil, Request{})
	assert.ErrorIs(t, err, ErrNoFreeAccount)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestSingleSlotSecondRequestSucceedsAfterRelease(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	registry := occupancy.NewRegistry()
	p := New(registry, newMemStore(), pollOptions(2*time.Second))
	src := testSource(types.Account{MAC: "A", MaxStreams: 1})

	_, first, err := p.SelectAccount(context.Background(), src, nil, Request{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, second, err := p.SelectAccount(context.Background(), src, nil, Request{})
		if err == nil {
			assert.Equal(t, 1, registry.Count("src", "A"))
			second.Release()
		}
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, registry.Count("src", "A"))
	first.Release()

	require.NoError(t, <-done)
	assert.Equal(t, 0, registry.Count("src", "A"))
}

func TestConcurrentSelectionHonorsLimit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	registry := occupancy.NewRegistry()
	p := New(registry, newMemStore(), pollOptions(0))
	src := testSource(types.Account{MAC: "A", MaxStreams: 1})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []*occupancy.Lease
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, lease, err := p.SelectAccount(context.Background(), src, nil, Request{})
			if err != nil {
				return
			}
			mu.Lock()
			granted = append(granted, lease)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, granted, 1)
	for _, l := range granted {
		l.Release()
	}
}

func TestSelectionStopsOnCancel(t *testing.T) {
	p := New(occupancy.NewRegistry(), newMemStore(), pollOptions(5*time.Second))
	src := testSource(types.Account{MAC: "A", MaxStreams: 1})

	_, lease, err := p.SelectAccount(context.Background(), src, nil, Request{})
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = p.SelectAccount(ctx, src, nil, Request{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStatsAndRotation(t *testing.T) {
	store := newMemStore("A", "B", "C")
	p := New(occupancy.NewRegistry(), store, pollOptions(0))
	ctx := context.Background()

	p.MarkAttempt(ctx, "src", "A")
	p.MarkAttempt(ctx, "src", "A")
	p.RecordStream(ctx, "src", "A", 30*time.Second+40*time.Millisecond, true)
	require.NoError(t, p.RotateToBack(ctx, "src", "A"))

	assert.Equal(t, int64(2), store.requests["A"])
	assert.InDelta(t, 30.0, store.playtime["A"], 0.001)
	assert.Equal(t, int64(1), store.errors["A"])
	assert.Equal(t, []string{"B", "C", "A"}, store.order)

	store.fail = errors.New("disk full")
	assert.Error(t, p.RotateToBack(ctx, "src", "B"))
}
