package planboard

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/gridflex/protocol"
)

// fakeClock is a settable clock for deterministic expiration tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 12, 9, 0, 0, 0, time.UTC)}
}

func testDoc(seq int64) *protocol.Document {
	return &protocol.Document{
		Type:               protocol.DocumentTypeDPrognosis,
		SequenceNumber:     seq,
		Period:             protocol.Period{Year: 2026, Month: time.March, Day: 13},
		CounterpartyDomain: "dso.example.com",
		CounterpartyRole:   protocol.RoleDSO,
		ConnectionGroup:    "cp-north",
		Status:             protocol.StatusNew,
		Slots:              []protocol.SlotValue{{Start: 1, Duration: 96, Power: 250000}},
	}
}

func TestPlanboard_PutAssignsIDAndTimestamps(t *testing.T) {
	clock := newFakeClock()
	pb := New(WithClock(clock))

	doc := testDoc(1)
	require.NoError(t, pb.Put(doc))
	assert.NotEmpty(t, doc.ID)

	stored, ok := pb.Get("cp-north", doc.Period, doc.ID)
	require.True(t, ok)
	assert.Equal(t, clock.Now(), stored.CreatedAt)
	assert.Equal(t, protocol.StatusNew, stored.Status)
}

func TestPlanboard_PutRejectsInvalid(t *testing.T) {
	pb := New()
	doc := testDoc(1)
	doc.SequenceNumber = 0
	assert.Error(t, pb.Put(doc))
}

func TestPlanboard_NextSequenceMonotonic(t *testing.T) {
	pb := New()

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq := pb.NextSequence(protocol.DocumentTypeFlexOffer)
			mu.Lock()
			assert.False(t, seen[seq], "sequence %d issued twice", seq)
			seen[seq] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	assert.Equal(t, int64(51), pb.NextSequence(protocol.DocumentTypeFlexOffer))

	// Counters are independent per document type.
	assert.Equal(t, int64(1), pb.NextSequence(protocol.DocumentTypeDPrognosis))
}

func TestPlanboard_CheckInboundSequence(t *testing.T) {
	pb := New()

	require.NoError(t, pb.CheckInboundSequence("agr.example.com", protocol.DocumentTypeFlexOffer, 1))
	pb.MarkInboundSequence("agr.example.com", protocol.DocumentTypeFlexOffer, 1)
	require.NoError(t, pb.CheckInboundSequence("agr.example.com", protocol.DocumentTypeFlexOffer, 5))
	pb.MarkInboundSequence("agr.example.com", protocol.DocumentTypeFlexOffer, 5)

	// Stale and repeated sequences are violations, not duplicates.
	err := pb.CheckInboundSequence("agr.example.com", protocol.DocumentTypeFlexOffer, 5)
	var sverr *protocol.SequenceViolationError
	require.ErrorAs(t, err, &sverr)
	assert.Equal(t, int64(5), sverr.Got)
	assert.Equal(t, int64(5), sverr.LastSeen)

	err = pb.CheckInboundSequence("agr.example.com", protocol.DocumentTypeFlexOffer, 3)
	require.ErrorAs(t, err, &sverr)

	require.NoError(t, pb.CheckInboundSequence("agr.example.com", protocol.DocumentTypeFlexOffer, 6))

	// Other senders and other types are tracked independently.
	require.NoError(t, pb.CheckInboundSequence("agr2.example.com", protocol.DocumentTypeFlexOffer, 1))
	require.NoError(t, pb.CheckInboundSequence("agr.example.com", protocol.DocumentTypeDPrognosis, 1))

	// A check alone spends nothing: the same number passes again until it is
	// marked, so a failed store can be retransmitted.
	require.NoError(t, pb.CheckInboundSequence("agr2.example.com", protocol.DocumentTypeFlexOffer, 1))
	pb.MarkInboundSequence("agr2.example.com", protocol.DocumentTypeFlexOffer, 1)
	require.ErrorAs(t, pb.CheckInboundSequence("agr2.example.com", protocol.DocumentTypeFlexOffer, 1), &sverr)
}

func TestPlanboard_Transition(t *testing.T) {
	pb := New()
	doc := testDoc(1)
	require.NoError(t, pb.Put(doc))

	require.NoError(t, pb.Transition("cp-north", doc.Period, doc.ID, protocol.StatusAccepted))
	require.NoError(t, pb.Transition("cp-north", doc.Period, doc.ID, protocol.StatusPendingFurtherAction))
	require.NoError(t, pb.Transition("cp-north", doc.Period, doc.ID, protocol.StatusProcessed))

	err := pb.Transition("cp-north", doc.Period, doc.ID, protocol.StatusAccepted)
	var terr *protocol.IllegalTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, protocol.StatusProcessed, terr.From)

	assert.Error(t, pb.Transition("cp-north", doc.Period, "missing", protocol.StatusAccepted))
}

func TestPlanboard_Supersede(t *testing.T) {
	pb := New()
	doc := testDoc(1)
	require.NoError(t, pb.Put(doc))

	// A plain transition never rolls a processed document back.
	require.NoError(t, pb.Transition("cp-north", doc.Period, doc.ID, protocol.StatusAccepted))

	err := pb.Supersede("cp-north", doc.Period, doc.ID)
	var terr *protocol.IllegalTransitionError
	require.ErrorAs(t, err, &terr, "only processed documents can be superseded")

	require.NoError(t, pb.Transition("cp-north", doc.Period, doc.ID, protocol.StatusProcessed))
	require.NoError(t, pb.Supersede("cp-north", doc.Period, doc.ID))

	stored, ok := pb.Get("cp-north", doc.Period, doc.ID)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusPendingFurtherAction, stored.Status)
}

func TestPlanboard_LazyExpiration(t *testing.T) {
	clock := newFakeClock()
	pb := New(WithClock(clock))

	doc := testDoc(1)
	exp := clock.Now().Add(30 * time.Minute)
	doc.ExpirationTime = &exp
	require.NoError(t, pb.Put(doc))

	stored, _ := pb.Get("cp-north", doc.Period, doc.ID)
	assert.Equal(t, protocol.StatusNew, stored.Status)

	clock.Advance(time.Hour)

	stored, _ = pb.Get("cp-north", doc.Period, doc.ID)
	assert.Equal(t, protocol.StatusExpired, stored.Status)

	// An expired document refuses further transitions.
	assert.Error(t, pb.Transition("cp-north", doc.Period, doc.ID, protocol.StatusAccepted))
}

func TestPlanboard_Sweep(t *testing.T) {
	clock := newFakeClock()
	pb := New(WithClock(clock))

	exp := clock.Now().Add(10 * time.Minute)
	for seq := int64(1); seq <= 3; seq++ {
		doc := testDoc(seq)
		doc.ExpirationTime = &exp
		require.NoError(t, pb.Put(doc))
	}
	durable := testDoc(4)
	require.NoError(t, pb.Put(durable))

	assert.Equal(t, 0, pb.Sweep())

	clock.Advance(time.Hour)
	assert.Equal(t, 3, pb.Sweep())
	assert.Equal(t, 0, pb.Sweep(), "second sweep finds nothing new")

	stored, _ := pb.Get("cp-north", durable.Period, durable.ID)
	assert.Equal(t, protocol.StatusNew, stored.Status)
}

func TestPlanboard_QueryOrderingAndFilter(t *testing.T) {
	pb := New()
	period := protocol.Period{Year: 2026, Month: time.March, Day: 13}

	for _, seq := range []int64{3, 1, 2} {
		require.NoError(t, pb.Put(testDoc(seq)))
	}
	offer := testDoc(9)
	offer.Type = protocol.DocumentTypeFlexOffer
	require.NoError(t, pb.Put(offer))

	docs := pb.Query("cp-north", period, Filter{Type: protocol.DocumentTypeDPrognosis})
	require.Len(t, docs, 3)
	assert.Equal(t, int64(1), docs[0].SequenceNumber)
	assert.Equal(t, int64(2), docs[1].SequenceNumber)
	assert.Equal(t, int64(3), docs[2].SequenceNumber)

	latest, ok := pb.Latest("cp-north", period, Filter{Type: protocol.DocumentTypeDPrognosis})
	require.True(t, ok)
	assert.Equal(t, int64(3), latest.SequenceNumber)

	found, ok := pb.FindBySequence("cp-north", period, protocol.DocumentTypeFlexOffer, "dso.example.com", 9)
	require.True(t, ok)
	assert.Equal(t, offer.ID, found.ID)

	_, ok = pb.FindBySequence("cp-north", period, protocol.DocumentTypeFlexOffer, "dso.example.com", 99)
	assert.False(t, ok)

	assert.Empty(t, pb.Query("cp-south", period, Filter{}))
}

func TestPlanboard_Groups(t *testing.T) {
	pb := New()
	period := protocol.Period{Year: 2026, Month: time.March, Day: 13}

	north := testDoc(1)
	require.NoError(t, pb.Put(north))
	south := testDoc(1)
	south.ConnectionGroup = "cp-south"
	require.NoError(t, pb.Put(south))

	assert.Equal(t, []string{"cp-north", "cp-south"}, pb.Groups(period))
	assert.Empty(t, pb.Groups(period.Next()))
}

func TestPlanboard_FindOrCreateSlots(t *testing.T) {
	pb := New()
	period := protocol.Period{Year: 2026, Month: time.March, Day: 13}

	states := pb.FindOrCreateSlots("cp-north", period, 96)
	require.Len(t, states, 96)
	for _, s := range states {
		assert.Equal(t, RegimeState{Regime: RegimeNormal}, s)
	}

	// Idempotent: a second call keeps what was colored in between.
	require.NoError(t, pb.SetSlotRegime("cp-north", period, 33,
		RegimeState{Regime: RegimeCongestionActive, LimitedPower: 500_000}))
	again := pb.FindOrCreateSlots("cp-north", period, 96)
	require.Len(t, again, 96)
	assert.Equal(t, RegimeCongestionActive, again[32].Regime)
	assert.Equal(t, int64(500_000), again[32].LimitedPower)

	// The returned slice is a snapshot; mutating it changes nothing.
	again[10].Regime = RegimeCongestionRisk
	assert.Equal(t, RegimeNormal, pb.SlotRegime("cp-north", period, 11).Regime)
}

func TestPlanboard_SlotRegime(t *testing.T) {
	pb := New()
	period := protocol.Period{Year: 2026, Month: time.March, Day: 13}

	assert.Equal(t, RegimeNormal, pb.SlotRegime("cp-north", period, 5).Regime)
	assert.Equal(t, RegimeNormal, pb.Regime("cp-north", period))

	require.NoError(t, pb.SetSlotRegime("cp-north", period, 5,
		RegimeState{Regime: RegimeCongestionRisk}))
	assert.Equal(t, RegimeCongestionRisk, pb.SlotRegime("cp-north", period, 5).Regime)
	assert.Equal(t, RegimeNormal, pb.SlotRegime("cp-north", period, 6).Regime)

	// The period summary carries the worst slot; other groups and periods
	// stay untouched.
	assert.Equal(t, RegimeCongestionRisk, pb.Regime("cp-north", period))
	assert.Equal(t, RegimeNormal, pb.Regime("cp-south", period))
	assert.Equal(t, RegimeNormal, pb.Regime("cp-north", period.Next()))

	require.NoError(t, pb.SetSlotRegime("cp-north", period, 9,
		RegimeState{Regime: RegimeCongestionActive, LimitedPower: 250_000}))
	assert.Equal(t, RegimeCongestionActive, pb.Regime("cp-north", period))
	assert.Equal(t, int64(250_000), pb.SlotRegime("cp-north", period, 9).LimitedPower)

	require.NoError(t, pb.SetSlotRegime("cp-north", period, 9,
		RegimeState{Regime: RegimeNormal}))
	assert.Equal(t, RegimeCongestionRisk, pb.Regime("cp-north", period))

	assert.Error(t, pb.SetSlotRegime("cp-north", period, 0, RegimeState{Regime: RegimeNormal}))
	assert.Error(t, pb.SetSlotRegime("cp-north", period, 5, RegimeState{Regime: "stormy"}))
}

// recordingSink captures archive snapshots for assertions.
type recordingSink struct {
	mu   sync.Mutex
	docs []protocol.Document
}

func (s *recordingSink) Store(doc *protocol.Document) {
	s.mu.Lock()
	s.docs = append(s.docs, *doc)
	s.mu.Unlock()
}

func TestPlanboard_ArchiveReceivesMutations(t *testing.T) {
	sink := &recordingSink{}
	pb := New(WithArchive(sink))

	doc := testDoc(1)
	require.NoError(t, pb.Put(doc))
	require.NoError(t, pb.Transition("cp-north", doc.Period, doc.ID, protocol.StatusAccepted))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.docs, 2)
	assert.Equal(t, protocol.StatusNew, sink.docs[0].Status)
	assert.Equal(t, protocol.StatusAccepted, sink.docs[1].Status)
}
