package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semstreams/message"
)

func testEnvelope() Envelope {
	return NewEnvelope("dso.example.com", RoleDSO, "agr.example.com", RoleAGR, PrecedenceTransactional)
}

func TestNewEnvelope(t *testing.T) {
	e := testEnvelope()

	require.NoError(t, e.Validate())
	assert.Equal(t, e.MessageID, e.ConversationID, "a fresh envelope opens its own conversation")
	assert.NotEmpty(t, e.MessageID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestEnvelope_Reply(t *testing.T) {
	e := testEnvelope()
	r := e.Reply()

	require.NoError(t, r.Validate())
	assert.Equal(t, e.ConversationID, r.ConversationID, "reply stays in the conversation")
	assert.NotEqual(t, e.MessageID, r.MessageID)
	assert.Equal(t, e.SenderDomain, r.RecipientDomain)
	assert.Equal(t, e.RecipientDomain, r.SenderDomain)
	assert.Equal(t, e.SenderRole, r.RecipientRole)
	assert.Equal(t, e.RecipientRole, r.SenderRole)
}

func TestFlexRequest_Validate(t *testing.T) {
	valid := func() *FlexRequest {
		return &FlexRequest{
			Envelope:        testEnvelope(),
			SequenceNumber:  7,
			Period:          Period{Year: 2026, Month: time.April, Day: 1},
			ConnectionGroup: "cp-north",
			Slots: []RequestSlot{
				{Start: 33, Duration: 8, Power: -2000000, Disposition: DispositionRequested},
				{Start: 41, Duration: 4, Power: 0, Disposition: DispositionAvailable},
			},
		}
	}

	require.NoError(t, valid().Validate())

	t.Run("no requested slots", func(t *testing.T) {
		r := valid()
		for i := range r.Slots {
			r.Slots[i].Disposition = DispositionAvailable
		}
		var verr *ValidationError
		require.ErrorAs(t, r.Validate(), &verr)
		assert.Equal(t, "slots", verr.Field)
	})

	t.Run("zero sequence", func(t *testing.T) {
		r := valid()
		r.SequenceNumber = 0
		assert.Error(t, r.Validate())
	})

	t.Run("missing period", func(t *testing.T) {
		r := valid()
		r.Period = Period{}
		assert.Error(t, r.Validate())
	})
}

func TestFlexOrder_Validate(t *testing.T) {
	o := &FlexOrder{
		Envelope:        testEnvelope(),
		SequenceNumber:  3,
		Period:          Period{Year: 2026, Month: time.April, Day: 1},
		ConnectionGroup: "cp-north",
		OfferSequence:   12,
		Slots:           []SlotValue{{Start: 33, Duration: 8, Power: -1500000, Price: decimal.NewFromInt(240)}},
	}
	require.NoError(t, o.Validate())

	o.OfferSequence = 0
	var verr *ValidationError
	require.ErrorAs(t, o.Validate(), &verr)
	assert.Equal(t, "offer_sequence", verr.Field)
}

func TestResponse_Validate(t *testing.T) {
	valid := func() *Response {
		return &Response{
			Envelope:        testEnvelope().Reply(),
			Subject:         DocumentTypeFlexOffer,
			SubjectSequence: 12,
			Period:          Period{Year: 2026, Month: time.April, Day: 1},
			Result:          ResultAccepted,
		}
	}

	require.NoError(t, valid().Validate())

	t.Run("rejection needs a reason", func(t *testing.T) {
		r := valid()
		r.Result = ResultRejected
		var verr *ValidationError
		require.ErrorAs(t, r.Validate(), &verr)
		assert.Equal(t, "reason", verr.Field)

		r.Reason = "sequence out of order"
		assert.NoError(t, r.Validate())
	})

	t.Run("unknown result", func(t *testing.T) {
		r := valid()
		r.Result = "maybe"
		assert.Error(t, r.Validate())
	})
}

func TestSettlement_Validate(t *testing.T) {
	s := &Settlement{
		Envelope:       testEnvelope(),
		SequenceNumber: 1,
		Period:         Period{Year: 2026, Month: time.March, Day: 31},
		Lines: []SettlementLine{
			{OrderSequence: 4, Slots: []SlotValue{{Start: 33, Duration: 8, Power: -1500000, Price: decimal.RequireFromString("238.50")}}},
		},
	}
	require.NoError(t, s.Validate())

	s.Lines = nil
	assert.Error(t, s.Validate())
}

// TestEncodeDecode_RoundTrip sends every registered payload type through the
// wire codec and compares the decoded payload field for field on its JSON
// form, so a lost or renamed field in any type fails here.
func TestEncodeDecode_RoundTrip(t *testing.T) {
	period := Period{Year: 2026, Month: time.April, Day: 1}
	slots := []SlotValue{{Start: 33, Duration: 8, Power: -1_500_000, Price: decimal.RequireFromString("240.00")}}

	tests := []struct {
		name    string
		payload message.Payload
	}{
		{"a-plan", &APlan{Envelope: testEnvelope(), SequenceNumber: 1, Period: period,
			ConnectionGroup: "cp-north", Slots: slots}},
		{"d-prognosis", &DPrognosis{Envelope: testEnvelope(), SequenceNumber: 2, Period: period,
			ConnectionGroup: "cp-north", Slots: slots, Updated: true}},
		{"flex request", &FlexRequest{Envelope: testEnvelope(), SequenceNumber: 3, Period: period,
			ConnectionGroup: "cp-north", ExpirationTime: "2026-04-01T06:00:00Z",
			Slots: []RequestSlot{{Start: 33, Duration: 8, Power: -2_000_000, Disposition: DispositionRequested}}}},
		{"flex offer", &FlexOffer{Envelope: testEnvelope(), SequenceNumber: 4, Period: period,
			ConnectionGroup: "cp-north", RequestSequence: 3, Slots: slots}},
		{"flex order", &FlexOrder{Envelope: testEnvelope(), SequenceNumber: 5, Period: period,
			ConnectionGroup: "cp-north", OfferSequence: 4, Slots: slots}},
		{"flex revocation", &FlexRevocation{Envelope: testEnvelope(), SequenceNumber: 6, Period: period,
			OfferSequence: 4}},
		{"settlement", &Settlement{Envelope: testEnvelope(), SequenceNumber: 7, Period: period,
			Lines: []SettlementLine{{OrderSequence: 5, Slots: slots}}}},
		{"response", &Response{Envelope: testEnvelope().Reply(), Subject: DocumentTypeFlexOffer,
			SubjectSequence: 4, Period: period, Result: ResultRejected, Reason: "gate closed"}},
		{"reoptimize event", &ReoptimizeEvent{Period: period, ConnectionGroup: "cp-north",
			Trigger: TriggerOrderAccepted}},
		{"meter data query", &MeterDataQuery{Envelope: testEnvelope(), Period: period,
			ConnectionGroup: "cp-north"}},
		{"meter data result", &MeterDataResult{Envelope: testEnvelope(), Period: period,
			ConnectionGroup: "cp-north", Incomplete: true,
			Readings: []MeterReading{{Slot: 33, Connection: "ean-871685900012345678", Energy: -375_000}}}},
		{"common reference query", &CommonReferenceQuery{Envelope: testEnvelope(),
			ConnectionGroup: "cp-north"}},
		{"common reference result", &CommonReferenceResult{Envelope: testEnvelope(),
			ConnectionGroup: "cp-north",
			Entries: []ReferenceEntry{{Domain: "agr.example.com", Role: RoleAGR, ConnectionGroup: "cp-north"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.payload, "test")
			require.NoError(t, err)

			subject := "flex.in.dso-example-com." + tt.payload.Schema().Category
			msg, err := DecodeBase(subject, data)
			require.NoError(t, err)
			assert.Equal(t, tt.payload.Schema(), msg.Type())

			want, err := json.Marshal(tt.payload)
			require.NoError(t, err)
			got, err := json.Marshal(msg.Payload())
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(got))
		})
	}
}

func TestDecode_TypedPreservesPrices(t *testing.T) {
	offer := &FlexOffer{
		Envelope:        testEnvelope(),
		SequenceNumber:  12,
		Period:          Period{Year: 2026, Month: time.April, Day: 1},
		ConnectionGroup: "cp-north",
		RequestSequence: 7,
		Slots:           []SlotValue{{Start: 33, Duration: 8, Power: -1500000, Price: decimal.RequireFromString("240.00")}},
	}

	data, err := Encode(offer, "agr-coordinator")
	require.NoError(t, err)

	decoded, err := Decode[FlexOffer]("flex.in.dso-example-com.offer", data)
	require.NoError(t, err)

	assert.Equal(t, offer.SequenceNumber, decoded.SequenceNumber)
	assert.Equal(t, offer.Period, decoded.Period)
	assert.Equal(t, offer.ConversationID, decoded.ConversationID)
	assert.True(t, offer.Slots[0].Price.Equal(decoded.Slots[0].Price))
}

func TestEncode_RejectsInvalidPayload(t *testing.T) {
	_, err := Encode(&FlexRevocation{Envelope: testEnvelope()}, "agr-coordinator")
	assert.Error(t, err, "revocation without sequence must not hit the wire")
}

func TestDecode_BadData(t *testing.T) {
	_, err := Decode[FlexOffer]("flex.in.dso-example-com.offer", []byte("not json"))
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "flex.in.dso-example-com.offer", derr.Subject)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "flex.in.agr-example-com.order", InboxSubject("agr.example.com", "order"))
	assert.Equal(t, "flex.in.agr-example-com.>", InboxFilter("AGR.Example.Com"))
	assert.Equal(t, "flex.dlq.dso-example-com", DLQSubject("dso.example.com"))
}

func TestParseExpirationTime(t *testing.T) {
	exp, err := ParseExpirationTime("")
	require.NoError(t, err)
	assert.Nil(t, exp)

	exp, err = ParseExpirationTime("2026-04-01T12:00:00Z")
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.Equal(t, 12, exp.UTC().Hour())

	_, err = ParseExpirationTime("tomorrow-ish")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expiration_time", verr.Field)
}
