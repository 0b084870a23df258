package protocol

import (
	"errors"
	"fmt"

	"github.com/c360studio/semstreams/payloadregistry"
)

// RegisterPayloads registers every protocol payload type with the supplied
// registry. Called from the process bootstrap before any consumer starts.
func RegisterPayloads(reg *payloadregistry.Registry) error {
	registrations := []*payloadregistry.Registration{
		{
			Domain:      "flex",
			Category:    "a-plan",
			Version:     "v1",
			Description: "Balance-responsible party energy plan for a period",
			Factory:     func() any { return &APlan{} },
		},
		{
			Domain:      "flex",
			Category:    "d-prognosis",
			Version:     "v1",
			Description: "Aggregator consumption/production prognosis per congestion point",
			Factory:     func() any { return &DPrognosis{} },
		},
		{
			Domain:      "flex",
			Category:    "request",
			Version:     "v1",
			Description: "Grid operator request for flexible power changes",
			Factory:     func() any { return &FlexRequest{} },
		},
		{
			Domain:      "flex",
			Category:    "offer",
			Version:     "v1",
			Description: "Aggregator priced offer of flexible power changes",
			Factory:     func() any { return &FlexOffer{} },
		},
		{
			Domain:      "flex",
			Category:    "order",
			Version:     "v1",
			Description: "Grid operator order committing an offered power change",
			Factory:     func() any { return &FlexOrder{} },
		},
		{
			Domain:      "flex",
			Category:    "revocation",
			Version:     "v1",
			Description: "Aggregator withdrawal of an accepted flex offer",
			Factory:     func() any { return &FlexRevocation{} },
		},
		{
			Domain:      "flex",
			Category:    "settlement",
			Version:     "v1",
			Description: "Settlement of ordered flexibility for a completed period",
			Factory:     func() any { return &Settlement{} },
		},
		{
			Domain:      "flex",
			Category:    "response",
			Version:     "v1",
			Description: "Accept/reject verdict answering a received document",
			Factory:     func() any { return &Response{} },
		},
		{
			Domain:      "flex",
			Category:    "reoptimize",
			Version:     "v1",
			Description: "Internal trigger to re-run portfolio optimization",
			Factory:     func() any { return &ReoptimizeEvent{} },
		},
		{
			Domain:      "meter",
			Category:    "query",
			Version:     "v1",
			Description: "Query for metered readings over a period",
			Factory:     func() any { return &MeterDataQuery{} },
		},
		{
			Domain:      "meter",
			Category:    "readings",
			Version:     "v1",
			Description: "Metered readings answering a meter-data query",
			Factory:     func() any { return &MeterDataResult{} },
		},
		{
			Domain:      "reference",
			Category:    "query",
			Version:     "v1",
			Description: "Query for participants registered on a connection group",
			Factory:     func() any { return &CommonReferenceQuery{} },
		},
		{
			Domain:      "reference",
			Category:    "entities",
			Version:     "v1",
			Description: "Registered participants answering a reference query",
			Factory:     func() any { return &CommonReferenceResult{} },
		},
	}

	var errs []error
	for _, r := range registrations {
		if err := reg.Register(r); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", r.MessageType(), err))
		}
	}
	return errors.Join(errs...)
}

// catalog holds every protocol payload type. Wire decoding needs the
// factory for each type discriminator, so the registry is built once at
// package init and shared by Decode and DecodeBase.
var catalog = func() *payloadregistry.Registry {
	reg := payloadregistry.New()
	if err := RegisterPayloads(reg); err != nil {
		panic("protocol: payload registration: " + err.Error())
	}
	return reg
}()

// Registry returns the registry holding every protocol payload type, for
// wiring into service and component dependencies at bootstrap.
func Registry() *payloadregistry.Registry { return catalog }
