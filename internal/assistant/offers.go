package assistant

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/freelaince/syncbridge/internal/kvstore"
	"github.com/freelaince/syncbridge/internal/protocol"
)

const keyOffers = "assistant/offers"

// offerBook is the server-side job offer store. Seeded with sample
// offers on first run so a fresh install has something to show.
type offerBook struct {
	kv kvstore.Store

	mu     sync.Mutex
	offers map[string]protocol.Offer
}

func newOfferBook(kv kvstore.Store) (*offerBook, error) {
	b := &offerBook{kv: kv, offers: make(map[string]protocol.Offer)}
	values, err := kv.Get(keyOffers)
	if err != nil {
		return nil, err
	}
	if data, ok := values[keyOffers]; ok {
		if err := json.Unmarshal(data, &b.offers); err != nil {
			b.offers = make(map[string]protocol.Offer)
		}
	}
	if len(b.offers) == 0 {
		b.seed()
		if err := b.persistLocked(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *offerBook) seed() {
	now := time.Now().UTC().Format(time.RFC3339)
	samples := []protocol.Offer{
		{
			OfferID:       "offer-001",
			JobTitle:      "Landing page redesign",
			ClientName:    "Maria Santos",
			ClientCompany: "Bloom Studio",
			ClientContact: "maria@bloomstudio.example",
			DateTime:      now,
			Location:      "Remote",
			Status:        protocol.OfferPending,
			Description:   "Redesign of a marketing landing page, responsive layout required.",
			PaymentTerms:  "Fixed price, 50% upfront",
			Duration:      "2 weeks",
			CreatedAt:     now,
		},
		{
			OfferID:       "offer-002",
			JobTitle:      "API integration",
			ClientName:    "Tomas Berg",
			ClientCompany: "Nordic Logistics",
			ClientContact: "t.berg@nordiclog.example",
			DateTime:      now,
			Location:      "Remote",
			Status:        protocol.OfferPending,
			Description:   "Connect the order system to a carrier tracking API.",
			PaymentTerms:  "Hourly",
			Duration:      "1 month",
			CreatedAt:     now,
		},
	}
	for _, offer := range samples {
		b.offers[offer.OfferID] = offer
	}
}

func (b *offerBook) persistLocked() error {
	data, err := json.Marshal(b.offers)
	if err != nil {
		return err
	}
	return b.kv.Set(map[string][]byte{keyOffers: data})
}

func (b *offerBook) list() []protocol.Offer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Offer, 0, len(b.offers))
	for _, offer := range b.offers {
		out = append(out, offer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfferID < out[j].OfferID })
	return out
}

func (b *offerBook) updateStatus(id string, status protocol.OfferStatus) error {
	if !status.Valid() {
		return protocol.ErrInvalidStatus
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	offer, ok := b.offers[id]
	if !ok {
		return kvstore.ErrNotFound
	}
	// Any valid status may follow any other; there is no transition
	// graph for offer lifecycle.
	offer.Status = status
	b.offers[id] = offer
	return b.persistLocked()
}

func (s *Server) handleGetOffers(c *client) {
	env := protocol.New(protocol.TypeOffersData)
	env.Offers = s.offers.list()
	env.TotalCount = len(env.Offers)
	if err := c.send(env); err != nil {
		s.drop(c, "offers write failed")
	}
}

func (s *Server) handleUpdateOfferStatus(req protocol.Envelope) {
	ack := protocol.New(protocol.TypeOfferStatusUpdated)
	ack.OfferID = req.OfferID
	ack.Status = req.Status
	if err := s.offers.updateStatus(req.OfferID, req.Status); err != nil {
		ack.Success = protocol.BoolPtr(false)
		ack.Error = err.Error()
	} else {
		ack.Success = protocol.BoolPtr(true)
	}
	s.broadcast(ack)
}
