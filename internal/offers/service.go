package offers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/p2pdesk/exchange-client/internal/gateway"
	"github.com/p2pdesk/exchange-client/internal/reconcile"
)

const offersPath = "/client/offers"

type Service struct {
	api gateway.Requester
}

func NewService(api gateway.Requester) *Service {
	return &Service{api: api}
}

// List returns one page of the public offer book.
func (s *Service) List(ctx context.Context, filter Filter, page reconcile.Page) ([]Offer, error) {
	offers, err := gateway.Request[[]Offer](ctx, s.api, offersPath, gateway.Options{
		Query: filter.Query(page.Limit, page.Offset),
	})
	if err != nil {
		return nil, fmt.Errorf("listing offers: %w", err)
	}

	return offers, nil
}

// Mine returns the offers owned by the signed-in user.
func (s *Service) Mine(ctx context.Context) ([]Offer, error) {
	offers, err := gateway.Request[[]Offer](ctx, s.api, offersPath+"/my", gateway.Options{})
	if err != nil {
		return nil, fmt.Errorf("listing own offers: %w", err)
	}

	return offers, nil
}

func (s *Service) Get(ctx context.Context, id string) (Offer, error) {
	offer, err := gateway.Request[Offer](ctx, s.api, offerPath(id), gateway.Options{})
	if err != nil {
		return Offer{}, fmt.Errorf("getting offer %s: %w", id, err)
	}

	return offer, nil
}

func (s *Service) Create(ctx context.Context, in Input) (Offer, error) {
	offer, err := gateway.Request[Offer](ctx, s.api, offersPath, gateway.Options{
		Method: http.MethodPost,
		Body:   in,
	})
	if err != nil {
		return Offer{}, fmt.Errorf("creating offer: %w", err)
	}

	return offer, nil
}

func (s *Service) Update(ctx context.Context, id string, in Input) (Offer, error) {
	offer, err := gateway.Request[Offer](ctx, s.api, offerPath(id), gateway.Options{
		Method: http.MethodPatch,
		Body:   in,
	})
	if err != nil {
		return Offer{}, fmt.Errorf("updating offer %s: %w", id, err)
	}

	return offer, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.api.Request(ctx, offerPath(id), gateway.Options{Method: http.MethodDelete}); err != nil {
		return fmt.Errorf("deleting offer %s: %w", id, err)
	}

	return nil
}

func offerPath(id string) string {
	return offersPath + "/" + url.PathEscape(id)
}
