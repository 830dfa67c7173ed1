package git

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Advertisement is a complete info/refs response body.
type Advertisement struct {
	Service     Service
	ContentType string
	Body        []byte
}

// Advertiser answers the discovery phase of the Smart HTTP protocol. Ref lists
// are small next to pack data, so the backend output is buffered in full; that
// is what allows the service header to be prepended after the backend has
// succeeded.
type Advertiser struct {
	resolver *Resolver
	backend  Backend
	timeout  time.Duration
	auditor  *Auditor
	logger   zerolog.Logger
}

func NewAdvertiser(resolver *Resolver, backend Backend, timeout time.Duration, auditor *Auditor, logger zerolog.Logger) *Advertiser {
	return &Advertiser{
		resolver: resolver,
		backend:  backend,
		timeout:  timeout,
		auditor:  auditor,
		logger:   logger,
	}
}

// AdvertiseOptions carries request details that do not affect validation.
type AdvertiseOptions struct {
	GitProtocol string
	SessionID   string
}

// Advertise validates the service token, resolves the repository and returns
// "# service=<svc>\n" as a pkt-line, a flush packet and the backend's ref list
// verbatim. It has no side effects on the repository.
func (a *Advertiser) Advertise(ctx context.Context, name, token string, opts AdvertiseOptions) (Advertisement, error) {
	service, err := ParseService(token)
	if err != nil {
		return Advertisement{}, err
	}

	loc, err := a.resolver.Resolve(name)
	if err != nil {
		return Advertisement{}, err
	}

	logger := a.logger.With().
		Str("repo", name).
		Str("service", string(service)).
		Str("session", opts.SessionID).
		Logger()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	refs, err := a.backend.AdvertiseRefs(ctx, Invocation{
		Location:      loc,
		Service:       service,
		AdvertiseRefs: true,
		GitProtocol:   opts.GitProtocol,
		SessionID:     opts.SessionID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("ref advertisement failed")
		a.auditor.Record(Event{
			Repo:     name,
			Service:  service,
			Phase:    PhaseAdvertise,
			Duration: time.Since(start),
			Err:      err,
		})
		return Advertisement{}, err
	}

	body, err := EncodeLine([]byte("# service=" + string(service) + "\n"))
	if err != nil {
		return Advertisement{}, err
	}
	body = append(body, flushPkt...)
	body = append(body, refs...)

	a.auditor.Record(Event{
		Repo:     name,
		Service:  service,
		Phase:    PhaseAdvertise,
		BytesOut: int64(len(body)),
		Success:  true,
		Duration: time.Since(start),
	})

	return Advertisement{
		Service:     service,
		ContentType: service.AdvertisementContentType(),
		Body:        body,
	}, nil
}
