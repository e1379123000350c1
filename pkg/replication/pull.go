package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/pkg/source"
	"github.com/moovcs/vcsd/pkg/vcserr"
)

// Puller drives the index/update operation: it asks the
// configured source for everything merged since the local position, then
// applies the result through an Applier. A standalone instance (no
// source configured) cannot pull at all.
type Puller struct {
	source  *source.Source
	applier *Applier
	client  *http.Client
	log     hclog.Logger
}

// NewPuller wires a Puller from its component stores. httpClient may be
// nil, in which case http.DefaultClient is used.
func NewPuller(src *source.Source, applier *Applier, httpClient *http.Client, log hclog.Logger) *Puller {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Puller{source: src, applier: applier, client: httpClient, log: log.Named("pull")}
}

// Update fetches and applies every change merged on the source after
// knownID (the local tail of the merged order; empty means "before
// history", i.e. this follower has nothing yet), retrying the calc_delta
// request with exponential backoff on transient failures (the source
// temporarily unreachable, or a 5xx), up to maxElapsed. Any other non-200
// status and a body that does not decode fail at once without a retry.
// It returns KindNoSource if this instance has no configured source.
func (p *Puller) Update(ctx context.Context, knownID string, maxElapsed time.Duration) (*Delta, error) {
	cfg, err := p.source.Get(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, vcserr.New(vcserr.KindNoSource, "index/update called with no source configured")
	}

	var delta *Delta
	fetch := func() error {
		d, err := p.fetchDelta(ctx, cfg, knownID)
		if err != nil {
			return err
		}
		delta = d
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	notify := func(err error, wait time.Duration) {
		p.log.Warn("calc_delta request failed, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(fetch, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, vcserr.Wrap(vcserr.KindRemoteError, err, "fetch delta from %s", cfg.URL)
	}

	if err := p.applier.Apply(ctx, delta); err != nil {
		return nil, err
	}
	return delta, nil
}

func (p *Puller) fetchDelta(ctx context.Context, cfg *source.Config, knownID string) (*Delta, error) {
	url := fmt.Sprintf("%s/index/calc_delta?known_change_id=%s", cfg.URL, neturl.QueryEscape(knownID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if cfg.ExtAPIKey != "" {
		req.Header.Set("X-API-Key", cfg.ExtAPIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("source returned %d: %s", resp.StatusCode, string(bytes.TrimSpace(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("source returned %d: %s", resp.StatusCode, string(bytes.TrimSpace(body))))
	}

	var delta Delta
	if err := json.Unmarshal(body, &delta); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode calc_delta response: %w", err))
	}
	return &delta, nil
}
