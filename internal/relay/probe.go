package relay

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"chatrelay/internal/apierr"
	"chatrelay/internal/cache"
	"chatrelay/internal/provider"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	probePrompt   = "Hello"
	probeTimeout  = 30 * time.Second
	probeMaxReply = 512
)

// ProbeResult reports whether the upstream answered a trivial prompt.
type ProbeResult struct {
	Success   bool      `json:"success"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	HasAPIKey bool      `json:"hasApiKey"`
	Reply     string    `json:"reply,omitempty"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
	Cached    bool      `json:"cached"`
}

// Prober checks upstream connectivity. Successful results are kept in the
// injected cache for ttl so health checks do not hammer the provider.
type Prober struct {
	relay     *Relay
	cache     cache.Cache
	ttl       time.Duration
	hasAPIKey bool
}

func NewProber(r *Relay, c cache.Cache, ttl time.Duration, hasAPIKey bool) *Prober {
	return &Prober{relay: r, cache: c, ttl: ttl, hasAPIKey: hasAPIKey}
}

func (p *Prober) cacheKey() string {
	prov := p.relay.Provider()
	if prov == nil {
		return "probe:unconfigured"
	}
	return "probe:" + prov.Name() + ":" + prov.Model()
}

// Probe returns a cached result when one is live, unless force is set.
func (p *Prober) Probe(ctx context.Context, force bool) ProbeResult {
	logger := zerolog.Ctx(ctx)
	key := p.cacheKey()

	if !force && p.cache != nil {
		raw, ok, err := p.cache.Get(ctx, key)
		if err != nil {
			logger.Warn().Err(err).Msg("read probe cache")
		} else if ok {
			var res ProbeResult
			if err := json.Unmarshal([]byte(raw), &res); err == nil {
				res.Cached = true
				return res
			}
		}
	}

	res := p.run(ctx)
	if res.Success && p.cache != nil {
		raw, err := json.Marshal(res)
		if err == nil {
			err = p.cache.Set(ctx, key, string(raw), p.ttl)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("write probe cache")
		}
	}
	return res
}

func (p *Prober) run(ctx context.Context) ProbeResult {
	res := ProbeResult{HasAPIKey: p.hasAPIKey, CheckedAt: time.Now().UTC()}

	if err := p.relay.ConfigError(); err != nil {
		res.Code = apierr.Configuration(configMessage(err), err).Code()
		res.Error = configMessage(err)
		return res
	}
	prov := p.relay.Provider()
	res.Provider = prov.Name()
	res.Model = prov.Model()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	reply, err := probeOnce(ctx, prov)
	if err != nil {
		aerr := apierr.Classify(err)
		zerolog.Ctx(ctx).Error().Err(err).Str("code", aerr.Code()).Msg("upstream probe failed")
		res.Code = aerr.Code()
		res.Error = aerr.Message
		return res
	}
	res.Success = true
	res.Reply = reply
	return res
}

func probeOnce(ctx context.Context, prov provider.Provider) (string, error) {
	stream, err := prov.Stream(ctx, provider.Request{
		User:     "probe",
		Messages: []provider.Message{{Role: "user", Content: probePrompt}},
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for sb.Len() < probeMaxReply {
		d, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(d)
	}
	return sb.String(), nil
}
