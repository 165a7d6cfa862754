package worker

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/wudi/swproxy/config"
	"github.com/wudi/swproxy/internal/network"
)

// Options is the caching policy of one worker version.
type Options struct {
	Origin             *url.URL
	Version            string
	Seed               []string
	APIMatch           []string
	OfflineDocument    string
	UnavailableMessage string
	Exclude            []string
	OnFailure          string
}

// OptionsFromConfig extracts worker options from a validated config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	origin, err := network.ParseOrigin(cfg.Origin)
	if err != nil {
		return Options{}, fmt.Errorf("origin: %w", err)
	}
	onFailure := cfg.Static.OnFailure
	if onFailure == "" {
		onFailure = config.OnFailurePropagate
	}
	return Options{
		Origin:             origin,
		Version:            cfg.Worker.Version,
		Seed:               slices.Clone(cfg.Worker.Seed),
		APIMatch:           slices.Clone(cfg.Worker.APIMatch),
		OfflineDocument:    cfg.Worker.OfflineDocument,
		UnavailableMessage: cfg.Worker.UnavailableMessage,
		Exclude:            slices.Clone(cfg.Static.Exclude),
		OnFailure:          onFailure,
	}, nil
}

// Equal reports whether o and p describe the same policy.
func (o Options) Equal(p Options) bool {
	return o.origin() == p.origin() &&
		o.Version == p.Version &&
		slices.Equal(o.Seed, p.Seed) &&
		slices.Equal(o.APIMatch, p.APIMatch) &&
		o.OfflineDocument == p.OfflineDocument &&
		o.UnavailableMessage == p.UnavailableMessage &&
		slices.Equal(o.Exclude, p.Exclude) &&
		o.OnFailure == p.OnFailure
}

func (o Options) origin() string {
	if o.Origin == nil {
		return ""
	}
	return o.Origin.String()
}

// resolve turns a root-relative path into an absolute URL on the origin.
func (o Options) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return o.Origin.ResolveReference(ref), nil
}
