package registry

import (
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/srediag/shm-pubsub/api"
	"github.com/srediag/shm-pubsub/internal/logger"
)

var internalLogger = logger.New("registry", nil)

// ServiceKey is a file-name safe, fixed-length key derived from a service name.
func ServiceKey(name string) string {
	sum := sha3.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func matches(ep api.Endpoint, signature string, kind api.EndpointKind) bool {
	if kind != 0 && ep.Kind != kind {
		return false
	}
	return signature == "" || ep.Signature == signature
}

func checkEndpoint(cfg api.ServiceConfig, ep api.Endpoint, existing []api.Endpoint) error {
	if ep.Signature != cfg.Signature {
		return api.ErrSignatureMismatch
	}
	limit := cfg.MaxSubscribers
	if ep.Kind == api.KindPublisher {
		limit = cfg.MaxPublishers
	}
	if limit <= 0 {
		return nil
	}
	n := 0
	for _, e := range existing {
		if e.Kind == ep.Kind && e.ID != ep.ID {
			n++
		}
	}
	if n >= limit {
		return api.ErrServiceFull
	}
	return nil
}

func sortEndpoints(eps []api.Endpoint) {
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Created != eps[j].Created {
			return eps[i].Created < eps[j].Created
		}
		return eps[i].ID < eps[j].ID
	})
}
