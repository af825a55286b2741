package state

// DefaultTimestampKey is the field that always takes the server's value
// during reconciliation.
const DefaultTimestampKey = "lastUpdated"

// Policy controls Reconcile.
type Policy struct {
	// TimestampKey always resolves to the server value. Default: "lastUpdated".
	TimestampKey string

	// NumericMax resolves numeric conflicts to the larger value.
	NumericMax bool
}

// DefaultPolicy returns the standard policy: server wins, numbers take the
// max, and the last-updated timestamp follows the server.
func DefaultPolicy() Policy {
	return Policy{TimestampKey: DefaultTimestampKey, NumericMax: true}
}

// Reconcile merges a client-held speculative state with the server's state.
// Keys present on only one side are kept. On conflict the server wins,
// except that numeric pairs resolve to max(client, server) when
// p.NumericMax is set. The timestamp key always takes the server value.
func Reconcile(client, server map[string]any, p Policy) map[string]any {
	if p.TimestampKey == "" {
		p.TimestampKey = DefaultTimestampKey
	}

	out := make(map[string]any, len(client)+len(server))
	for k, v := range client {
		out[k] = v
	}
	for k, sv := range server {
		cv, ok := client[k]
		if !ok || k == p.TimestampKey || !p.NumericMax {
			out[k] = sv
			continue
		}
		cf, cok := toFloat(cv)
		sf, sok := toFloat(sv)
		if cok && sok && cf > sf {
			out[k] = cv
			continue
		}
		out[k] = sv
	}
	return out
}
