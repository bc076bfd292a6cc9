package detectors

import (
	"github.com/redis/go-redis/v9"

	"github.com/jasmin-sec/apiguard/internal/config"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/threatbucket"
)

// BuildChain assembles the enabled detectors in evaluation order. The
// order is fixed: identity-centric detectors first so their threats
// lead the merged verdict, volume detectors last.
func BuildChain(client *redis.Client, cfg config.DetectorsConfig, threats *threatbucket.Store, log *logging.Logger) []Detector {
	var chain []Detector

	if cfg.BruteForce.Enabled {
		chain = append(chain, NewBruteForce(client, cfg.BruteForce, threats, log))
	}
	if cfg.Enumeration.Enabled {
		chain = append(chain, NewEnumeration(client, cfg.Enumeration, log))
	}
	if cfg.RateLimit.Enabled {
		chain = append(chain, NewRateLimit(client, cfg.RateLimit, threats, log))
	}
	if cfg.DeviceAnomaly.Enabled {
		chain = append(chain, NewDeviceAnomaly(client, cfg.DeviceAnomaly, threats, log))
	}
	if cfg.Replay.Enabled {
		chain = append(chain, NewReplay(client, cfg.Replay, log))
	}
	if cfg.TrafficAnomaly.Enabled {
		chain = append(chain, NewTrafficAnomaly(client, cfg.TrafficAnomaly, log))
	}
	if cfg.DDoS.Enabled {
		chain = append(chain, NewDDoS(client, cfg.DDoS, log))
	}
	return chain
}
