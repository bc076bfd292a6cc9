package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Nats      NatsConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Recording RecordingConfig `mapstructure:"recording"`
	Detectors DetectorsConfig `mapstructure:"detectors"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

type NatsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RecordingConfig drives the downstream publish points: the event stream,
// the per-minute analytics counters, and the threat-record archive write.
type RecordingConfig struct {
	StreamKey       string        `mapstructure:"stream_key"`
	CounterTTL      time.Duration `mapstructure:"counter_ttl"`
	ThreatRetention time.Duration `mapstructure:"threat_retention"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
	HeaderAllowlist []string      `mapstructure:"header_allowlist"`
}

type DetectorsConfig struct {
	BruteForce     BruteForceConfig     `mapstructure:"bruteforce"`
	Enumeration    EnumerationConfig    `mapstructure:"enumeration"`
	RateLimit      RateLimitConfig      `mapstructure:"ratelimit"`
	DeviceAnomaly  DeviceAnomalyConfig  `mapstructure:"device_anomaly"`
	Replay         ReplayConfig         `mapstructure:"replay"`
	TrafficAnomaly TrafficAnomalyConfig `mapstructure:"traffic_anomaly"`
	DDoS           DDoSConfig           `mapstructure:"ddos"`
}

type BruteForceConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Window            time.Duration `mapstructure:"window"`
	Bucket            time.Duration `mapstructure:"bucket"`
	Expiry            time.Duration `mapstructure:"expiry"`
	UsernameThreshold int64         `mapstructure:"username_threshold"`
	IPThreshold       int64         `mapstructure:"ip_threshold"`
	UserIPThreshold   int64         `mapstructure:"user_ip_threshold"`
	CoolOff           time.Duration `mapstructure:"cool_off"`
}

type EnumerationConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Distinct usernames probed from one source.
	Window            time.Duration `mapstructure:"window"`
	Bucket            time.Duration `mapstructure:"bucket"`
	Expiry            time.Duration `mapstructure:"expiry"`
	UsernameThreshold int64         `mapstructure:"username_threshold"`
	// Distinct IPs probing one username (password-spray view).
	UserIPsWindow    time.Duration `mapstructure:"user_ips_window"`
	UserIPsExpiry    time.Duration `mapstructure:"user_ips_expiry"`
	UserIPsThreshold int64         `mapstructure:"user_ips_threshold"`

	IncludeUserAgent bool          `mapstructure:"include_user_agent"`
	CoolOff          time.Duration `mapstructure:"cool_off"`
}

// CreditScopeConfig parameterizes one token bucket layer of the rate limiter.
type CreditScopeConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	MaxCredits      float64 `mapstructure:"max_credits"`
	RefillPerSecond float64 `mapstructure:"refill_per_second"`
	Cost            float64 `mapstructure:"cost"`
}

type RateLimitConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	IncludeUserAgent bool     `mapstructure:"include_user_agent"`
	Allowlist        []string `mapstructure:"allowlist"`
	ExcludePaths     []string `mapstructure:"exclude_paths"`

	// Layered scopes, evaluated subnet -> user-agent -> principal.
	Subnet    CreditScopeConfig `mapstructure:"subnet"`
	UserAgent CreditScopeConfig `mapstructure:"user_agent"`
	Principal CreditScopeConfig `mapstructure:"principal"`

	CoolOff          time.Duration `mapstructure:"cool_off"`
	StrikeEscalation bool          `mapstructure:"strike_escalation"`
	StrikeWindow     time.Duration `mapstructure:"strike_window"`
	Strike1CoolOff   time.Duration `mapstructure:"strike1_cool_off"`
	Strike2CoolOff   time.Duration `mapstructure:"strike2_cool_off"`
	Strike3CoolOff   time.Duration `mapstructure:"strike3_cool_off"`
	FailOpen         bool          `mapstructure:"fail_open"`
}

type DeviceAnomalyConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	HeaderCandidates []string `mapstructure:"header_candidates"`
	IncludeUserAgent bool     `mapstructure:"include_user_agent"`
	FallbackToIP     bool     `mapstructure:"fallback_to_ip"`
	Allowlist        []string `mapstructure:"allowlist"`
	ExcludePaths     []string `mapstructure:"exclude_paths"`

	Window              time.Duration `mapstructure:"window"`
	DistinctIPThreshold int64         `mapstructure:"distinct_ip_threshold"`
	SwitchThreshold     int64         `mapstructure:"switch_threshold"`
	MaxTrackedIPs       int64         `mapstructure:"max_tracked_ips"`
	CoolOff             time.Duration `mapstructure:"cool_off"`
}

type ReplayConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	ProtectedMethods   []string      `mapstructure:"protected_methods"`
	Window             time.Duration `mapstructure:"window"`
	AbuseThreshold     int64         `mapstructure:"abuse_threshold"`
	CoolOff            time.Duration `mapstructure:"cool_off"`
	IdempotencyHeaders []string      `mapstructure:"idempotency_headers"`
	IgnoredQueryParams []string      `mapstructure:"ignored_query_params"`
	MaxBodyBytes       int           `mapstructure:"max_body_bytes"`
	CanonicalizeJSON   bool          `mapstructure:"canonicalize_json"`
	IncludeUserAgent   bool          `mapstructure:"include_user_agent"`
	// Replay leans fail-closed: losing duplicate suppression is a
	// correctness problem, not an availability trade-off.
	FailOpen bool `mapstructure:"fail_open"`
}

type TrafficAnomalyConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Bucket         time.Duration `mapstructure:"bucket"`
	Window         time.Duration `mapstructure:"window"`
	Expiry         time.Duration `mapstructure:"expiry"`
	Alpha          float64       `mapstructure:"alpha"`
	ZThreshold     float64       `mapstructure:"z_threshold"`
	MinDistinctIPs int64         `mapstructure:"min_distinct_ips"`
	WarmupBuckets  int64         `mapstructure:"warmup_buckets"`
	CoolOff        time.Duration `mapstructure:"cool_off"`
	ExcludePaths   []string      `mapstructure:"exclude_paths"`
}

type DDoSConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	KeyPrefix string `mapstructure:"key_prefix"`

	PerIPS1    int64 `mapstructure:"per_ip_s1"`
	PerIPS10   int64 `mapstructure:"per_ip_s10"`
	GlobalS1   int64 `mapstructure:"global_s1"`
	GlobalS10  int64 `mapstructure:"global_s10"`
	PerPathS10 int64 `mapstructure:"per_path_s10"`

	UseDistinctIPSurge bool  `mapstructure:"use_distinct_ip_surge"`
	UniqueIPsPerMinute int64 `mapstructure:"unique_ips_per_minute"`

	CheckSuspiciousUA    bool     `mapstructure:"check_suspicious_ua"`
	SuspiciousUserAgents []string `mapstructure:"suspicious_user_agents"`

	S1TTL   time.Duration `mapstructure:"s1_ttl"`
	S10TTL  time.Duration `mapstructure:"s10_ttl"`
	UniqTTL time.Duration `mapstructure:"uniq_ttl"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/apiguard")
	}

	// Environment variables override
	v.SetEnvPrefix("APIGUARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.op_timeout", "500ms")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "security.alerts")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("recording.stream_key", "security:events")
	v.SetDefault("recording.counter_ttl", "960h") // 40 days
	v.SetDefault("recording.threat_retention", "240h")
	v.SetDefault("recording.max_body_bytes", 8192)
	v.SetDefault("recording.header_allowlist", []string{
		"content-type", "user-agent", "x-forwarded-for", "x-request-id",
	})

	v.SetDefault("detectors.bruteforce.enabled", true)
	v.SetDefault("detectors.bruteforce.window", "5m")
	v.SetDefault("detectors.bruteforce.bucket", "1m")
	v.SetDefault("detectors.bruteforce.expiry", "12m")
	v.SetDefault("detectors.bruteforce.username_threshold", 5)
	v.SetDefault("detectors.bruteforce.ip_threshold", 20)
	v.SetDefault("detectors.bruteforce.user_ip_threshold", 4)
	v.SetDefault("detectors.bruteforce.cool_off", "60s")

	v.SetDefault("detectors.enumeration.enabled", true)
	v.SetDefault("detectors.enumeration.window", "10m")
	v.SetDefault("detectors.enumeration.bucket", "1m")
	v.SetDefault("detectors.enumeration.expiry", "12m")
	v.SetDefault("detectors.enumeration.username_threshold", 20)
	v.SetDefault("detectors.enumeration.user_ips_window", "10m")
	v.SetDefault("detectors.enumeration.user_ips_expiry", "12m")
	v.SetDefault("detectors.enumeration.user_ips_threshold", 30)
	v.SetDefault("detectors.enumeration.include_user_agent", true)
	v.SetDefault("detectors.enumeration.cool_off", "120s")

	v.SetDefault("detectors.ratelimit.enabled", true)
	v.SetDefault("detectors.ratelimit.include_user_agent", false)
	v.SetDefault("detectors.ratelimit.subnet.enabled", true)
	v.SetDefault("detectors.ratelimit.subnet.max_credits", 200.0)
	v.SetDefault("detectors.ratelimit.subnet.refill_per_second", 40.0)
	v.SetDefault("detectors.ratelimit.subnet.cost", 1.0)
	v.SetDefault("detectors.ratelimit.user_agent.enabled", false)
	v.SetDefault("detectors.ratelimit.user_agent.max_credits", 100.0)
	v.SetDefault("detectors.ratelimit.user_agent.refill_per_second", 20.0)
	v.SetDefault("detectors.ratelimit.user_agent.cost", 1.0)
	v.SetDefault("detectors.ratelimit.principal.enabled", true)
	v.SetDefault("detectors.ratelimit.principal.max_credits", 10.0)
	v.SetDefault("detectors.ratelimit.principal.refill_per_second", 2.0)
	v.SetDefault("detectors.ratelimit.principal.cost", 1.0)
	v.SetDefault("detectors.ratelimit.cool_off", "30s")
	v.SetDefault("detectors.ratelimit.strike_escalation", true)
	v.SetDefault("detectors.ratelimit.strike_window", "10m")
	v.SetDefault("detectors.ratelimit.strike1_cool_off", "30s")
	v.SetDefault("detectors.ratelimit.strike2_cool_off", "5m")
	v.SetDefault("detectors.ratelimit.strike3_cool_off", "1h")
	v.SetDefault("detectors.ratelimit.fail_open", true)

	v.SetDefault("detectors.device_anomaly.enabled", true)
	v.SetDefault("detectors.device_anomaly.header_candidates", []string{"x-vendor-id", "x-fingerprint-id"})
	v.SetDefault("detectors.device_anomaly.include_user_agent", false)
	v.SetDefault("detectors.device_anomaly.fallback_to_ip", false)
	v.SetDefault("detectors.device_anomaly.exclude_paths", []string{"/health", "/metrics"})
	v.SetDefault("detectors.device_anomaly.window", "10m")
	v.SetDefault("detectors.device_anomaly.distinct_ip_threshold", 4)
	v.SetDefault("detectors.device_anomaly.switch_threshold", 6)
	v.SetDefault("detectors.device_anomaly.max_tracked_ips", 64)
	v.SetDefault("detectors.device_anomaly.cool_off", "120s")

	v.SetDefault("detectors.replay.enabled", true)
	v.SetDefault("detectors.replay.protected_methods", []string{"POST", "PUT", "PATCH", "DELETE"})
	v.SetDefault("detectors.replay.window", "5m")
	v.SetDefault("detectors.replay.abuse_threshold", 5)
	v.SetDefault("detectors.replay.cool_off", "120s")
	v.SetDefault("detectors.replay.idempotency_headers", []string{"Idempotency-Key", "X-Idempotency-Key"})
	v.SetDefault("detectors.replay.ignored_query_params", []string{"ts", "nonce", "_"})
	v.SetDefault("detectors.replay.max_body_bytes", 65536)
	v.SetDefault("detectors.replay.canonicalize_json", true)
	v.SetDefault("detectors.replay.include_user_agent", false)
	v.SetDefault("detectors.replay.fail_open", false)

	v.SetDefault("detectors.traffic_anomaly.enabled", true)
	v.SetDefault("detectors.traffic_anomaly.bucket", "1m")
	v.SetDefault("detectors.traffic_anomaly.window", "5m")
	v.SetDefault("detectors.traffic_anomaly.expiry", "10m")
	v.SetDefault("detectors.traffic_anomaly.alpha", 0.3)
	v.SetDefault("detectors.traffic_anomaly.z_threshold", 4.0)
	v.SetDefault("detectors.traffic_anomaly.min_distinct_ips", 5)
	v.SetDefault("detectors.traffic_anomaly.warmup_buckets", 10)
	v.SetDefault("detectors.traffic_anomaly.cool_off", "90s")
	v.SetDefault("detectors.traffic_anomaly.exclude_paths", []string{"/health", "/metrics"})

	v.SetDefault("detectors.ddos.enabled", true)
	v.SetDefault("detectors.ddos.key_prefix", "ddos")
	v.SetDefault("detectors.ddos.per_ip_s1", 30)
	v.SetDefault("detectors.ddos.per_ip_s10", 120)
	v.SetDefault("detectors.ddos.global_s1", 2000)
	v.SetDefault("detectors.ddos.global_s10", 12000)
	v.SetDefault("detectors.ddos.per_path_s10", 4000)
	v.SetDefault("detectors.ddos.use_distinct_ip_surge", true)
	v.SetDefault("detectors.ddos.unique_ips_per_minute", 1500)
	v.SetDefault("detectors.ddos.check_suspicious_ua", true)
	v.SetDefault("detectors.ddos.suspicious_user_agents", []string{"curl", "python-requests", "go-http-client", "wget"})
	v.SetDefault("detectors.ddos.s1_ttl", "3s")
	v.SetDefault("detectors.ddos.s10_ttl", "15s")
	v.SetDefault("detectors.ddos.uniq_ttl", "90s")
}

// Validate rejects configurations that would make detection unreliable.
// Violations are fatal at startup, never surfaced at request time.
func (c *Config) Validate() error {
	var errs []error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	checkWindowed := func(name string, window, bucket, expiry time.Duration) {
		check(window > 0, "%s: window must be positive", name)
		check(bucket > 0, "%s: bucket must be positive", name)
		if window > 0 && bucket > 0 {
			check(bucket <= window, "%s: bucket %s exceeds window %s", name, bucket, window)
			// A shorter TTL silently loses in-flight window data.
			check(expiry >= window+bucket, "%s: expiry %s must cover window+bucket %s", name, expiry, window+bucket)
		}
	}

	bf := c.Detectors.BruteForce
	if bf.Enabled {
		checkWindowed("bruteforce", bf.Window, bf.Bucket, bf.Expiry)
		check(bf.UsernameThreshold > 0, "bruteforce: username_threshold must be positive")
		check(bf.IPThreshold > 0, "bruteforce: ip_threshold must be positive")
		check(bf.UserIPThreshold > 0, "bruteforce: user_ip_threshold must be positive")
		check(bf.CoolOff > 0, "bruteforce: cool_off must be positive")
	}

	en := c.Detectors.Enumeration
	if en.Enabled {
		checkWindowed("enumeration", en.Window, en.Bucket, en.Expiry)
		checkWindowed("enumeration.user_ips", en.UserIPsWindow, en.Bucket, en.UserIPsExpiry)
		check(en.UsernameThreshold > 0, "enumeration: username_threshold must be positive")
		check(en.UserIPsThreshold > 0, "enumeration: user_ips_threshold must be positive")
		check(en.CoolOff > 0, "enumeration: cool_off must be positive")
	}

	rl := c.Detectors.RateLimit
	if rl.Enabled {
		for name, sc := range map[string]CreditScopeConfig{
			"subnet": rl.Subnet, "user_agent": rl.UserAgent, "principal": rl.Principal,
		} {
			if !sc.Enabled {
				continue
			}
			check(sc.MaxCredits > 0, "ratelimit.%s: max_credits must be positive", name)
			check(sc.RefillPerSecond > 0, "ratelimit.%s: refill_per_second must be positive", name)
			check(sc.Cost > 0, "ratelimit.%s: cost must be positive", name)
		}
		check(rl.CoolOff > 0, "ratelimit: cool_off must be positive")
		if rl.StrikeEscalation {
			check(rl.StrikeWindow > 0, "ratelimit: strike_window must be positive")
			check(rl.Strike1CoolOff > 0 && rl.Strike2CoolOff > 0 && rl.Strike3CoolOff > 0,
				"ratelimit: strike cool-offs must be positive")
		}
	}

	da := c.Detectors.DeviceAnomaly
	if da.Enabled {
		check(da.Window > 0, "device_anomaly: window must be positive")
		check(da.DistinctIPThreshold > 0, "device_anomaly: distinct_ip_threshold must be positive")
		check(da.SwitchThreshold > 0, "device_anomaly: switch_threshold must be positive")
		check(da.CoolOff > 0, "device_anomaly: cool_off must be positive")
		check(len(da.HeaderCandidates) > 0 || da.FallbackToIP,
			"device_anomaly: needs header_candidates or fallback_to_ip")
	}

	rp := c.Detectors.Replay
	if rp.Enabled {
		check(rp.Window > 0, "replay: window must be positive")
		check(rp.AbuseThreshold > 0, "replay: abuse_threshold must be positive")
		check(rp.CoolOff > 0, "replay: cool_off must be positive")
		check(rp.MaxBodyBytes > 0, "replay: max_body_bytes must be positive")
	}

	ta := c.Detectors.TrafficAnomaly
	if ta.Enabled {
		checkWindowed("traffic_anomaly", ta.Window, ta.Bucket, ta.Expiry)
		check(ta.Alpha > 0 && ta.Alpha < 1, "traffic_anomaly: alpha must be in (0,1)")
		check(ta.ZThreshold > 0, "traffic_anomaly: z_threshold must be positive")
		check(ta.MinDistinctIPs > 0, "traffic_anomaly: min_distinct_ips must be positive")
		check(ta.WarmupBuckets > 0, "traffic_anomaly: warmup_buckets must be positive")
		check(ta.CoolOff > 0, "traffic_anomaly: cool_off must be positive")
	}

	dd := c.Detectors.DDoS
	if dd.Enabled {
		check(dd.PerIPS1 > 0 && dd.PerIPS10 > 0, "ddos: per-ip thresholds must be positive")
		check(dd.GlobalS1 > 0 && dd.GlobalS10 > 0, "ddos: global thresholds must be positive")
		check(dd.PerPathS10 > 0, "ddos: per_path_s10 must be positive")
		if dd.UseDistinctIPSurge {
			check(dd.UniqueIPsPerMinute > 0, "ddos: unique_ips_per_minute must be positive")
		}
		check(dd.S1TTL > time.Second, "ddos: s1_ttl must exceed 1s")
		check(dd.S10TTL > 10*time.Second, "ddos: s10_ttl must exceed 10s")
	}

	return errors.Join(errs...)
}
