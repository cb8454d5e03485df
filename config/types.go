package config

import "time"

type AppConfig struct {
	DBDriver       string          `yaml:"db_driver" env:"OVR_DB_DRIVER" env-default:"sqlite"`
	DBURL          string          `yaml:"db_url" env:"OVR_DB_URL" env-default:"file:data/ovr.db?_pragma=foreign_keys(1)"`
	ListenAddr     string          `yaml:"listen_addr" env:"OVR_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	PublicURL      string          `yaml:"public_url" env:"OVR_PUBLIC_URL" env-default:"http://localhost:8080"`
	SessionTTL     time.Duration   `yaml:"session_ttl" env:"OVR_SESSION_TTL" env-default:"8h"`
	AppEnv         string          `yaml:"app_env" env:"OVR_APP_ENV"`
	CSRFKey        string          `yaml:"csrf_key" env:"OVR_CSRF_KEY"`
	LogLevel       string          `yaml:"log_level" env:"OVR_LOG_LEVEL" env-default:"info"`
	TLSEnabled     bool            `yaml:"tls_enabled" env:"OVR_TLS_ENABLED" env-default:"false"`
	TLSCert        string          `yaml:"tls_cert" env:"OVR_TLS_CERT"`
	TLSKey         string          `yaml:"tls_key" env:"OVR_TLS_KEY"`
	Identity       IdentityConfig  `yaml:"identity"`
	Security       SecurityConfig  `yaml:"security"`
	Incidents      IncidentsConfig `yaml:"incidents"`
	SharedAccess   SharedConfig    `yaml:"shared_access"`
	Scheduler      SchedulerConfig `yaml:"scheduler"`
}

// IdentityConfig describes how assertions from the external identity
// provider are verified and how its groups become roles.
type IdentityConfig struct {
	Secret   string              `yaml:"secret" env:"OVR_IDP_SECRET"`
	Issuer   string              `yaml:"issuer" env:"OVR_IDP_ISSUER"`
	Audience string              `yaml:"audience" env:"OVR_IDP_AUDIENCE"`
	GroupMap map[string][]string `yaml:"group_map"`
	Leeway   time.Duration       `yaml:"leeway" env:"OVR_IDP_LEEWAY" env-default:"30s"`
}

type SecurityConfig struct {
	TrustedProxies  []string `yaml:"trusted_proxies" env:"OVR_SECURITY_TRUSTED_PROXIES" env-separator:","`
	OnlineWindowSec int      `yaml:"online_window_sec" env:"OVR_SECURITY_ONLINE_WINDOW_SEC" env-default:"300"`
}

type IncidentsConfig struct {
	RegNoFormat      string `yaml:"reg_no_format" env:"OVR_INCIDENTS_REG_NO_FORMAT" env-default:"OVR-{year}-{seq:05}"`
	MinRejectReason  int    `yaml:"min_reject_reason" env:"OVR_INCIDENTS_MIN_REJECT_REASON" env-default:"20"`
	HistoryListLimit int    `yaml:"history_list_limit" env:"OVR_INCIDENTS_HISTORY_LIMIT" env-default:"200"`
	DefaultListLimit int    `yaml:"default_list_limit" env:"OVR_INCIDENTS_LIST_LIMIT" env-default:"50"`
}

type SharedConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl" env:"OVR_SHARED_TOKEN_TTL" env-default:"336h"`
}

type SchedulerConfig struct {
	Enabled     bool   `yaml:"enabled" env:"OVR_SCHEDULER_ENABLED" env-default:"true"`
	OverdueSpec string `yaml:"overdue_spec" env:"OVR_SCHEDULER_OVERDUE_SPEC" env-default:"@every 1h"`
	MaxPerRun   int    `yaml:"max_per_run" env:"OVR_SCHEDULER_MAX_PER_RUN" env-default:"100"`
}

const maxUserSessionTTL = 12 * time.Hour

func (c *AppConfig) EffectiveSessionTTL() time.Duration {
	ttl := maxUserSessionTTL
	if c != nil && c.SessionTTL > 0 {
		ttl = c.SessionTTL
	}
	if ttl > maxUserSessionTTL {
		return maxUserSessionTTL
	}
	return ttl
}

func (c *AppConfig) IsProduction() bool {
	if c == nil {
		return false
	}
	return c.AppEnv == "production" || c.AppEnv == "prod"
}

// MinRejectReasonLen falls back to 20 characters when unset.
func (c *AppConfig) MinRejectReasonLen() int {
	if c == nil || c.Incidents.MinRejectReason <= 0 {
		return 20
	}
	return c.Incidents.MinRejectReason
}
