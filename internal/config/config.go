// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"exclusive-flock/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FLOCK_LOCK_DIR.
const EnvPrefix = "FLOCK"

// Config holds all configuration for the lock tooling.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	LockDir      string        `mapstructure:"lock_dir" validate:"required,startswith=/"`
	CreateDir    bool          `mapstructure:"create_dir"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	FileMode     string        `mapstructure:"file_mode" validate:"filemode"`
	LogLevel     string        `mapstructure:"log_level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`

	HttpListenAddr string `mapstructure:"http_listen_addr" validate:"required"`
	// TraceOutput is "stdout", "stderr" or a file path; empty disables tracing.
	TraceOutput string `mapstructure:"trace_output"`

	// Resources are registered under LockDir using the naming convention.
	Resources []string `mapstructure:"resources" validate:"dive,resource"`

	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints" validate:"dive,required"`
	EtcdTimeout       time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`
	EtcdCatalogPrefix string        `mapstructure:"etcd_catalog_prefix" validate:"required,startswith=/,endswith=/"`

	Tasks []TaskConfig `mapstructure:"tasks" validate:"dive"`
}

// TaskConfig describes a scheduled lock-guarded command or HTTP request.
type TaskConfig struct {
	Name         string        `mapstructure:"name" validate:"required,max=128"`
	Resource     string        `mapstructure:"resource" validate:"required,resource"`
	CronExpr     string        `mapstructure:"cron_expr" validate:"required,cron"`
	Command      string        `mapstructure:"command" validate:"required_without=URL,excluded_with=URL"`
	URL          string        `mapstructure:"url" validate:"omitempty,url"`
	Method       string        `mapstructure:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Retries      int           `mapstructure:"retries" validate:"gte=0,lte=10"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout" validate:"gte=0"`
	ExecTimeout  time.Duration `mapstructure:"exec_timeout" validate:"gte=0"`
}

// ToDomainTask converts the configuration into a domain.Task. Scheduled
// tasks skip a busy lock unless a lock timeout is configured.
func (c TaskConfig) ToDomainTask() *domain.Task {
	return &domain.Task{
		Name:         c.Name,
		Resource:     c.Resource,
		Command:      c.Command,
		URL:          c.URL,
		Method:       c.Method,
		Retries:      c.Retries,
		RetryBackoff: c.RetryBackoff,
		CronExpr:     c.CronExpr,
		NonBlocking:  c.LockTimeout == 0,
		LockTimeout:  c.LockTimeout,
		ExecTimeout:  c.ExecTimeout,
	}
}

// Mode parses FileMode as an octal permission string such as "0644".
func (c *Config) Mode() os.FileMode {
	mode, err := parseFileMode(c.FileMode)
	if err != nil {
		return 0o644
	}
	return mode
}

// CronParser is the schedule syntax shared by validation and the scheduler:
// an optional leading seconds field.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SetDefaults installs default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("lock_dir", domain.DefaultLockDir)
	v.SetDefault("create_dir", true)
	v.SetDefault("poll_interval", "10ms")
	v.SetDefault("file_mode", "0644")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("trace_output", "")
	v.SetDefault("resources", []string{domain.ResourceTest1, domain.ResourceTest2})
	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("etcd_catalog_prefix", "/flock/catalog/")
}

// Load loads configuration from file and environment variables. An empty
// path searches ./configs and the working directory for config.yaml; a
// missing search-path file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration with the struct tags above.
func (c *Config) Validate() error {
	if err := NewValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// NewValidator returns a validator with the resource, cron and filemode tags.
func NewValidator() *validator.Validate {
	validate := validator.New()

	_ = validate.RegisterValidation("resource", func(fl validator.FieldLevel) bool {
		return domain.ValidateResource(fl.Field().String()) == nil
	})

	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := CronParser.Parse(fl.Field().String())
		return err == nil
	})

	_ = validate.RegisterValidation("filemode", func(fl validator.FieldLevel) bool {
		_, err := parseFileMode(fl.Field().String())
		return err == nil
	})

	return validate
}

func parseFileMode(s string) (os.FileMode, error) {
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	if mode > 0o777 {
		return 0, fmt.Errorf("file mode %s has bits outside 0777", s)
	}
	return os.FileMode(mode), nil
}
